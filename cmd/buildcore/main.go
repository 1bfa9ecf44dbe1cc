package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzzerolog "github.com/hertz-contrib/logger/zerolog"
	"github.com/spf13/pflag"

	"buildcore-go/internal/api/handler"
	"buildcore-go/internal/api/router"
	"buildcore-go/internal/breaker"
	"buildcore-go/internal/config"
	"buildcore-go/internal/constants"
	"buildcore-go/internal/diff"
	"buildcore-go/internal/dispatch"
	"buildcore-go/internal/extract"
	"buildcore-go/internal/ingest"
	"buildcore-go/internal/logger"
	"buildcore-go/internal/mailbox"
	"buildcore-go/internal/mailer"
	"buildcore-go/internal/outbox"
	"buildcore-go/internal/queue"
	"buildcore-go/internal/storage"
	"buildcore-go/pkg/llm"
	"buildcore-go/pkg/ratelimit"
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "配置文件路径")
	pflag.Parse()

	// 1. 加载配置并初始化日志
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("加载配置文件失败")
	}
	logger.Init(logger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})
	hlog.SetLogger(hertzzerolog.New())

	// 2. 初始化存储管理器
	ctx := context.Background()
	store, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化存储管理器失败")
	}
	defer store.Close()
	if store.MySQL == nil {
		logger.Fatal().Msg("MySQL不可用，无法启动")
	}

	// 3. 熔断器，每个外部依赖独立实例
	registry := breaker.NewRegistry(cfg.Breakers)

	// 4. 内存队列：发送队列与AI抽取队列独立限界
	sendQueue := queue.New(queue.Options{
		Name:        "send-mail",
		Concurrency: cfg.Dispatch.Concurrency,
		Capacity:    cfg.Dispatch.QueueCapacity,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		RetryDelay:  cfg.Dispatch.RetryDelayDuration(),
		Retention:   time.Duration(cfg.Dispatch.RetentionMinutes) * time.Minute,
	})
	extractQueue := queue.New(queue.Options{
		Name:        "ai-extract",
		Concurrency: cfg.Ingest.ExtractWorkers,
		Capacity:    cfg.Dispatch.QueueCapacity,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		RetryDelay:  cfg.Dispatch.RetryDelayDuration(),
		Retention:   time.Duration(cfg.Dispatch.RetentionMinutes) * time.Minute,
	})
	defer sendQueue.Stop()
	defer extractQueue.Stop()

	// 5. 派发服务
	sender, err := mailer.NewHTTPSender(&cfg.Mailer)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化邮件发送客户端失败")
	}
	var quotaCache dispatch.QuotaCache
	if store.Redis != nil {
		quotaCache = store.Redis
	} else {
		logger.Warn().Msg("Redis不可用，配额计数退化为进程内缓存")
		quotaCache = dispatch.NewMemoryQuotaCache()
	}
	dispatcher := dispatch.New(
		store.MySQL,
		quotaCache,
		sender,
		registry.Get("mail-sender"),
		sendQueue,
		dispatch.Options{
			MaxAttempts:   cfg.Dispatch.MaxAttempts,
			RetryDelay:    cfg.Dispatch.RetryDelayDuration(),
			DailyQuota:    cfg.Mailer.DailyQuota,
			StaleAfter:    time.Duration(cfg.Dispatch.StaleMinutes) * time.Minute,
			SweepInterval: cfg.Dispatch.SweepIntervalDuration(),
			RecoveryBatch: cfg.Dispatch.RecoveryBatch,
		},
	)

	// 5.1 崩溃恢复：僵死PROCESSING重置 + PENDING重新入队，随后启动重试扫描
	if err := dispatcher.RecoverPending(ctx); err != nil {
		logger.Error().Err(err).Msg("派发任务启动恢复失败")
	}
	dispatcher.StartSweep(ctx)
	defer dispatcher.StopSweep()

	// 6. AI抽取步骤
	var extractStep *extract.Step
	if cfg.AI.APIKey != "" {
		chatModel, err := llm.NewOpenAICompatModel(
			cfg.AI.APIKey, cfg.AI.Model, cfg.AI.APIURL,
			llm.WithTemperature(cfg.AI.Temperature),
			llm.WithMaxTokens(cfg.AI.MaxTokens),
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("初始化LLM客户端失败")
		}
		pdfText, err := extract.NewPDFText(ctx, cfg.AI.MaxPages)
		if err != nil {
			logger.Fatal().Err(err).Msg("初始化PDF解析器失败")
		}
		limiter := ratelimit.NewTokenBucket(cfg.AI.QPM, cfg.AI.QPM)
		llmClient := extract.NewLLMClient(chatModel, limiter, registry.Get("ai-extraction"))
		extractStep = extract.NewStep(llmClient, pdfText, store.MySQL, cfg.AI.MaxFailures)
	} else {
		logger.Warn().Msg("未配置AI密钥，摄取管道跳过自动抽取")
	}

	// 7. 三个业务域的摄取管道
	provider, err := mailbox.NewHTTPProvider(&cfg.Mailbox)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化收件箱提供商客户端失败")
	}
	if store.Redis == nil || store.MinIO == nil {
		logger.Fatal().Msg("Redis或MinIO不可用，摄取管道无法启动")
	}

	ingestOpts := ingest.Options{
		MaxPages: cfg.Ingest.MaxPages,
		PageSize: cfg.Mailbox.PageSize,
		LockTTL:  time.Duration(cfg.Ingest.LockTTLSeconds) * time.Second,
	}
	providerBreaker := registry.Get("mail-provider")
	pipelines := map[string]*ingest.Pipeline{}
	for _, spec := range []ingest.DomainSpec{ingest.PayablesDomain, ingest.TendersDomain, ingest.DraftingDomain} {
		var extractor ingest.Extractor
		if extractStep != nil {
			extractor = extractStep
		}
		p := ingest.NewPipeline(spec, store.MySQL, store.Redis, store.MinIO, provider, providerBreaker, extractor, ingestOpts)
		p.RegisterReExtract(extractQueue, store.MySQL, store.MinIO)
		pipelines[spec.Name] = p
	}

	// 8. 发件箱中继：把领域事件异步投递到RabbitMQ
	var relay *outbox.MessageRelay
	if store.RabbitMQ != nil {
		if err := store.RabbitMQ.EnsureExchange(constants.ExchangeDomainEvents, "topic", true); err != nil {
			logger.Error().Err(err).Msg("声明领域事件交换机失败")
		}
		relay = outbox.NewMessageRelay(store.MySQL.DB(), store.RabbitMQ)
		relay.Start()
		defer relay.Stop()
	} else {
		logger.Warn().Msg("RabbitMQ不可用，发件箱中继未启动")
	}

	// 9. 运维API
	h := server.Default(server.WithHostPorts(cfg.Server.Address))
	differ := diff.NewService(store.MySQL, store.MinIO)
	ops := handler.NewOpsHandler(
		dispatcher,
		registry,
		map[string]*queue.Queue{"send-mail": sendQueue, "ai-extract": extractQueue},
		pipelines,
		extractQueue,
		store.MySQL,
		differ,
	)
	router.RegisterRoutes(h, ops, cfg.Server.APIKey)

	go func() {
		if err := h.Run(); err != nil {
			logger.Fatal().Err(err).Msg("启动HTTP服务器失败")
		}
	}()

	// 10. 等待终止信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("接收到终止信号，正在优雅退出...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP服务器关闭失败")
	}
}
