package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigFillsAllSections(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 5, cfg.Dispatch.Concurrency)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 1000, cfg.Dispatch.QueueCapacity)
	assert.Equal(t, 10, cfg.Ingest.MaxPages)
	assert.Equal(t, 2, cfg.Ingest.ExtractWorkers)
	assert.Equal(t, 500, cfg.Mailer.DailyQuota)
	assert.Equal(t, 3, cfg.AI.MaxFailures)
	assert.Equal(t, 60, cfg.AI.QPM)
	assert.Equal(t, "info", cfg.Logger.Level)

	// 三个外部依赖的熔断器都有默认档位
	for _, name := range []string{"mail-provider", "mail-sender", "ai-extraction"} {
		brk, ok := cfg.Breakers[name]
		require.True(t, ok, name)
		assert.Equal(t, 3, brk.FailureThreshold)
		assert.Equal(t, 30*time.Second, brk.ResetTimeoutDuration())
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	content := `
server:
  address: ":9000"
  api_key: "secret"
mailer:
  endpoint: "https://mail.example.com/send"
  api_key: "mail-key"
  daily_quota: 42
dispatch:
  concurrency: 8
  retry_delay: "10s"
breakers:
  mail-sender:
    failure_threshold: 7
    reset_timeout: "1m"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 42, cfg.Mailer.DailyQuota)
	assert.Equal(t, 8, cfg.Dispatch.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.RetryDelayDuration())

	// 显式配置的熔断器保留，未配置的补默认
	assert.Equal(t, 7, cfg.Breakers["mail-sender"].FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breakers["mail-sender"].ResetTimeoutDuration())
	assert.Equal(t, 3, cfg.Breakers["ai-extraction"].FailureThreshold)

	// 文件未覆盖的项仍有默认值
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
}

func TestDurationParsersFallBackOnInvalidInput(t *testing.T) {
	d := DispatchConfig{RetryDelay: "不是时间", SweepInterval: ""}
	assert.Equal(t, 5*time.Second, d.RetryDelayDuration())
	assert.Equal(t, time.Minute, d.SweepIntervalDuration())

	b := BreakerConfig{ResetTimeout: "-3s"}
	assert.Equal(t, 30*time.Second, b.ResetTimeoutDuration())
}
