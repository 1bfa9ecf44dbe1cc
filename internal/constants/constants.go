package constants

import "time"

// 收件箱业务域
const (
	DomainPayables = "payables" // 应付账款（发票）收件箱
	DomainTenders  = "tenders"  // 招标/报价收件箱
	DomainDrafting = "drafting" // 图纸变更收件箱
)

const (
	// Redis键前缀
	QuotaKeyPrefix   = "dispatch:quota:"   // dispatch:quota:<tenantID>:<yyyy-mm-dd>
	SeenMsgSetPrefix = "inbox:seen:"       // inbox:seen:<domain>:<tenantID>
	PollLockPrefix   = "inbox:poll_lock:"  // inbox:poll_lock:<domain>

	// 队列任务类型
	JobTypeSendMail = "send_mail"
	JobTypeExtract  = "extract_document"

	// 派发任务种类
	DispatchKindMailRegister = "mail_register"
	DispatchKindBroadcast    = "broadcast"
	DispatchKindDirect       = "direct_email"

	// 轮询锁默认TTL
	DefaultPollLockTTL = 4 * time.Minute
)

// RabbitMQ拓扑
const (
	ExchangeDomainEvents = "buildcore.domain.events" // 领域事件交换机，发件箱中继的投递目标
)
