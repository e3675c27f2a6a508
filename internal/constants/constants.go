package constants

// Redis Key 前缀常量
const (
	// RedisKeyIdempotencyLock 幂等锁 key 前缀
	RedisKeyIdempotencyLock = "idem:lock:"
	// RedisKeyIdempotencyDone 幂等完成标记 key 前缀
	RedisKeyIdempotencyDone = "idem:done:"
	// RedisKeyPaymentStatus 支付状态缓存 key 前缀
	RedisKeyPaymentStatus = "payment:status:"
)

// 幂等键前缀常量
const (
	// IdempotencyKeyPayment 创建支付幂等键前缀 payment:{orderNo}:{userId}
	IdempotencyKeyPayment = "payment"
	// IdempotencyKeyCallback 回调幂等键前缀 callback:{orderNo}:{transactionNo}
	IdempotencyKeyCallback = "callback"
	// IdempotencyKeyCancel 取消幂等键前缀 cancel:{internalTransactionNo}
	IdempotencyKeyCancel = "cancel"
	// IdempotencyKeyRefund 退款幂等键前缀 refund:{internalTransactionNo}
	IdempotencyKeyRefund = "refund"
)

// 支付状态常量
const (
	// PayStatusPending 待支付
	PayStatusPending = "PENDING"
	// PayStatusSuccess 支付成功
	PayStatusSuccess = "SUCCESS"
	// PayStatusFailed 支付失败
	PayStatusFailed = "FAILED"
	// PayStatusCancelled 已取消
	PayStatusCancelled = "CANCELLED"
	// PayStatusRefunded 已退款
	PayStatusRefunded = "REFUNDED"
)

// 回调处理状态常量
const (
	// CallbackStatusPending 处理中
	CallbackStatusPending = "PENDING"
	// CallbackStatusSuccess 已处理（与支付结果无关）
	CallbackStatusSuccess = "SUCCESS"
	// CallbackStatusFailed 处理失败
	CallbackStatusFailed = "FAILED"
)

// 通知状态常量
const (
	// NotifyStatusPending 未通知
	NotifyStatusPending = "PENDING"
	// NotifyStatusSuccess 通知成功
	NotifyStatusSuccess = "SUCCESS"
	// NotifyStatusFailed 通知失败
	NotifyStatusFailed = "FAILED"
)

// 取消原因常量
const (
	// CancelReasonExpired 超时自动取消
	CancelReasonExpired = "expired"
	// OperatorSystem 系统操作人
	OperatorSystem = "system"
)

// 指标标签常量
const (
	// ResultSuccess 成功
	ResultSuccess = "success"
	// ResultFailed 失败
	ResultFailed = "failed"
	// ResultReplayed 幂等重放
	ResultReplayed = "replayed"
	// ResultRejected 拒绝
	ResultRejected = "rejected"
	// ResultConflict 乐观锁冲突
	ResultConflict = "conflict"
)

// 内部交易号前缀
const (
	// InternalTransactionNoPrefix 内部交易号前缀
	InternalTransactionNoPrefix = "PT"
)

// 默认值常量
const (
	// DefaultCurrencyCode 默认币种
	DefaultCurrencyCode = "CNY"
	// DefaultMaxNotifyCount 默认最大通知次数
	DefaultMaxNotifyCount = 5
	// DefaultMaxRetryCount 回调最大重试次数（网关侧）
	DefaultMaxRetryCount = 8
)
