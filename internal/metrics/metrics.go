package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PaymentMetrics 支付事务服务指标
type PaymentMetrics struct {
	// 支付记录相关指标
	PaymentCreateTotal     *prometheus.CounterVec // 创建支付总数（按结果）
	PaymentTransitionTotal *prometheus.CounterVec // 状态迁移总数（按 from、to）
	PaymentCASConflict     prometheus.Counter     // 乐观锁冲突总数
	PaymentExpiredTotal    prometheus.Counter     // 过期取消总数

	// 回调相关指标
	CallbackTotal    *prometheus.CounterVec   // 回调总数（按渠道、结果）
	CallbackDuration *prometheus.HistogramVec // 回调处理耗时

	// 幂等相关指标
	LockAcquireTotal    *prometheus.CounterVec // 锁获取总数（按结果）
	LockAcquireDuration prometheus.Histogram   // 锁获取耗时
	IdempotentReplay    *prometheus.CounterVec // 完成标记重放次数（按键前缀）

	// 状态缓存相关指标
	StatusCacheTotal *prometheus.CounterVec // 缓存查询（按 hit/miss/error）

	// 通知相关指标
	NotifyTotal *prometheus.CounterVec // 状态变更通知（按结果）
}

// NewPaymentMetrics 创建支付事务服务指标
func NewPaymentMetrics() *PaymentMetrics {
	return &PaymentMetrics{
		PaymentCreateTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_create_total",
				Help: "Total number of create payment calls",
			},
			[]string{"result"}, // result: success/failed/replayed
		),
		PaymentTransitionTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_transition_total",
				Help: "Total number of committed payment status transitions",
			},
			[]string{"from", "to"},
		),
		PaymentCASConflict: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "payment_cas_conflict_total",
				Help: "Total number of rejected compare-and-set status writes",
			},
		),
		PaymentExpiredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "payment_expired_total",
				Help: "Total number of pending payments cancelled by expiry",
			},
		),

		CallbackTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_callback_total",
				Help: "Total number of gateway callback deliveries",
			},
			[]string{"channel", "result"}, // result: success/failed/replayed/rejected/conflict
		),
		CallbackDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payment_callback_duration_seconds",
				Help:    "Duration of gateway callback processing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),

		LockAcquireTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_idempotency_lock_total",
				Help: "Total number of idempotency lock acquisition attempts",
			},
			[]string{"result"}, // result: success/failed
		),
		LockAcquireDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "payment_idempotency_lock_duration_seconds",
				Help:    "Duration of idempotency lock acquisition",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}, // 毫秒级
			},
		),
		IdempotentReplay: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_idempotency_replay_total",
				Help: "Total number of results served from completion markers",
			},
			[]string{"scope"}, // scope: payment/callback/cancel/refund
		),

		StatusCacheTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_status_cache_total",
				Help: "Status cache lookups",
			},
			[]string{"result"}, // result: hit/miss/error
		),

		NotifyTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_notify_total",
				Help: "Total number of status change notifications",
			},
			[]string{"result"},
		),
	}
}

var (
	defaultMetrics *PaymentMetrics
	once           sync.Once
)

// InitMetrics 初始化全局指标
func InitMetrics() {
	once.Do(func() {
		defaultMetrics = NewPaymentMetrics()
	})
}

// GetMetrics 获取全局指标实例
func GetMetrics() *PaymentMetrics {
	InitMetrics()
	return defaultMetrics
}
