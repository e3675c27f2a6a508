package biz

import (
	"context"
	"errors"
	"time"

	"payment-service/internal/constants"

	"github.com/shopspring/decimal"
)

// PayStatus 支付状态
type PayStatus string

const (
	PayStatusPending   PayStatus = constants.PayStatusPending
	PayStatusSuccess   PayStatus = constants.PayStatusSuccess
	PayStatusFailed    PayStatus = constants.PayStatusFailed
	PayStatusCancelled PayStatus = constants.PayStatusCancelled
	PayStatusRefunded  PayStatus = constants.PayStatusRefunded
)

// IsTerminal PENDING 以外的状态都是终态
func (s PayStatus) IsTerminal() bool {
	return s != PayStatusPending
}

// CanTransitionTo PENDING -> SUCCESS/FAILED/CANCELLED，SUCCESS -> REFUNDED
func (s PayStatus) CanTransitionTo(next PayStatus) bool {
	switch s {
	case PayStatusPending:
		return next == PayStatusSuccess || next == PayStatusFailed || next == PayStatusCancelled
	case PayStatusSuccess:
		return next == PayStatusRefunded
	default:
		return false
	}
}

// PaymentRecord 支付记录领域对象
type PaymentRecord struct {
	ID                    uint64
	OrderNo               string // 业务订单号（与 UserID 组合唯一标识一次支付意图）
	UserID                int64
	UserName              string
	InternalTransactionNo string // 系统生成的全局唯一交易号
	TransactionNo         string // 网关交易号（首次回调后写入）
	PayType               string // 支付渠道，同时决定回调校验规则
	PayScene              string
	ClientIP              string
	NotifyURL             string
	PayAmount             decimal.Decimal
	ActualPayAmount       decimal.Decimal
	DiscountAmount        decimal.Decimal
	CurrencyCode          string
	PayStatus             PayStatus
	Version               int64
	PayTime               *time.Time
	ExpireTime            time.Time
	CompleteTime          *time.Time
	FailureTime           *time.Time
	FailureCode           string
	FailureReason         string
	CancelReason          string
	OperatorID            string
	NotifyStatus          string
	NotifyCount           int32
	MaxNotifyCount        int32
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// StatusTransition 一次带版本校验的状态写入
type StatusTransition struct {
	ID              uint64
	ExpectedVersion int64
	From            PayStatus
	To              PayStatus
	ActualPayAmount *decimal.Decimal
	TransactionNo   string
	CompleteTime    *time.Time
	FailureTime     *time.Time
	FailureCode     string
	FailureReason   string
	CancelReason    string
	OperatorID      string
	ExpireTime      *time.Time
	Reset           bool // 仅测试重置使用：清空完成/失败字段
}

// applyTransition 返回写入成功后的记录副本
func (r *PaymentRecord) applyTransition(t *StatusTransition, now time.Time) *PaymentRecord {
	updated := *r
	updated.PayStatus = t.To
	updated.Version = r.Version + 1
	updated.UpdatedAt = now
	if t.Reset {
		updated.TransactionNo = ""
		updated.ActualPayAmount = decimal.Zero
		updated.CompleteTime = nil
		updated.FailureTime = nil
		updated.FailureCode = ""
		updated.FailureReason = ""
		updated.CancelReason = ""
	}
	if t.ActualPayAmount != nil {
		updated.ActualPayAmount = *t.ActualPayAmount
	}
	if t.TransactionNo != "" {
		updated.TransactionNo = t.TransactionNo
	}
	if t.CompleteTime != nil {
		updated.CompleteTime = t.CompleteTime
	}
	if t.FailureTime != nil {
		updated.FailureTime = t.FailureTime
		updated.FailureCode = t.FailureCode
		updated.FailureReason = t.FailureReason
	}
	if t.CancelReason != "" {
		updated.CancelReason = t.CancelReason
	}
	if t.OperatorID != "" {
		updated.OperatorID = t.OperatorID
	}
	if t.ExpireTime != nil {
		updated.ExpireTime = *t.ExpireTime
	}
	return &updated
}

// PaymentCallback 回调台账领域对象（每次投递一条）
type PaymentCallback struct {
	ID                    uint64
	PaymentRecordID       uint64 // 非外键引用，记录不存在时为 0
	OrderNo               string
	UserID                int64
	InternalTransactionNo string
	TransactionNo         string
	PayType               string
	PayAmount             decimal.Decimal
	CallbackAmount        decimal.Decimal
	CallbackBody          []byte
	Signature             string
	CallbackStatus        string
	ResultMessage         string
	RetryCount            int32
	MaxRetryCount         int32
	ProcessTimeMs         int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// StatusView 对外暴露的支付状态视图（缓存对象）
type StatusView struct {
	RecordID              uint64          `json:"record_id"`
	OrderNo               string          `json:"order_no"`
	UserID                int64           `json:"user_id"`
	InternalTransactionNo string          `json:"internal_transaction_no"`
	TransactionNo         string          `json:"transaction_no,omitempty"`
	PayType               string          `json:"pay_type"`
	PayStatus             PayStatus       `json:"pay_status"`
	PayAmount             decimal.Decimal `json:"pay_amount"`
	ActualPayAmount       decimal.Decimal `json:"actual_pay_amount"`
	CurrencyCode          string          `json:"currency_code"`
	Version               int64           `json:"version"`
	ExpireTime            time.Time       `json:"expire_time"`
	CompleteTime          *time.Time      `json:"complete_time,omitempty"`
	FailureCode           string          `json:"failure_code,omitempty"`
	FailureReason         string          `json:"failure_reason,omitempty"`
	Expired               bool            `json:"expired"`
}

// NotifyInfo 通知计数视图
type NotifyInfo struct {
	InternalTransactionNo string `json:"internal_transaction_no"`
	NotifyStatus          string `json:"notify_status"`
	NotifyCount           int32  `json:"notify_count"`
	MaxNotifyCount        int32  `json:"max_notify_count"`
}

// CacheStats 状态缓存命中统计
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// PaymentEvent 状态变更事件
type PaymentEvent struct {
	InternalTransactionNo string          `json:"internal_transaction_no"`
	OrderNo               string          `json:"order_no"`
	UserID                int64           `json:"user_id"`
	FromStatus            PayStatus       `json:"from_status"`
	PayStatus             PayStatus       `json:"pay_status"`
	Version               int64           `json:"version"`
	ActualPayAmount       decimal.Decimal `json:"actual_pay_amount"`
	NotifyURL             string          `json:"notify_url"`
	OccurredAt            time.Time       `json:"occurred_at"`
}

// PaymentRecordRepo 支付记录数据层接口（定义在 biz 层）
type PaymentRecordRepo interface {
	// Insert 写入 PENDING 记录，同一 (orderNo, userId) 已有 PENDING 记录时返回 DuplicateOrder
	Insert(ctx context.Context, record *PaymentRecord) error
	// FindByOrderAndUser 返回该订单最新的一条记录，不存在返回 nil
	FindByOrderAndUser(ctx context.Context, orderNo string, userID int64) (*PaymentRecord, error)
	FindByInternalTransactionNo(ctx context.Context, internalTransactionNo string) (*PaymentRecord, error)
	// CompareAndSetStatus 唯一的状态写入入口，返回受影响行数，0 表示版本不匹配
	CompareAndSetStatus(ctx context.Context, t *StatusTransition) (int64, error)
	// UpdateNotifyState 更新通知状态并累加通知次数（不修改支付状态）
	UpdateNotifyState(ctx context.Context, id uint64, notifyStatus string) error
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*PaymentRecord, error)
}

// PaymentCallbackRepo 回调台账数据层接口（只追加）
type PaymentCallbackRepo interface {
	Create(ctx context.Context, callback *PaymentCallback) error
	// MarkProcessed 写入处理结果（状态、说明、耗时、回调金额），仅更新仍处于 PENDING 的台账记录
	MarkProcessed(ctx context.Context, callback *PaymentCallback) error
	ListByPaymentRecordID(ctx context.Context, paymentRecordID uint64) ([]*PaymentCallback, error)
	CountByPaymentRecordID(ctx context.Context, paymentRecordID uint64) (int64, error)
}

// StatusCache 支付状态缓存（非权威数据源）
type StatusCache interface {
	Get(ctx context.Context, orderNo string, userID int64) (*StatusView, error)
	// Set 缓存中已有更新的视图（RecordID 更大，或同一记录 Version 更大）时不覆盖
	Set(ctx context.Context, view *StatusView) error
	Delete(ctx context.Context, orderNo string, userID int64) error
	Stats() CacheStats
}

// EventPublisher 状态变更事件发布
type EventPublisher interface {
	Enabled() bool
	PublishStatusChanged(ctx context.Context, event *PaymentEvent) error
}

// LockRelease 释放幂等锁
type LockRelease func(ctx context.Context) error

// ErrLockHeld 幂等锁已被其他执行持有
var ErrLockHeld = errors.New("idempotency lock held")

// IdempotencyStore 幂等锁与完成标记存储
type IdempotencyStore interface {
	// AcquireLock 获取互斥锁，被占用时返回 ErrLockHeld
	AcquireLock(ctx context.Context, key string, expiry time.Duration, tries int) (LockRelease, error)
	// GetMarker 读取完成标记，不存在返回 nil
	GetMarker(ctx context.Context, key string) ([]byte, error)
	SetMarker(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteMarker(ctx context.Context, key string) error
}
