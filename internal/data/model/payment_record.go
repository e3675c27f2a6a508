package model

import (
	"time"

	"payment-service/internal/constants"

	"github.com/shopspring/decimal"
)

// 支付状态常量（引用 constants 包中的常量，保持一致性）
const (
	PayStatusPending   = constants.PayStatusPending
	PayStatusSuccess   = constants.PayStatusSuccess
	PayStatusFailed    = constants.PayStatusFailed
	PayStatusCancelled = constants.PayStatusCancelled
	PayStatusRefunded  = constants.PayStatusRefunded
)

// PaymentRecord 支付记录表
// ActiveKey 仅在 PENDING 时为 "orderNo:userId"，终态置 NULL，唯一索引保证同一订单同一用户最多一条待支付记录。
type PaymentRecord struct {
	ID                    uint64          `gorm:"primaryKey;autoIncrement"`
	OrderNo               string          `gorm:"type:varchar(64);not null;index:idx_order_user,priority:1"`
	UserID                int64           `gorm:"not null;index:idx_order_user,priority:2"`
	UserName              string          `gorm:"type:varchar(64)"`
	InternalTransactionNo string          `gorm:"type:varchar(64);not null;uniqueIndex"`
	TransactionNo         string          `gorm:"type:varchar(64);index"` // 网关交易号
	ActiveKey             *string         `gorm:"type:varchar(96);uniqueIndex"`
	PayType               string          `gorm:"type:varchar(32);not null"`
	PayScene              string          `gorm:"type:varchar(32)"`
	ClientIP              string          `gorm:"type:varchar(64)"`
	NotifyURL             string          `gorm:"type:varchar(255)"`
	PayAmount             decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	ActualPayAmount       decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`
	DiscountAmount        decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`
	CurrencyCode          string          `gorm:"type:varchar(8);not null;default:'CNY'"`
	PayStatus             string          `gorm:"type:varchar(16);not null;index:idx_status_expire,priority:1"` // PENDING/SUCCESS/FAILED/CANCELLED/REFUNDED
	Version               int64           `gorm:"not null;default:0"`                                           // 乐观锁版本号
	PayTime               *time.Time
	ExpireTime            time.Time `gorm:"not null;index:idx_status_expire,priority:2"`
	CompleteTime          *time.Time
	FailureTime           *time.Time
	FailureCode           string `gorm:"type:varchar(64)"`
	FailureReason         string `gorm:"type:varchar(255)"`
	CancelReason          string `gorm:"type:varchar(255)"`
	OperatorID            string `gorm:"type:varchar(64)"`
	NotifyStatus          string `gorm:"type:varchar(16);not null;default:'PENDING'"`
	NotifyCount           int32  `gorm:"not null;default:0"`
	MaxNotifyCount        int32  `gorm:"not null;default:5"`
	LastNotifyTime        *time.Time
	CreatedAt             time.Time `gorm:"autoCreateTime"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (PaymentRecord) TableName() string {
	return "payment_record"
}
