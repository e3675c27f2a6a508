package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentCallback 支付回调台账表（只追加，每次投递一条）
type PaymentCallback struct {
	ID                    uint64          `gorm:"primaryKey;autoIncrement"`
	PaymentRecordID       uint64          `gorm:"not null;default:0;index"` // 不建外键，记录不存在时为 0
	OrderNo               string          `gorm:"type:varchar(64);not null;index"`
	UserID                int64           `gorm:"not null"`
	InternalTransactionNo string          `gorm:"type:varchar(64);not null"`
	TransactionNo         string          `gorm:"type:varchar(64);not null"`
	PayType               string          `gorm:"type:varchar(32)"`
	PayAmount             decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`
	CallbackAmount        decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`
	CallbackBody          string          `gorm:"type:text"`    // 原始报文
	Payload               datatypes.JSON  `gorm:"default:null"` // 报文是合法 JSON 时的结构化副本
	Signature             string          `gorm:"type:varchar(255)"`
	CallbackStatus        string          `gorm:"type:varchar(16);not null;default:'PENDING'"` // PENDING/SUCCESS/FAILED
	ResultMessage         string          `gorm:"type:varchar(255)"`
	RetryCount            int32           `gorm:"not null;default:0"`
	MaxRetryCount         int32           `gorm:"not null;default:8"`
	ProcessTimeMs         int64           `gorm:"not null;default:0"`
	CreatedAt             time.Time       `gorm:"autoCreateTime"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (PaymentCallback) TableName() string {
	return "payment_callback"
}
