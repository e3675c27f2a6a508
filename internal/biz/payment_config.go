package biz

import (
	"time"

	"payment-service/internal/conf"
	"payment-service/internal/constants"
)

// ChannelConfig 渠道回调解析规则
type ChannelConfig struct {
	Secret        string
	StatusField   string
	AmountField   string
	CodeField     string
	ReasonField   string
	SuccessValues []string
	FailureValues []string
}

// PaymentConfig 支付事务策略配置
type PaymentConfig struct {
	ExpireDuration time.Duration // 待支付有效期
	LockExpiry     time.Duration // 幂等锁有效期（短）
	LockTries      int           // 幂等锁获取次数，1 表示立即失败
	MarkerTTL      time.Duration // 完成标记有效期（长，覆盖网关重试窗口）
	StatusCacheTTL time.Duration
	MaxNotifyCount int32
	AllowReset     bool
	Channels       map[string]*ChannelConfig
}

// NewPaymentConfig 从配置创建 PaymentConfig
func NewPaymentConfig(c *conf.Bootstrap) *PaymentConfig {
	config := &PaymentConfig{
		ExpireDuration: 30 * time.Minute, // 默认值
		LockExpiry:     5 * time.Second,
		LockTries:      1,
		MarkerTTL:      10 * time.Minute,
		StatusCacheTTL: 5 * time.Minute,
		MaxNotifyCount: constants.DefaultMaxNotifyCount,
		Channels:       make(map[string]*ChannelConfig),
	}
	if c == nil || c.Payment == nil {
		return config
	}
	p := c.Payment
	if d := p.ExpireDuration.AsDuration(); d > 0 {
		config.ExpireDuration = d
	}
	if d := p.LockExpiry.AsDuration(); d > 0 {
		config.LockExpiry = d
	}
	if p.LockTries > 0 {
		config.LockTries = int(p.LockTries)
	}
	if d := p.MarkerTtl.AsDuration(); d > 0 {
		config.MarkerTTL = d
	}
	if d := p.StatusCacheTtl.AsDuration(); d > 0 {
		config.StatusCacheTTL = d
	}
	if p.MaxNotifyCount > 0 {
		config.MaxNotifyCount = p.MaxNotifyCount
	}
	config.AllowReset = p.AllowReset
	for name, ch := range p.Channels {
		if ch == nil {
			continue
		}
		config.Channels[name] = &ChannelConfig{
			Secret:        ch.Secret,
			StatusField:   ch.StatusField,
			AmountField:   ch.AmountField,
			CodeField:     ch.CodeField,
			ReasonField:   ch.ReasonField,
			SuccessValues: ch.SuccessValues,
			FailureValues: ch.FailureValues,
		}
	}
	return config
}
