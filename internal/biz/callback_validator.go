package biz

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	paymentErrors "payment-service/internal/errors"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// CallbackOutcome 从回调报文解析出的支付结果
type CallbackOutcome struct {
	Success       bool
	RawStatus     string
	Amount        decimal.Decimal
	FailureCode   string
	FailureReason string
}

// CallbackValidator 渠道回调校验（签名 + 必填字段）
type CallbackValidator interface {
	Validate(channel string, body []byte, signature string) (*CallbackOutcome, error)
}

type channelCallbackValidator struct {
	channels map[string]*ChannelConfig
}

// NewCallbackValidator 按渠道配置创建回调校验器
func NewCallbackValidator(conf *PaymentConfig) CallbackValidator {
	return &channelCallbackValidator{channels: conf.Channels}
}

// SignCallback 计算回调报文签名（HMAC-SHA256，十六进制小写）
func SignCallback(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *channelCallbackValidator) Validate(channel string, body []byte, signature string) (*CallbackOutcome, error) {
	ch, ok := v.channels[channel]
	if !ok {
		return nil, paymentErrors.ErrCallbackValidationFailed("unsupported pay channel: " + channel)
	}
	// 未配置密钥的渠道一律拒绝
	if ch.Secret == "" {
		return nil, paymentErrors.ErrCallbackValidationFailed("channel secret not configured: " + channel)
	}
	expected := SignCallback(ch.Secret, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return nil, paymentErrors.ErrCallbackValidationFailed("invalid callback signature")
	}
	if !gjson.ValidBytes(body) {
		return nil, paymentErrors.ErrCallbackValidationFailed("callback body is not valid json")
	}

	status := gjson.GetBytes(body, ch.StatusField)
	if !status.Exists() || status.String() == "" {
		return nil, paymentErrors.ErrCallbackValidationFailed("missing field: " + ch.StatusField)
	}
	outcome := &CallbackOutcome{RawStatus: status.String()}
	switch {
	case contains(ch.SuccessValues, outcome.RawStatus):
		outcome.Success = true
	case contains(ch.FailureValues, outcome.RawStatus):
		outcome.Success = false
	default:
		return nil, paymentErrors.ErrCallbackValidationFailed("unknown trade status: " + outcome.RawStatus)
	}

	amount := gjson.GetBytes(body, ch.AmountField)
	if amount.Exists() {
		parsed, err := decimal.NewFromString(amount.String())
		if err != nil {
			return nil, paymentErrors.ErrCallbackValidationFailed("invalid amount: " + amount.String())
		}
		outcome.Amount = parsed
	}
	if outcome.Success && !outcome.Amount.IsPositive() {
		return nil, paymentErrors.ErrCallbackValidationFailed("missing or non-positive amount")
	}

	if ch.CodeField != "" {
		outcome.FailureCode = gjson.GetBytes(body, ch.CodeField).String()
	}
	if ch.ReasonField != "" {
		outcome.FailureReason = gjson.GetBytes(body, ch.ReasonField).String()
	}
	if !outcome.Success && outcome.FailureCode == "" {
		outcome.FailureCode = outcome.RawStatus
	}
	// 与 payment_record 列宽一致
	outcome.FailureCode = truncateRunes(outcome.FailureCode, maxFailureCodeLength)
	outcome.FailureReason = truncateRunes(outcome.FailureReason, maxFailureReasonLength)
	return outcome, nil
}

const (
	maxFailureCodeLength   = 64
	maxFailureReasonLength = 255
)

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
