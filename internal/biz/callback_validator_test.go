package biz

import (
	"strings"
	"testing"

	paymentErrors "payment-service/internal/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret"

func testChannels() map[string]*ChannelConfig {
	return map[string]*ChannelConfig{
		"ALIPAY": {
			Secret:        testSecret,
			StatusField:   "trade_status",
			AmountField:   "total_amount",
			CodeField:     "sub_code",
			ReasonField:   "sub_msg",
			SuccessValues: []string{"TRADE_SUCCESS", "TRADE_FINISHED"},
			FailureValues: []string{"TRADE_CLOSED"},
		},
		"WECHAT": {
			Secret:        testSecret,
			StatusField:   "trade_state",
			AmountField:   "amount.total_yuan",
			SuccessValues: []string{"SUCCESS"},
			FailureValues: []string{"PAYERROR", "CLOSED"},
		},
	}
}

func TestCallbackValidator_Validate(t *testing.T) {
	v := NewCallbackValidator(&PaymentConfig{Channels: testChannels()})

	tests := []struct {
		name      string
		channel   string
		body      string
		signature string // 为空时自动签名
		wantErr   string
		check     func(t *testing.T, outcome *CallbackOutcome)
	}{
		{
			name:    "alipay success",
			channel: "ALIPAY",
			body:    `{"trade_status":"TRADE_SUCCESS","total_amount":"19.99"}`,
			check: func(t *testing.T, outcome *CallbackOutcome) {
				assert.True(t, outcome.Success)
				assert.True(t, outcome.Amount.Equal(decimal.RequireFromString("19.99")))
			},
		},
		{
			name:    "alipay closed keeps failure code",
			channel: "ALIPAY",
			body:    `{"trade_status":"TRADE_CLOSED","sub_code":"ACQ.TRADE_HAS_CLOSE","sub_msg":"closed"}`,
			check: func(t *testing.T, outcome *CallbackOutcome) {
				assert.False(t, outcome.Success)
				assert.Equal(t, "ACQ.TRADE_HAS_CLOSE", outcome.FailureCode)
				assert.Equal(t, "closed", outcome.FailureReason)
			},
		},
		{
			name:    "failure code defaults to raw status",
			channel: "WECHAT",
			body:    `{"trade_state":"PAYERROR"}`,
			check: func(t *testing.T, outcome *CallbackOutcome) {
				assert.False(t, outcome.Success)
				assert.Equal(t, "PAYERROR", outcome.FailureCode)
			},
		},
		{
			name:    "nested amount path",
			channel: "WECHAT",
			body:    `{"trade_state":"SUCCESS","amount":{"total_yuan":12.5}}`,
			check: func(t *testing.T, outcome *CallbackOutcome) {
				assert.True(t, outcome.Success)
				assert.True(t, outcome.Amount.Equal(decimal.RequireFromString("12.5")))
			},
		},
		{
			name:      "bad signature",
			channel:   "ALIPAY",
			body:      `{"trade_status":"TRADE_SUCCESS","total_amount":"19.99"}`,
			signature: "deadbeef",
			wantErr:   "invalid callback signature",
		},
		{name: "unknown channel", channel: "PAYPAL", body: `{}`, wantErr: "unsupported pay channel"},
		{name: "invalid json", channel: "WECHAT", body: `trade_state=SUCCESS`, wantErr: "not valid json"},
		{name: "missing status", channel: "WECHAT", body: `{"amount":{"total_yuan":1}}`, wantErr: "missing field"},
		{name: "unknown status", channel: "WECHAT", body: `{"trade_state":"USERPAYING"}`, wantErr: "unknown trade status"},
		{name: "success without amount", channel: "WECHAT", body: `{"trade_state":"SUCCESS"}`, wantErr: "non-positive amount"},
		{name: "garbage amount", channel: "WECHAT", body: `{"trade_state":"SUCCESS","amount":{"total_yuan":"abc"}}`, wantErr: "invalid amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signature := tt.signature
			if signature == "" {
				signature = SignCallback(testSecret, []byte(tt.body))
			}
			outcome, err := v.Validate(tt.channel, []byte(tt.body), signature)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, paymentErrors.IsCallbackValidationFailed(err))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, outcome)
		})
	}
}

func TestSignCallback_CaseInsensitive(t *testing.T) {
	v := NewCallbackValidator(&PaymentConfig{Channels: testChannels()})
	body := []byte(`{"trade_status":"TRADE_FINISHED","total_amount":"1.00"}`)

	_, err := v.Validate("ALIPAY", body, strings.ToUpper(SignCallback(testSecret, body)))
	assert.NoError(t, err)
}

func TestCallbackValidator_MissingSecretRejects(t *testing.T) {
	channels := testChannels()
	channels["ALIPAY"].Secret = ""
	v := NewCallbackValidator(&PaymentConfig{Channels: channels})
	body := []byte(`{"trade_status":"TRADE_SUCCESS","total_amount":"19.99"}`)

	// 空签名和空密钥计算出的签名都不能通过
	for _, signature := range []string{"", SignCallback("", body)} {
		_, err := v.Validate("ALIPAY", body, signature)
		require.Error(t, err)
		assert.True(t, paymentErrors.IsCallbackValidationFailed(err))
		assert.Contains(t, err.Error(), "channel secret not configured")
	}
}

func TestCallbackValidator_TruncatesFailureFields(t *testing.T) {
	v := NewCallbackValidator(&PaymentConfig{Channels: testChannels()})
	body := []byte(`{"trade_status":"TRADE_CLOSED","sub_code":"` + strings.Repeat("C", 100) +
		`","sub_msg":"` + strings.Repeat("关", 300) + `"}`)

	outcome, err := v.Validate("ALIPAY", body, SignCallback(testSecret, body))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("C", 64), outcome.FailureCode)
	assert.Equal(t, strings.Repeat("关", 255), outcome.FailureReason)
}
