package data

import (
	"context"
	"encoding/json"
	"fmt"

	"payment-service/internal/biz"
	"payment-service/internal/conf"

	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/go-kratos/kratos/v2/log"
)

// eventPublisher 通过 RocketMQ 发布支付状态变更事件
type eventPublisher struct {
	data  *Data
	topic string
	log   *log.Helper
}

// NewEventPublisher 创建事件发布器（返回 biz.EventPublisher 接口）
func NewEventPublisher(data *Data, c *conf.Bootstrap, logger log.Logger) biz.EventPublisher {
	p := &eventPublisher{
		data: data,
		log:  log.NewHelper(logger),
	}
	if c != nil && c.Data != nil && c.Data.Rocketmq != nil {
		p.topic = c.Data.Rocketmq.Topic
	}
	return p
}

// Enabled 未配置生产者或 topic 时不发布
func (p *eventPublisher) Enabled() bool {
	return p.data.producer != nil && p.topic != ""
}

// PublishStatusChanged 同步发送，key 为内部交易号，tag 为目标状态
func (p *eventPublisher) PublishStatusChanged(ctx context.Context, event *biz.PaymentEvent) error {
	if !p.Enabled() {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := primitive.NewMessage(p.topic, body)
	msg.WithKeys([]string{event.InternalTransactionNo})
	msg.WithTag(string(event.PayStatus))

	result, err := p.data.producer.SendSync(ctx, msg)
	if err != nil {
		return err
	}
	if result.Status != primitive.SendOK {
		return fmt.Errorf("send status changed event failed: status=%d", result.Status)
	}
	p.log.Debugf("status changed event sent: internal_transaction_no=%s, msg_id=%s", event.InternalTransactionNo, result.MsgID)
	return nil
}
