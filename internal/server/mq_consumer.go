package server

import (
	"context"
	"encoding/json"

	"payment-service/internal/biz"
	"payment-service/internal/conf"
	paymentErrors "payment-service/internal/errors"
	"payment-service/internal/service"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/go-kratos/kratos/v2/log"
)

// CallbackHandler 回调转发的处理入口
type CallbackHandler interface {
	HandleCallback(ctx context.Context, req *service.CallbackRequest) (*biz.CallbackResult, error)
}

// MQConsumerServer consumes relayed gateway callbacks from RocketMQ
type MQConsumerServer struct {
	c       rocketmq.PushConsumer
	handler CallbackHandler
	topic   string
	log     *log.Helper
	enabled bool
}

// NewMQConsumerServer creates a RocketMQ consumer server
func NewMQConsumerServer(c *conf.Bootstrap, payment *service.PaymentService, logger log.Logger) *MQConsumerServer {
	helper := log.NewHelper(logger)
	if c.Data == nil || c.Data.Rocketmq == nil || !c.Data.Rocketmq.Enabled || c.Data.Rocketmq.CallbackTopic == "" {
		return &MQConsumerServer{handler: payment, log: helper, enabled: false}
	}
	mq := c.Data.Rocketmq

	r, err := rocketmq.NewPushConsumer(
		consumer.WithNsResolver(primitive.NewPassthroughResolver(mq.NameServers)),
		consumer.WithGroupName(mq.GroupName+"-callback"),
		consumer.WithRetry(int(mq.RetryTimes)),
		consumer.WithConsumeMessageBatchMaxSize(1), // 回调逐条处理，失败只重投当前消息
	)
	if err != nil {
		helper.Errorf("init consumer error: %v", err)
		return &MQConsumerServer{handler: payment, log: helper, enabled: false}
	}

	return &MQConsumerServer{
		c:       r,
		handler: payment,
		topic:   mq.CallbackTopic,
		log:     helper,
		enabled: true,
	}
}

// Start starts the consumer
func (s *MQConsumerServer) Start(ctx context.Context) error {
	if !s.enabled || s.c == nil {
		s.log.Infof("MQConsumerServer is disabled, skipping startup")
		return nil
	}

	s.log.Infof("Starting MQConsumerServer, topic: %s", s.topic)

	if err := s.c.Subscribe(s.topic, consumer.MessageSelector{}, s.consume); err != nil {
		s.log.Errorf("Failed to subscribe to topic %s: %v", s.topic, err)
		// 不返回错误，RocketMQ 不可用时 HTTP 回调入口仍然可用
		return nil
	}
	if err := s.c.Start(); err != nil {
		s.log.Errorf("Failed to start RocketMQ consumer: %v", err)
		return nil
	}
	return nil
}

// Stop stops the consumer
func (s *MQConsumerServer) Stop(ctx context.Context) error {
	if !s.enabled || s.c == nil {
		return nil
	}
	s.log.Info("Stopping MQConsumerServer")
	return s.c.Shutdown()
}

func (s *MQConsumerServer) consume(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	for _, msg := range msgs {
		if s.process(ctx, msg.Body) == consumer.ConsumeRetryLater {
			return consumer.ConsumeRetryLater, nil
		}
	}
	return consumer.ConsumeSuccess, nil
}

// process 锁竞争和基础设施错误重投，业务错误直接确认（已记入台账）
func (s *MQConsumerServer) process(ctx context.Context, body []byte) consumer.ConsumeResult {
	var req service.CallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.log.Errorf("Unmarshal callback message failed: %v, body: %s", err, string(body))
		return consumer.ConsumeSuccess
	}

	result, err := s.handler.HandleCallback(ctx, &req)
	if err != nil {
		if paymentErrors.IsOperationPending(err) || paymentErrors.IsStoreUnavailable(err) {
			s.log.Warnf("callback relay will be redelivered: order_no=%s, transaction_no=%s, error=%v", req.OrderNo, req.TransactionNo, err)
			return consumer.ConsumeRetryLater
		}
		s.log.Warnf("callback relay rejected: order_no=%s, transaction_no=%s, error=%v", req.OrderNo, req.TransactionNo, err)
		return consumer.ConsumeSuccess
	}
	if !result.Accepted {
		s.log.Warnf("callback relay not accepted: order_no=%s, transaction_no=%s, message=%s", req.OrderNo, req.TransactionNo, result.Message)
	}
	return consumer.ConsumeSuccess
}
