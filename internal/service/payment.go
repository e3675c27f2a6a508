package service

import (
	"context"
	"time"

	"payment-service/internal/biz"
	paymentErrors "payment-service/internal/errors"

	pkgUtils "github.com/gaoyong06/go-pkg/utils"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/shopspring/decimal"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewPaymentService)

// CreatePaymentRequest 创建支付请求
type CreatePaymentRequest struct {
	OrderNo        string `json:"order_no"`
	UserId         int64  `json:"user_id"`
	UserName       string `json:"user_name"`
	Amount         string `json:"amount"`
	DiscountAmount string `json:"discount_amount"`
	CurrencyCode   string `json:"currency_code"`
	PayType        string `json:"pay_type"`
	Scene          string `json:"scene"`
	ClientIp       string `json:"client_ip"`
	NotifyUrl      string `json:"notify_url"`
}

// PaymentReply 支付记录
type PaymentReply struct {
	OrderNo               string `json:"order_no"`
	UserId                int64  `json:"user_id"`
	InternalTransactionNo string `json:"internal_transaction_no"`
	TransactionNo         string `json:"transaction_no,omitempty"`
	PayType               string `json:"pay_type"`
	PayStatus             string `json:"pay_status"`
	PayAmount             string `json:"pay_amount"`
	ActualPayAmount       string `json:"actual_pay_amount"`
	CurrencyCode          string `json:"currency_code"`
	Version               int64  `json:"version"`
	ExpireTime            string `json:"expire_time"`
	CompleteTime          string `json:"complete_time,omitempty"`
	CancelReason          string `json:"cancel_reason,omitempty"`
}

// CallbackRequest 网关回调（HTTP 与 MQ 转发共用）
type CallbackRequest struct {
	OrderNo               string `json:"order_no"`
	TransactionNo         string `json:"transaction_no"`
	InternalTransactionNo string `json:"internal_transaction_no"`
	UserId                int64  `json:"user_id"`
	Signature             string `json:"signature"`
	Body                  string `json:"body"` // 原始报文
}

// PaymentRef 按订单号 + 用户定位支付
type PaymentRef struct {
	OrderNo string `json:"order_no"`
	UserId  int64  `json:"user_id"`
}

// OperateRequest 取消/退款请求
type OperateRequest struct {
	OrderNo    string `json:"order_no"`
	UserId     int64  `json:"user_id"`
	Reason     string `json:"reason"`
	OperatorId string `json:"operator_id"`
}

// OperateReply 取消/退款结果
type OperateReply struct {
	Success bool          `json:"success"`
	Payment *PaymentReply `json:"payment,omitempty"`
}

// CallbackEntry 回调台账条目
type CallbackEntry struct {
	Id             uint64 `json:"id"`
	TransactionNo  string `json:"transaction_no"`
	CallbackStatus string `json:"callback_status"`
	ResultMessage  string `json:"result_message"`
	RetryCount     int32  `json:"retry_count"`
	ProcessTimeMs  int64  `json:"process_time_ms"`
	Body           string `json:"body"`
	CreatedAt      string `json:"created_at"`
}

// ListCallbacksReply 回调台账列表
type ListCallbacksReply struct {
	Callbacks []*CallbackEntry `json:"callbacks"`
}

// PaymentService 支付事务服务
type PaymentService struct {
	uc  *biz.PaymentTransactionUseCase
	log *log.Helper
}

// NewPaymentService 创建 PaymentService
func NewPaymentService(uc *biz.PaymentTransactionUseCase, logger log.Logger) *PaymentService {
	return &PaymentService{
		uc:  uc,
		log: log.NewHelper(logger),
	}
}

// CreatePayment 创建支付
func (s *PaymentService) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*PaymentReply, error) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return nil, paymentErrors.ErrInvalidArgument("invalid amount: " + req.Amount)
	}
	discount := decimal.Zero
	if req.DiscountAmount != "" {
		if discount, err = decimal.NewFromString(req.DiscountAmount); err != nil {
			return nil, paymentErrors.ErrInvalidArgument("invalid discount_amount: " + req.DiscountAmount)
		}
	}

	// 未显式传入时从 context 中获取客户端 IP
	clientIP := req.ClientIp
	if clientIP == "" {
		clientIP = pkgUtils.GetClientIP(ctx)
	}

	record, err := s.uc.CreatePayment(ctx, &biz.CreatePaymentRequest{
		OrderNo:        req.OrderNo,
		UserID:         req.UserId,
		UserName:       req.UserName,
		Amount:         amount,
		DiscountAmount: discount,
		CurrencyCode:   req.CurrencyCode,
		PayType:        req.PayType,
		Scene:          req.Scene,
		ClientIP:       clientIP,
		NotifyURL:      req.NotifyUrl,
	})
	if err != nil {
		s.log.Errorf("CreatePayment failed: order_no=%s, user_id=%d, error=%v", req.OrderNo, req.UserId, err)
		return nil, err
	}
	return toPaymentReply(record), nil
}

// HandleCallback 处理网关回调
func (s *PaymentService) HandleCallback(ctx context.Context, req *CallbackRequest) (*biz.CallbackResult, error) {
	result, err := s.uc.HandleCallback(ctx, &biz.CallbackRequest{
		OrderNo:               req.OrderNo,
		TransactionNo:         req.TransactionNo,
		InternalTransactionNo: req.InternalTransactionNo,
		UserID:                req.UserId,
		RawBody:               []byte(req.Body),
		Signature:             req.Signature,
	})
	if err != nil {
		s.log.Errorf("HandleCallback failed: order_no=%s, transaction_no=%s, error=%v", req.OrderNo, req.TransactionNo, err)
		return nil, err
	}
	return result, nil
}

// GetStatus 查询支付状态
func (s *PaymentService) GetStatus(ctx context.Context, req *PaymentRef) (*biz.StatusView, error) {
	return s.uc.GetStatus(ctx, req.OrderNo, req.UserId)
}

// CancelPayment 取消支付
func (s *PaymentService) CancelPayment(ctx context.Context, req *OperateRequest) (*OperateReply, error) {
	if err := s.uc.CancelPayment(ctx, req.OrderNo, req.UserId, req.Reason, req.OperatorId); err != nil {
		s.log.Errorf("CancelPayment failed: order_no=%s, user_id=%d, error=%v", req.OrderNo, req.UserId, err)
		return nil, err
	}
	return &OperateReply{Success: true}, nil
}

// RefundPayment 退款（仅状态）
func (s *PaymentService) RefundPayment(ctx context.Context, req *OperateRequest) (*OperateReply, error) {
	record, err := s.uc.RefundPayment(ctx, req.OrderNo, req.UserId, req.Reason, req.OperatorId)
	if err != nil {
		s.log.Errorf("RefundPayment failed: order_no=%s, user_id=%d, error=%v", req.OrderNo, req.UserId, err)
		return nil, err
	}
	return &OperateReply{Success: true, Payment: toPaymentReply(record)}, nil
}

// ResetStatus 重置支付状态（仅测试环境）
func (s *PaymentService) ResetStatus(ctx context.Context, req *PaymentRef) (*PaymentReply, error) {
	record, err := s.uc.ResetStatus(ctx, req.OrderNo, req.UserId)
	if err != nil {
		return nil, err
	}
	return toPaymentReply(record), nil
}

// ListCallbacks 查询回调台账
func (s *PaymentService) ListCallbacks(ctx context.Context, req *PaymentRef) (*ListCallbacksReply, error) {
	callbacks, err := s.uc.ListCallbacks(ctx, req.OrderNo, req.UserId)
	if err != nil {
		return nil, err
	}
	reply := &ListCallbacksReply{Callbacks: make([]*CallbackEntry, 0, len(callbacks))}
	for _, c := range callbacks {
		reply.Callbacks = append(reply.Callbacks, &CallbackEntry{
			Id:             c.ID,
			TransactionNo:  c.TransactionNo,
			CallbackStatus: c.CallbackStatus,
			ResultMessage:  c.ResultMessage,
			RetryCount:     c.RetryCount,
			ProcessTimeMs:  c.ProcessTimeMs,
			Body:           string(c.CallbackBody),
			CreatedAt:      c.CreatedAt.Format(time.RFC3339),
		})
	}
	return reply, nil
}

// GetNotifyInfo 查询通知计数
func (s *PaymentService) GetNotifyInfo(ctx context.Context, req *PaymentRef) (*biz.NotifyInfo, error) {
	return s.uc.GetNotifyInfo(ctx, req.OrderNo, req.UserId)
}

// CacheStats 状态缓存命中统计
func (s *PaymentService) CacheStats(ctx context.Context, _ *PaymentRef) (*biz.CacheStats, error) {
	stats := s.uc.CacheStats()
	return &stats, nil
}

func toPaymentReply(record *biz.PaymentRecord) *PaymentReply {
	reply := &PaymentReply{
		OrderNo:               record.OrderNo,
		UserId:                record.UserID,
		InternalTransactionNo: record.InternalTransactionNo,
		TransactionNo:         record.TransactionNo,
		PayType:               record.PayType,
		PayStatus:             string(record.PayStatus),
		PayAmount:             record.PayAmount.StringFixed(2),
		ActualPayAmount:       record.ActualPayAmount.StringFixed(2),
		CurrencyCode:          record.CurrencyCode,
		Version:               record.Version,
		ExpireTime:            record.ExpireTime.Format(time.RFC3339),
		CancelReason:          record.CancelReason,
	}
	if record.CompleteTime != nil {
		reply.CompleteTime = record.CompleteTime.Format(time.RFC3339)
	}
	return reply
}
