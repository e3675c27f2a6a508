package server

import (
	"context"
	"io"

	"payment-service/internal/conf"
	"payment-service/internal/service"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/logging"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HeaderCallbackSignature 网关回调签名头
const HeaderCallbackSignature = "X-Callback-Signature"

const (
	OperationCreatePayment  = "/payment.v1.PaymentService/CreatePayment"
	OperationHandleCallback = "/payment.v1.PaymentService/HandleCallback"
	OperationGetStatus      = "/payment.v1.PaymentService/GetStatus"
	OperationCancelPayment  = "/payment.v1.PaymentService/CancelPayment"
	OperationRefundPayment  = "/payment.v1.PaymentService/RefundPayment"
	OperationResetStatus    = "/payment.v1.PaymentService/ResetStatus"
	OperationListCallbacks  = "/payment.v1.PaymentService/ListCallbacks"
	OperationGetNotifyInfo  = "/payment.v1.PaymentService/GetNotifyInfo"
	OperationCacheStats     = "/payment.v1.PaymentService/CacheStats"
)

// NewHTTPServer 创建 HTTP 服务器
func NewHTTPServer(c *conf.Bootstrap, payment *service.PaymentService, logger log.Logger) *http.Server {
	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			logging.Server(logger),
		),
	}
	if c.Server != nil && c.Server.Http != nil {
		if c.Server.Http.Network != "" {
			opts = append(opts, http.Network(c.Server.Http.Network))
		}
		if c.Server.Http.Addr != "" {
			opts = append(opts, http.Address(c.Server.Http.Addr))
		}
		if c.Server.Http.Timeout != nil {
			opts = append(opts, http.Timeout(c.Server.Http.Timeout.AsDuration()))
		}
	}
	srv := http.NewServer(opts...)
	RegisterPaymentHTTPServer(srv, payment)

	// Prometheus 指标
	srv.Handle("/metrics", promhttp.Handler())
	return srv
}

// RegisterPaymentHTTPServer 注册支付相关路由
func RegisterPaymentHTTPServer(s *http.Server, svc *service.PaymentService) {
	r := s.Route("/")
	r.POST("/v1/payments", handle(OperationCreatePayment, true, svc.CreatePayment))
	r.POST("/v1/payments/callback", callbackHandler(svc))
	r.GET("/v1/payments/{order_no}/users/{user_id}/status", handle(OperationGetStatus, false, svc.GetStatus))
	r.POST("/v1/payments/{order_no}/users/{user_id}/cancel", handle(OperationCancelPayment, true, svc.CancelPayment))
	r.POST("/v1/payments/{order_no}/users/{user_id}/refund", handle(OperationRefundPayment, true, svc.RefundPayment))
	r.POST("/v1/payments/{order_no}/users/{user_id}/reset", handle(OperationResetStatus, false, svc.ResetStatus))
	r.GET("/v1/payments/{order_no}/users/{user_id}/callbacks", handle(OperationListCallbacks, false, svc.ListCallbacks))
	r.GET("/v1/payments/{order_no}/users/{user_id}/notify", handle(OperationGetNotifyInfo, false, svc.GetNotifyInfo))
	r.GET("/v1/ops/cache", handle(OperationCacheStats, false, svc.CacheStats))
}

// handle 绑定请求体与路径参数，经过中间件链调用 service 方法
func handle[Req any, Reply any](operation string, bindBody bool, fn func(context.Context, *Req) (*Reply, error)) http.HandlerFunc {
	return func(ctx http.Context) error {
		var in Req
		if bindBody {
			if err := ctx.Bind(&in); err != nil {
				return err
			}
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, operation)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return fn(ctx, req.(*Req))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

// callbackHandler 回调报文需要原样参与验签，不走 JSON 绑定
func callbackHandler(svc *service.PaymentService) http.HandlerFunc {
	return func(ctx http.Context) error {
		var in service.CallbackRequest
		if err := ctx.BindQuery(&in); err != nil {
			return err
		}
		body, err := io.ReadAll(ctx.Request().Body)
		if err != nil {
			return err
		}
		in.Body = string(body)
		in.Signature = ctx.Request().Header.Get(HeaderCallbackSignature)

		http.SetOperation(ctx, OperationHandleCallback)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return svc.HandleCallback(ctx, req.(*service.CallbackRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}
