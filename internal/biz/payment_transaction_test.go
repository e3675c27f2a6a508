package biz

import (
	"context"
	"sync"
	"testing"
	"time"

	"payment-service/internal/constants"
	paymentErrors "payment-service/internal/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	uc        *PaymentTransactionUseCase
	records   *fakeRecordRepo
	callbacks *fakeCallbackRepo
	cache     *fakeStatusCache
	idem      *fakeIdempotencyStore
	publisher *fakePublisher
	conf      *PaymentConfig
	clock     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		records:   newFakeRecordRepo(),
		callbacks: &fakeCallbackRepo{},
		cache:     newFakeStatusCache(),
		idem:      newFakeIdempotencyStore(),
		publisher: &fakePublisher{},
		conf: &PaymentConfig{
			ExpireDuration: 30 * time.Minute,
			LockExpiry:     5 * time.Second,
			LockTries:      1,
			MarkerTTL:      10 * time.Minute,
			StatusCacheTTL: 5 * time.Minute,
			MaxNotifyCount: 5,
			Channels:       testChannels(),
		},
		clock: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC),
	}
	coordinator := NewIdempotencyCoordinator(env.idem, env.conf, testLogger)
	env.uc = NewPaymentTransactionUseCase(env.records, env.callbacks, env.cache, coordinator,
		NewCallbackValidator(env.conf), env.publisher, env.conf, testLogger)
	env.uc.now = func() time.Time { return env.clock }
	return env
}

func (e *testEnv) create(t *testing.T, orderNo string, userID int64) *PaymentRecord {
	t.Helper()
	record, err := e.uc.CreatePayment(context.Background(), &CreatePaymentRequest{
		OrderNo: orderNo,
		UserID:  userID,
		Amount:  decimal.RequireFromString("19.99"),
		PayType: "ALIPAY",
	})
	require.NoError(t, err)
	return record
}

func callbackReq(record *PaymentRecord, transactionNo, body string) *CallbackRequest {
	return &CallbackRequest{
		OrderNo:               record.OrderNo,
		TransactionNo:         transactionNo,
		InternalTransactionNo: record.InternalTransactionNo,
		UserID:                record.UserID,
		RawBody:               []byte(body),
		Signature:             SignCallback(testSecret, []byte(body)),
	}
}

const (
	successBody = `{"trade_status":"TRADE_SUCCESS","total_amount":"19.99"}`
	closedBody  = `{"trade_status":"TRADE_CLOSED","sub_code":"USER_CANCEL","sub_msg":"closed by user"}`
)

func TestCreatePayment_Idempotent(t *testing.T) {
	env := newTestEnv(t)

	first := env.create(t, "ORD-1", 42)
	second := env.create(t, "ORD-1", 42)

	assert.Equal(t, first.InternalTransactionNo, second.InternalTransactionNo)
	assert.Equal(t, PayStatusPending, first.PayStatus)
	assert.Equal(t, int64(0), first.Version)
	assert.Equal(t, constants.DefaultCurrencyCode, first.CurrencyCode)
	assert.Equal(t, env.clock.Add(30*time.Minute), first.ExpireTime)
	assert.Equal(t, 1, env.records.count())
}

func TestCreatePayment_InvalidArgument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []*CreatePaymentRequest{
		nil,
		{UserID: 42, Amount: decimal.NewFromInt(1), PayType: "ALIPAY"},
		{OrderNo: "ORD-1", Amount: decimal.NewFromInt(1), PayType: "ALIPAY"},
		{OrderNo: "ORD-1", UserID: 42, Amount: decimal.Zero, PayType: "ALIPAY"},
		{OrderNo: "ORD-1", UserID: 42, Amount: decimal.NewFromInt(1)},
		{OrderNo: "ORD-1", UserID: 42, Amount: decimal.NewFromInt(1), DiscountAmount: decimal.NewFromInt(2), PayType: "ALIPAY"},
		{OrderNo: "ORD-1", UserID: 42, Amount: decimal.NewFromInt(1), PayType: "PAYPAL"},
	}
	for _, req := range cases {
		_, err := env.uc.CreatePayment(ctx, req)
		assert.True(t, paymentErrors.IsInvalidArgument(err))
	}
	assert.Equal(t, 0, env.records.count())
}

func TestCreatePayment_AfterSuccessIsAlreadyPaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	record := env.create(t, "ORD-1", 42)

	_, err := env.uc.HandleCallback(ctx, callbackReq(record, "ALI-999", successBody))
	require.NoError(t, err)

	_, err = env.uc.CreatePayment(ctx, &CreatePaymentRequest{
		OrderNo: "ORD-1", UserID: 42, Amount: decimal.RequireFromString("19.99"), PayType: "ALIPAY",
	})
	assert.True(t, paymentErrors.IsOrderAlreadyPaid(err))
	assert.Equal(t, 1, env.records.count())
}

func TestCreatePayment_AfterCancelStartsNewAttempt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.create(t, "ORD-1", 42)

	require.NoError(t, env.uc.CancelPayment(ctx, "ORD-1", 42, "user cancelled", "42"))

	second := env.create(t, "ORD-1", 42)
	assert.NotEqual(t, first.InternalTransactionNo, second.InternalTransactionNo)
	assert.Equal(t, PayStatusPending, second.PayStatus)
	assert.Equal(t, 2, env.records.count())
	assert.Equal(t, PayStatusCancelled, env.records.get(first.ID).PayStatus)
}

func TestCreatePayment_AfterExpiryStartsNewAttempt(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, "ORD-1", 42)

	env.clock = env.clock.Add(31 * time.Minute)
	second := env.create(t, "ORD-1", 42)

	assert.NotEqual(t, first.InternalTransactionNo, second.InternalTransactionNo)
	expired := env.records.get(first.ID)
	assert.Equal(t, PayStatusCancelled, expired.PayStatus)
	assert.Equal(t, constants.CancelReasonExpired, expired.CancelReason)
}

func TestHandleCallback_Success(t *testing.T) {
	env := newTestEnv(t)
	record := env.create(t, "ORD-1", 42)

	result, err := env.uc.HandleCallback(context.Background(), callbackReq(record, "ALI-999", successBody))
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.False(t, result.Duplicate)
	assert.Equal(t, PayStatusSuccess, result.PayStatus)

	stored := env.records.get(record.ID)
	assert.Equal(t, PayStatusSuccess, stored.PayStatus)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, "ALI-999", stored.TransactionNo)
	assert.True(t, stored.ActualPayAmount.Equal(decimal.RequireFromString("19.99")))
	require.NotNil(t, stored.CompleteTime)

	ledger := env.callbacks.all()
	require.Len(t, ledger, 1)
	assert.Equal(t, record.ID, ledger[0].PaymentRecordID)
	assert.Equal(t, constants.CallbackStatusSuccess, ledger[0].CallbackStatus)
	assert.Equal(t, "ALIPAY", ledger[0].PayType)
	assert.True(t, ledger[0].CallbackAmount.Equal(decimal.RequireFromString("19.99")))
}

func TestHandleCallback_FailedOutcome(t *testing.T) {
	env := newTestEnv(t)
	record := env.create(t, "ORD-1", 42)

	result, err := env.uc.HandleCallback(context.Background(), callbackReq(record, "ALI-999", closedBody))
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, PayStatusFailed, result.PayStatus)

	stored := env.records.get(record.ID)
	assert.Equal(t, PayStatusFailed, stored.PayStatus)
	assert.Equal(t, "USER_CANCEL", stored.FailureCode)
	assert.Equal(t, "closed by user", stored.FailureReason)
	require.NotNil(t, stored.FailureTime)

	// 台账记录的是处理结果，不是支付结果
	ledger := env.callbacks.all()
	require.Len(t, ledger, 1)
	assert.Equal(t, constants.CallbackStatusSuccess, ledger[0].CallbackStatus)
}

func TestHandleCallback_DuplicateDeliveries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	record := env.create(t, "ORD-1", 42)

	const deliveries = 4
	for i := 0; i < deliveries; i++ {
		result, err := env.uc.HandleCallback(ctx, callbackReq(record, "ALI-999", successBody))
		require.NoError(t, err)
		assert.True(t, result.Accepted)
		assert.Equal(t, i > 0, result.Duplicate)
		assert.Equal(t, PayStatusSuccess, result.PayStatus)
	}

	assert.Equal(t, 1, env.records.casApplied)
	assert.Equal(t, int64(1), env.records.get(record.ID).Version)

	ledger, err := env.uc.ListCallbacks(ctx, "ORD-1", 42)
	require.NoError(t, err)
	require.Len(t, ledger, deliveries)
	for i, entry := range ledger {
		assert.Equal(t, constants.CallbackStatusSuccess, entry.CallbackStatus)
		assert.Equal(t, int32(i), entry.RetryCount)
		if i > 0 {
			assert.Contains(t, entry.ResultMessage, "duplicate")
		}
	}
}

func TestHandleCallback_SameRecordNewTransactionAfterSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	record := env.create(t, "ORD-1", 42)

	_, err := env.uc.HandleCallback(ctx, callbackReq(record, "ALI-999", successBody))
	require.NoError(t, err)

	// 不同网关交易号绕过了外层幂等键，仍然短路返回成功
	result, err := env.uc.HandleCallback(ctx, callbackReq(record, "ALI-1000", successBody))
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.True(t, result.Duplicate)
	assert.Equal(t, 1, env.records.casApplied)
	assert.Len(t, env.callbacks.all(), 2)
}

func TestHandleCallback_ValidationFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	record := env.create(t, "ORD-1", 42)

	req := callbackReq(record, "ALI-999", successBody)
	req.Signature = "forged"
	result, err := env.uc.HandleCallback(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Contains(t, result.Message, "signature")

	stored := env.records.get(record.ID)
	assert.Equal(t, PayStatusPending, stored.PayStatus)
	assert.Equal(t, int64(0), stored.Version)

	ledger := env.callbacks.all()
	require.Len(t, ledger, 1)
	assert.Equal(t, constants.CallbackStatusFailed, ledger[0].CallbackStatus)
	assert.False(t, env.idem.hasMarker("callback:ORD-1:ALI-999"))

	// 校验失败不写完成标记，正确签名的重投可以继续处理
	result, err = env.uc.HandleCallback(ctx, callbackReq(record, "ALI-999", successBody))
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.False(t, result.Duplicate)
	assert.Len(t, env.callbacks.all(), 2)
}

func TestHandleCallback_AmountExceedsPayAmount(t *testing.T) {
	env := newTestEnv(t)
	record := env.create(t, "ORD-1", 42)

	result, err := env.uc.HandleCallback(context.Background(),
		callbackReq(record, "ALI-999", `{"trade_status":"TRADE_SUCCESS","total_amount":"100.00"}`))
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, PayStatusPending, env.records.get(record.ID).PayStatus)

	// 台账保留网关声称的金额
	ledger := env.callbacks.all()
	require.Len(t, ledger, 1)
	assert.Equal(t, constants.CallbackStatusFailed, ledger[0].CallbackStatus)
	assert.True(t, ledger[0].CallbackAmount.Equal(decimal.RequireFromString("100")))
}

func TestHandleCallback_ChannelWithoutSecret(t *testing.T) {
	env := newTestEnv(t)
	env.conf.Channels["ALIPAY"].Secret = ""
	record := env.create(t, "ORD-1", 42)

	req := callbackReq(record, "ALI-999", successBody)
	req.Signature = ""
	result, err := env.uc.HandleCallback(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Contains(t, result.Message, "channel secret not configured")
	assert.Equal(t, PayStatusPending, env.records.get(record.ID).PayStatus)
	assert.Equal(t, 0, env.records.casApplied)
}

func TestHandleCallback_UnknownPayment(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.uc.HandleCallback(context.Background(), &CallbackRequest{
		OrderNo:               "ORD-404",
		TransactionNo:         "ALI-1",
		InternalTransactionNo: "PT-missing",
		UserID:                42,
		RawBody:               []byte(successBody),
	})
	assert.True(t, paymentErrors.IsPaymentNotFound(err))

	ledger := env.callbacks.all()
	require.Len(t, ledger, 1)
	assert.Equal(t, uint64(0), ledger[0].PaymentRecordID)
	assert.Equal(t, constants.CallbackStatusFailed, ledger[0].CallbackStatus)
}

func TestHandleCallback_OrderUserMismatch(t *testing.T) {
	env := newTestEnv(t)
	record := env.create(t, "ORD-1", 42)

	req := callbackReq(record, "ALI-999", successBody)
	req.UserID = 43
	_, err := env.uc.HandleCallback(context.Background(), req)
	assert.True(t, paymentErrors.IsInvalidArgument(err))
	assert.Equal(t, PayStatusPending, env.records.get(record.ID).PayStatus)

	ledger := env.callbacks.all()
	require.Len(t, ledger, 1)
	assert.Equal(t, constants.CallbackStatusFailed, ledger[0].CallbackStatus)
}

func TestHandleCallback_NoResurrection(t *testing.T) {
	t.Run("cancelled", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		record := env.create(t, "ORD-1", 42)
		require.NoError(t, env.uc.CancelPayment(ctx, "ORD-1", 42, "user cancelled", "42"))

		_, err := env.uc.HandleCallback(ctx, callbackReq(record, "ALI-999", successBody))
		assert.True(t, paymentErrors.IsPaymentStateInvalid(err))
		assert.Equal(t, PayStatusCancelled, env.records.get(record.ID).PayStatus)
	})

	t.Run("failed", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		record := env.create(t, "ORD-1", 42)
		_, err := env.uc.HandleCallback(ctx, callbackReq(record, "ALI-998", closedBody))
		require.NoError(t, err)

		_, err = env.uc.HandleCallback(ctx, callbackReq(record, "ALI-999", successBody))
		assert.True(t, paymentErrors.IsPaymentStateInvalid(err))
		assert.Equal(t, PayStatusFailed, env.records.get(record.ID).PayStatus)

		ledger := env.callbacks.all()
		require.Len(t, ledger, 2)
		assert.Equal(t, constants.CallbackStatusFailed, ledger[1].CallbackStatus)
	})
}

func TestHandleCallback_Expired(t *testing.T) {
	env := newTestEnv(t)
	record := env.create(t, "ORD-1", 42)

	env.clock = env.clock.Add(31 * time.Minute)
	_, err := env.uc.HandleCallback(context.Background(), callbackReq(record, "ALI-999", successBody))
	assert.True(t, paymentErrors.IsPaymentExpired(err))

	stored := env.records.get(record.ID)
	assert.Equal(t, PayStatusCancelled, stored.PayStatus)
	assert.Equal(t, constants.CancelReasonExpired, stored.CancelReason)
	assert.Equal(t, constants.OperatorSystem, stored.OperatorID)

	ledger := env.callbacks.all()
	require.Len(t, ledger, 1)
	assert.Equal(t, "payment expired", ledger[0].ResultMessage)
}

func TestHandleCallback_ConcurrentUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	record := env.create(t, "ORD-1", 42)

	var once sync.Once
	env.records.beforeCAS = func(t *StatusTransition) {
		once.Do(func() { env.records.bumpVersion(t.ID) })
	}

	_, err := env.uc.HandleCallback(ctx, callbackReq(record, "ALI-999", successBody))
	assert.True(t, paymentErrors.IsConcurrentUpdate(err))
	assert.Equal(t, PayStatusPending, env.records.get(record.ID).PayStatus)
	assert.False(t, env.idem.hasMarker("callback:ORD-1:ALI-999"))

	ledger := env.callbacks.all()
	require.Len(t, ledger, 1)
	assert.Equal(t, constants.CallbackStatusFailed, ledger[0].CallbackStatus)

	// 重投时重新读取最新版本
	result, err := env.uc.HandleCallback(ctx, callbackReq(record, "ALI-999", successBody))
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, PayStatusSuccess, env.records.get(record.ID).PayStatus)
}

func TestHandleCallback_ConflictingConcurrentOutcomes(t *testing.T) {
	for i := 0; i < 20; i++ {
		env := newTestEnv(t)
		record := env.create(t, "ORD-1", 42)

		reqs := []*CallbackRequest{
			callbackReq(record, "ALI-S", successBody),
			callbackReq(record, "ALI-F", closedBody),
		}
		errs := make([]error, len(reqs))
		start := make(chan struct{})
		var wg sync.WaitGroup
		for j, req := range reqs {
			wg.Add(1)
			go func(j int, req *CallbackRequest) {
				defer wg.Done()
				<-start
				_, errs[j] = env.uc.HandleCallback(context.Background(), req)
			}(j, req)
		}
		close(start)
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				assert.True(t, paymentErrors.IsConcurrentUpdate(err) || paymentErrors.IsPaymentStateInvalid(err), "unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, env.records.casApplied)
		stored := env.records.get(record.ID)
		assert.Contains(t, []PayStatus{PayStatusSuccess, PayStatusFailed}, stored.PayStatus)
		assert.Equal(t, int64(1), stored.Version)
		assert.Len(t, env.callbacks.all(), 2)
	}
}

func TestHandleCallback_ConcurrentSameDelivery(t *testing.T) {
	env := newTestEnv(t)
	record := env.create(t, "ORD-1", 42)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = env.uc.HandleCallback(context.Background(), callbackReq(record, "ALI-999", successBody))
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.True(t, paymentErrors.IsOperationPending(err), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, env.records.casApplied)
	assert.Len(t, env.callbacks.all(), workers)
}

func TestHandleCallback_OperationPending(t *testing.T) {
	env := newTestEnv(t)
	record := env.create(t, "ORD-1", 42)
	env.idem.holdLock("callback:ORD-1:ALI-999")

	_, err := env.uc.HandleCallback(context.Background(), callbackReq(record, "ALI-999", successBody))
	assert.True(t, paymentErrors.IsOperationPending(err))

	ledger := env.callbacks.all()
	require.Len(t, ledger, 1)
	assert.Equal(t, constants.CallbackStatusFailed, ledger[0].CallbackStatus)
	assert.Equal(t, PayStatusPending, env.records.get(record.ID).PayStatus)
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	record := env.create(t, "ORD-1", 42)

	view, err := env.uc.GetStatus(ctx, "ORD-1", 42)
	require.NoError(t, err)
	assert.Equal(t, PayStatusPending, view.PayStatus)
	assert.Equal(t, int64(1), env.uc.CacheStats().Hits)

	_, err = env.uc.HandleCallback(ctx, callbackReq(record, "ALI-999", successBody))
	require.NoError(t, err)

	// 状态迁移后缓存直接写入新版本视图
	view, err = env.uc.GetStatus(ctx, "ORD-1", 42)
	require.NoError(t, err)
	assert.Equal(t, PayStatusSuccess, view.PayStatus)
	assert.Equal(t, int64(1), view.Version)
	assert.Equal(t, record.ID, view.RecordID)
	assert.Equal(t, int64(2), env.uc.CacheStats().Hits)
	assert.Equal(t, int64(0), env.uc.CacheStats().Misses)

	_, err = env.uc.GetStatus(ctx, "ORD-404", 42)
	assert.True(t, paymentErrors.IsPaymentNotFound(err))
	_, err = env.uc.GetStatus(ctx, "", 42)
	assert.True(t, paymentErrors.IsInvalidArgument(err))
}

func TestGetStatus_StaleReadDoesNotOverwriteNewerView(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	record := env.create(t, "ORD-1", 42)
	require.NoError(t, env.cache.Delete(ctx, "ORD-1", 42))

	// 查询读到 PENDING 之后、写缓存之前，回调完成了状态迁移
	var once sync.Once
	env.records.afterFind = func() {
		once.Do(func() {
			_, err := env.uc.HandleCallback(ctx, callbackReq(record, "ALI-999", successBody))
			require.NoError(t, err)
		})
	}
	view, err := env.uc.GetStatus(ctx, "ORD-1", 42)
	require.NoError(t, err)
	assert.Equal(t, PayStatusPending, view.PayStatus)

	cached := env.cache.peek("ORD-1", 42)
	require.NotNil(t, cached)
	assert.Equal(t, PayStatusSuccess, cached.PayStatus)
	assert.Equal(t, int64(1), cached.Version)

	view, err = env.uc.GetStatus(ctx, "ORD-1", 42)
	require.NoError(t, err)
	assert.Equal(t, PayStatusSuccess, view.PayStatus)
}

func TestGetStatus_NewAttemptReplacesOldView(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.create(t, "ORD-1", 42)
	require.NoError(t, env.uc.CancelPayment(ctx, "ORD-1", 42, "user cancelled", "42"))

	second := env.create(t, "ORD-1", 42)
	require.NotEqual(t, first.ID, second.ID)

	view, err := env.uc.GetStatus(ctx, "ORD-1", 42)
	require.NoError(t, err)
	assert.Equal(t, PayStatusPending, view.PayStatus)
	assert.Equal(t, second.InternalTransactionNo, view.InternalTransactionNo)
}

func TestTransitionRefreshesCacheAfterRequestCancelled(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "ORD-1", 42)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, env.uc.CancelPayment(ctx, "ORD-1", 42, "user cancelled", "42"))

	cached := env.cache.peek("ORD-1", 42)
	require.NotNil(t, cached)
	assert.Equal(t, PayStatusCancelled, cached.PayStatus)
	assert.Equal(t, int64(1), cached.Version)
}

func TestGetStatus_LazyExpiry(t *testing.T) {
	env := newTestEnv(t)
	record := env.create(t, "ORD-1", 42)

	// 缓存中仍是 PENDING，过期后不能直接返回
	env.clock = env.clock.Add(31 * time.Minute)
	view, err := env.uc.GetStatus(context.Background(), "ORD-1", 42)
	require.NoError(t, err)
	assert.Equal(t, PayStatusCancelled, view.PayStatus)
	assert.True(t, view.Expired)
	assert.Equal(t, PayStatusCancelled, env.records.get(record.ID).PayStatus)
}

func TestGetStatus_CacheDown(t *testing.T) {
	env := newTestEnv(t)
	env.cache.broken = true
	env.create(t, "ORD-1", 42)

	view, err := env.uc.GetStatus(context.Background(), "ORD-1", 42)
	require.NoError(t, err)
	assert.Equal(t, PayStatusPending, view.PayStatus)
	assert.Equal(t, int64(1), env.uc.CacheStats().Errors)
}

func TestCancelPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	record := env.create(t, "ORD-1", 42)

	require.NoError(t, env.uc.CancelPayment(ctx, "ORD-1", 42, "user cancelled", "42"))
	require.NoError(t, env.uc.CancelPayment(ctx, "ORD-1", 42, "user cancelled", "42"))
	assert.Equal(t, 1, env.records.casApplied)

	stored := env.records.get(record.ID)
	assert.Equal(t, PayStatusCancelled, stored.PayStatus)
	assert.Equal(t, "user cancelled", stored.CancelReason)
	assert.Equal(t, "42", stored.OperatorID)

	err := env.uc.CancelPayment(ctx, "ORD-404", 42, "", "")
	assert.True(t, paymentErrors.IsPaymentNotFound(err))
}

func TestCancelPayment_AlreadyPaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	record := env.create(t, "ORD-1", 42)
	_, err := env.uc.HandleCallback(ctx, callbackReq(record, "ALI-999", successBody))
	require.NoError(t, err)

	err = env.uc.CancelPayment(ctx, "ORD-1", 42, "too late", "42")
	assert.True(t, paymentErrors.IsOrderAlreadyPaid(err))
	assert.Equal(t, PayStatusSuccess, env.records.get(record.ID).PayStatus)
}

func TestRefundPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	record := env.create(t, "ORD-1", 42)

	_, err := env.uc.RefundPayment(ctx, "ORD-1", 42, "refund", "ops")
	assert.True(t, paymentErrors.IsPaymentStateInvalid(err))

	_, err = env.uc.HandleCallback(ctx, callbackReq(record, "ALI-999", successBody))
	require.NoError(t, err)

	refunded, err := env.uc.RefundPayment(ctx, "ORD-1", 42, "refund", "ops")
	require.NoError(t, err)
	assert.Equal(t, PayStatusRefunded, refunded.PayStatus)
	assert.Equal(t, int64(2), refunded.Version)

	again, err := env.uc.RefundPayment(ctx, "ORD-1", 42, "refund", "ops")
	require.NoError(t, err)
	assert.Equal(t, PayStatusRefunded, again.PayStatus)
	assert.Equal(t, 2, env.records.casApplied)
}

func TestResetStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	record := env.create(t, "ORD-1", 42)
	_, err := env.uc.HandleCallback(ctx, callbackReq(record, "ALI-999", successBody))
	require.NoError(t, err)

	_, err = env.uc.ResetStatus(ctx, "ORD-1", 42)
	assert.True(t, paymentErrors.IsResetNotAllowed(err))

	env.conf.AllowReset = true
	reset, err := env.uc.ResetStatus(ctx, "ORD-1", 42)
	require.NoError(t, err)
	assert.Equal(t, PayStatusPending, reset.PayStatus)
	assert.Equal(t, int64(2), reset.Version)
	assert.Empty(t, reset.TransactionNo)
	assert.Nil(t, reset.CompleteTime)
	assert.False(t, env.idem.hasMarker("callback:ORD-1:ALI-999"))
	assert.False(t, env.idem.hasMarker("payment:ORD-1:42"))

	// 标记已清除，同一回调可以再次驱动状态机
	result, err := env.uc.HandleCallback(ctx, callbackReq(record, "ALI-999", successBody))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, int64(3), env.records.get(record.ID).Version)
}

func TestNotifyAfterTransition(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.enabled = true
	ctx := context.Background()
	record := env.create(t, "ORD-1", 42)

	_, err := env.uc.HandleCallback(ctx, callbackReq(record, "ALI-999", successBody))
	require.NoError(t, err)

	require.Len(t, env.publisher.events, 1)
	event := env.publisher.events[0]
	assert.Equal(t, PayStatusPending, event.FromStatus)
	assert.Equal(t, PayStatusSuccess, event.PayStatus)
	assert.Equal(t, record.InternalTransactionNo, event.InternalTransactionNo)

	info, err := env.uc.GetNotifyInfo(ctx, "ORD-1", 42)
	require.NoError(t, err)
	assert.Equal(t, constants.NotifyStatusSuccess, info.NotifyStatus)
	assert.Equal(t, int32(1), info.NotifyCount)
	assert.Equal(t, int32(5), info.MaxNotifyCount)
}

func TestNotifyFailureDoesNotBlockTransition(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.enabled = true
	env.publisher.fail = true
	ctx := context.Background()
	record := env.create(t, "ORD-1", 42)

	result, err := env.uc.HandleCallback(ctx, callbackReq(record, "ALI-999", successBody))
	require.NoError(t, err)
	assert.True(t, result.Accepted)

	stored := env.records.get(record.ID)
	assert.Equal(t, PayStatusSuccess, stored.PayStatus)
	assert.Equal(t, constants.NotifyStatusFailed, stored.NotifyStatus)
	assert.Equal(t, int32(1), stored.NotifyCount)
}

func TestExpirePending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "ORD-1", 42)
	env.create(t, "ORD-2", 42)
	env.clock = env.clock.Add(10 * time.Minute)
	fresh := env.create(t, "ORD-3", 42)

	env.clock = env.clock.Add(25 * time.Minute)
	expired, err := env.uc.ExpirePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, expired)
	assert.Equal(t, PayStatusPending, env.records.get(fresh.ID).PayStatus)

	expired, err = env.uc.ExpirePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}
