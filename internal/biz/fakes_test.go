package biz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"payment-service/internal/constants"
	paymentErrors "payment-service/internal/errors"

	"github.com/go-kratos/kratos/v2/log"
)

var testLogger = log.NewStdLogger(io.Discard)

// fakeRecordRepo 内存版支付记录存储，CAS 语义与数据库实现一致
type fakeRecordRepo struct {
	mu          sync.Mutex
	nextID      uint64
	records     map[uint64]*PaymentRecord
	casApplied  int
	beforeCAS   func(t *StatusTransition)
	afterFind   func() // FindByOrderAndUser 读取完成后调用
	notifyCalls int
}

func newFakeRecordRepo() *fakeRecordRepo {
	return &fakeRecordRepo{records: make(map[uint64]*PaymentRecord)}
}

func (r *fakeRecordRepo) Insert(ctx context.Context, record *PaymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.records {
		if existing.OrderNo == record.OrderNo && existing.UserID == record.UserID && existing.PayStatus == PayStatusPending {
			return paymentErrors.ErrDuplicateOrder(record.OrderNo)
		}
	}
	r.nextID++
	record.ID = r.nextID
	stored := *record
	r.records[stored.ID] = &stored
	return nil
}

func (r *fakeRecordRepo) FindByOrderAndUser(ctx context.Context, orderNo string, userID int64) (*PaymentRecord, error) {
	r.mu.Lock()
	var latest *PaymentRecord
	for _, record := range r.records {
		if record.OrderNo == orderNo && record.UserID == userID && (latest == nil || record.ID > latest.ID) {
			latest = record
		}
	}
	if latest == nil {
		r.mu.Unlock()
		return nil, nil
	}
	found := *latest
	hook := r.afterFind
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return &found, nil
}

func (r *fakeRecordRepo) FindByInternalTransactionNo(ctx context.Context, internalTransactionNo string) (*PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records {
		if record.InternalTransactionNo == internalTransactionNo {
			found := *record
			return &found, nil
		}
	}
	return nil, nil
}

func (r *fakeRecordRepo) CompareAndSetStatus(ctx context.Context, t *StatusTransition) (int64, error) {
	if r.beforeCAS != nil {
		r.beforeCAS(t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.records[t.ID]
	if !ok || current.Version != t.ExpectedVersion || current.PayStatus != t.From {
		return 0, nil
	}
	r.records[t.ID] = current.applyTransition(t, time.Now())
	r.casApplied++
	return 1, nil
}

func (r *fakeRecordRepo) UpdateNotifyState(ctx context.Context, id uint64, notifyStatus string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyCalls++
	if record, ok := r.records[id]; ok {
		record.NotifyStatus = notifyStatus
		record.NotifyCount++
	}
	return nil
}

func (r *fakeRecordRepo) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*PaymentRecord
	for _, record := range r.records {
		if record.PayStatus == PayStatusPending && record.ExpireTime.Before(now) {
			found := *record
			result = append(result, &found)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// bumpVersion 模拟并发写入
func (r *fakeRecordRepo) bumpVersion(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[id].Version++
}

func (r *fakeRecordRepo) get(id uint64) *PaymentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := *r.records[id]
	return &found
}

func (r *fakeRecordRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// fakeCallbackRepo 内存版回调台账
type fakeCallbackRepo struct {
	mu        sync.Mutex
	callbacks []*PaymentCallback
}

func (r *fakeCallbackRepo) Create(ctx context.Context, callback *PaymentCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	callback.ID = uint64(len(r.callbacks) + 1)
	callback.CreatedAt = time.Now()
	stored := *callback
	r.callbacks = append(r.callbacks, &stored)
	return nil
}

func (r *fakeCallbackRepo) MarkProcessed(ctx context.Context, callback *PaymentCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.callbacks {
		if c.ID == callback.ID && c.CallbackStatus == constants.CallbackStatusPending {
			c.CallbackStatus = callback.CallbackStatus
			c.ResultMessage = callback.ResultMessage
			c.ProcessTimeMs = callback.ProcessTimeMs
			c.CallbackAmount = callback.CallbackAmount
		}
	}
	return nil
}

func (r *fakeCallbackRepo) ListByPaymentRecordID(ctx context.Context, paymentRecordID uint64) ([]*PaymentCallback, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*PaymentCallback
	for _, c := range r.callbacks {
		if c.PaymentRecordID == paymentRecordID {
			found := *c
			result = append(result, &found)
		}
	}
	return result, nil
}

func (r *fakeCallbackRepo) CountByPaymentRecordID(ctx context.Context, paymentRecordID uint64) (int64, error) {
	list, _ := r.ListByPaymentRecordID(ctx, paymentRecordID)
	return int64(len(list)), nil
}

func (r *fakeCallbackRepo) all() []*PaymentCallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*PaymentCallback, 0, len(r.callbacks))
	for _, c := range r.callbacks {
		found := *c
		result = append(result, &found)
	}
	return result
}

// fakeStatusCache 内存版状态缓存
type fakeStatusCache struct {
	mu     sync.Mutex
	views  map[string]*StatusView
	stats  CacheStats
	broken bool
}

func newFakeStatusCache() *fakeStatusCache {
	return &fakeStatusCache{views: make(map[string]*StatusView)}
}

func cacheKey(orderNo string, userID int64) string {
	return fmt.Sprintf("%s:%d", orderNo, userID)
}

func (c *fakeStatusCache) Get(ctx context.Context, orderNo string, userID int64) (*StatusView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		c.stats.Errors++
		return nil, errors.New("cache down")
	}
	view, ok := c.views[cacheKey(orderNo, userID)]
	if !ok {
		c.stats.Misses++
		return nil, nil
	}
	c.stats.Hits++
	found := *view
	return &found, nil
}

func (c *fakeStatusCache) Set(ctx context.Context, view *StatusView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return errors.New("cache down")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key := cacheKey(view.OrderNo, view.UserID)
	if cur, ok := c.views[key]; ok {
		if cur.RecordID > view.RecordID || (cur.RecordID == view.RecordID && cur.Version > view.Version) {
			return nil
		}
	}
	stored := *view
	c.views[key] = &stored
	return nil
}

// peek 不计入命中统计
func (c *fakeStatusCache) peek(orderNo string, userID int64) *StatusView {
	c.mu.Lock()
	defer c.mu.Unlock()
	view, ok := c.views[cacheKey(orderNo, userID)]
	if !ok {
		return nil
	}
	found := *view
	return &found
}

func (c *fakeStatusCache) Delete(ctx context.Context, orderNo string, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return errors.New("cache down")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	delete(c.views, cacheKey(orderNo, userID))
	return nil
}

func (c *fakeStatusCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// fakePublisher 记录发布的事件
type fakePublisher struct {
	mu      sync.Mutex
	enabled bool
	fail    bool
	events  []*PaymentEvent
}

func (p *fakePublisher) Enabled() bool { return p.enabled }

func (p *fakePublisher) PublishStatusChanged(ctx context.Context, event *PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.events = append(p.events, event)
	return nil
}

// fakeIdempotencyStore 内存版锁与完成标记
type fakeIdempotencyStore struct {
	mu           sync.Mutex
	locks        map[string]bool
	markers      map[string][]byte
	setMarkerErr error
	getMarkerErr error
	lockErr      error
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{
		locks:   make(map[string]bool),
		markers: make(map[string][]byte),
	}
}

func (s *fakeIdempotencyStore) AcquireLock(ctx context.Context, key string, expiry time.Duration, tries int) (LockRelease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockErr != nil {
		return nil, s.lockErr
	}
	if s.locks[key] {
		return nil, ErrLockHeld
	}
	s.locks[key] = true
	return func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.locks, key)
		return nil
	}, nil
}

func (s *fakeIdempotencyStore) GetMarker(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getMarkerErr != nil {
		return nil, s.getMarkerErr
	}
	return s.markers[key], nil
}

func (s *fakeIdempotencyStore) SetMarker(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setMarkerErr != nil {
		return s.setMarkerErr
	}
	s.markers[key] = value
	return nil
}

func (s *fakeIdempotencyStore) DeleteMarker(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, key)
	return nil
}

func (s *fakeIdempotencyStore) hasMarker(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.markers[key]
	return ok
}

func (s *fakeIdempotencyStore) holdLock(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[key] = true
}
