package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orderhub/tracksync/internal/broker/messages"
	"github.com/orderhub/tracksync/internal/integrations/carrier"
	"github.com/orderhub/tracksync/internal/models"
	"github.com/orderhub/tracksync/internal/storage/pgorders"
	"github.com/pkg/errors"
)

// Ошибки валидации заказа. Хендлеры переводят их в тексты ответов API.
var (
	ErrNoTrackingIDs    = errors.New("order has no tracking ids")
	ErrNoTrackingVendor = errors.New("order has no tracking vendor")
	ErrNoValidNumbers   = errors.New("no valid tracking numbers")
)

type Repository interface {
	GetPackingSlip(ctx context.Context, id uint64) (*models.PackingSlip, error)
	GetPackingSlipByOrderID(ctx context.Context, orderID string) (*models.PackingSlip, error)
	ListEligibleOrders(ctx context.Context, limit int) ([]*models.PackingSlip, error)
	ApplyTrackingStatus(ctx context.Context, upd pgorders.TrackingStatusUpdate) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type KeyProvider interface {
	TrackingAPIKey(ctx context.Context) (string, error)
}

type Service struct {
	repo     Repository
	provider carrier.Client
	producer Producer
	rl       RateLimiter
	cache    Cache
	keys     KeyProvider

	topic string

	batchSize          int
	concurrency        int
	rateLimitPerMinute int64
	cacheTTL           time.Duration

	totalRefreshed atomic.Int64
	totalDelivered atomic.Int64
	totalSkipped   atomic.Int64
	totalErrors    atomic.Int64
	inFlight       atomic.Int64
	lastErrorMu    sync.Mutex
	lastError      string
}

func New(repo Repository, provider carrier.Client, producer Producer, rl RateLimiter, topic string) *Service {
	return &Service{
		repo: repo, provider: provider, producer: producer, rl: rl, topic: topic,
		batchSize:          500,
		concurrency:        4,
		rateLimitPerMinute: 120,
	}
}

func (s *Service) WithSettings(batchSize, concurrency int, rlPerMin int64) *Service {
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	if concurrency > 0 {
		s.concurrency = concurrency
	}
	if rlPerMin > 0 {
		s.rateLimitPerMinute = rlPerMin
	}
	return s
}

// WithCache включает кэш последних ответов шлюза для ручных обновлений.
func (s *Service) WithCache(c Cache, ttl time.Duration) *Service {
	if c != nil && ttl > 0 {
		s.cache = c
		s.cacheTTL = ttl
	}
	return s
}

// WithKeys adds an upfront API key check, so a misconfigured integration
// fails before any tracking numbers get parsed or queried.
func (s *Service) WithKeys(k KeyProvider) *Service {
	s.keys = k
	return s
}

type Result struct {
	SlipID         uint64
	OrderID        string
	TrackingNumber string
	OldStatus      string
	NewStatus      string
	Delivered      bool
	Skipped        bool
	FailKind       carrier.FailKind
	Err            error
}

type Summary struct {
	TotalOrders int
	Updated     int
	Skipped     int
	Failed      int
	Delivered   int
	Results     []Result
	Errors      []string
}

type Stats struct {
	TotalRefreshed int64  `json:"totalRefreshed"`
	TotalDelivered int64  `json:"totalDelivered"`
	TotalSkipped   int64  `json:"totalSkipped"`
	TotalErrors    int64  `json:"totalErrors"`
	InFlight       int64  `json:"inFlight"`
	LastError      string `json:"lastError,omitempty"`
}

func (s *Service) Stats() Stats {
	st := Stats{
		TotalRefreshed: s.totalRefreshed.Load(),
		TotalDelivered: s.totalDelivered.Load(),
		TotalSkipped:   s.totalSkipped.Load(),
		TotalErrors:    s.totalErrors.Load(),
		InFlight:       s.inFlight.Load(),
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Service) RefreshOrder(ctx context.Context, slipID uint64) (Result, error) {
	sl, err := s.repo.GetPackingSlip(ctx, slipID)
	if err != nil {
		return Result{SlipID: slipID}, err
	}
	return s.refresh(ctx, sl, true)
}

func (s *Service) RefreshByOrderID(ctx context.Context, orderID string) (Result, error) {
	sl, err := s.repo.GetPackingSlipByOrderID(ctx, orderID)
	if err != nil {
		return Result{OrderID: orderID}, err
	}
	return s.refresh(ctx, sl, true)
}

// RefreshAllPending обновляет все подходящие заказы одним батчем.
// Ошибка одного заказа не трогает остальные: всё собирается в Summary.
func (s *Service) RefreshAllPending(ctx context.Context) (Summary, error) {
	slips, err := s.repo.ListEligibleOrders(ctx, s.batchSize)
	if err != nil {
		s.lastErrorMu.Lock()
		s.lastError = err.Error()
		s.lastErrorMu.Unlock()
		return Summary{}, errors.Wrap(err, "list eligible orders")
	}

	sum := Summary{TotalOrders: len(slips)}
	if len(slips) == 0 {
		return sum, nil
	}
	slog.Info("found orders to update tracking status", "count", len(slips))

	var mu sync.Mutex
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, sl := range slips {
		sem <- struct{}{}
		wg.Add(1)
		slCopy := sl
		s.inFlight.Add(1)
		go func() {
			defer func() {
				s.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			res, err := s.refresh(ctx, slCopy, false)
			mu.Lock()
			defer mu.Unlock()
			sum.Results = append(sum.Results, res)
			switch {
			case err != nil:
				sum.Failed++
				sum.Errors = append(sum.Errors, fmt.Sprintf("Order %s: %v", res.OrderID, err))
			case res.Skipped:
				sum.Skipped++
			default:
				sum.Updated++
				if res.Delivered {
					sum.Delivered++
				}
			}
		}()
	}
	wg.Wait()
	return sum, nil
}

type ImportResult struct {
	OrderID string
	Count   int
}

// RegisterTracking импортирует все номера заказа в шлюз. Дальше статус
// спрашивается только по первому номеру, но знать шлюз должен про все.
func (s *Service) RegisterTracking(ctx context.Context, slipID uint64) (ImportResult, error) {
	sl, err := s.repo.GetPackingSlip(ctx, slipID)
	if err != nil {
		return ImportResult{}, err
	}
	res := ImportResult{OrderID: sl.OrderID}

	vendor, err := carrier.ParseVendor(sl.TrackingVendor)
	if err != nil {
		return res, err
	}
	numbers := models.SplitTrackingIDs(sl.TrackingIDs)
	if len(numbers) == 0 {
		return res, ErrNoValidNumbers
	}

	if err := s.provider.RegisterNumbers(ctx, vendor, numbers); err != nil {
		return res, err
	}
	res.Count = len(numbers)
	slog.Info("registered tracking numbers", "order_id", sl.OrderID, "count", res.Count)
	return res, nil
}

func (s *Service) refresh(ctx context.Context, sl *models.PackingSlip, useCache bool) (Result, error) {
	res := Result{
		SlipID:    sl.ID,
		OrderID:   sl.OrderID,
		OldStatus: sl.TrackingStatus,
	}
	if res.OldStatus == "" {
		res.OldStatus = "Unknown"
	}

	if sl.Status == models.OrderStatusDelivered || models.IsDeliveredStatus(sl.TrackingStatus) {
		res.Skipped = true
		res.Delivered = true
		res.NewStatus = sl.TrackingStatus
		s.totalSkipped.Add(1)
		slog.Info("order already delivered, skipping", "order_id", sl.OrderID)
		return res, nil
	}

	if strings.TrimSpace(sl.TrackingIDs) == "" {
		return s.fail(res, ErrNoTrackingIDs)
	}
	if strings.TrimSpace(sl.TrackingVendor) == "" {
		return s.fail(res, ErrNoTrackingVendor)
	}
	vendor, err := carrier.ParseVendor(sl.TrackingVendor)
	if err != nil {
		return s.fail(res, err)
	}

	if s.keys != nil {
		key, err := s.keys.TrackingAPIKey(ctx)
		if err != nil {
			return s.fail(res, carrier.NewQueryError(carrier.FailTransient, errors.Wrap(err, "load api key")))
		}
		if key == "" {
			return s.fail(res, carrier.NewQueryError(carrier.FailConfigMissing, errors.New("tracking api key is not configured")))
		}
	}

	number := models.PrimaryTrackingNumber(sl.TrackingIDs)
	if number == "" {
		return s.fail(res, ErrNoValidNumbers)
	}
	res.TrackingNumber = number

	if err := s.throttle(ctx); err != nil {
		return s.fail(res, carrier.NewQueryError(carrier.FailTransient, err))
	}

	qres, err := s.queryStatus(ctx, vendor, number, useCache)
	if err != nil {
		return s.fail(res, err)
	}

	now := time.Now().UTC()
	if err := s.repo.ApplyTrackingStatus(ctx, pgorders.TrackingStatusUpdate{
		SlipID:         sl.ID,
		TrackingStatus: qres.StatusText,
		Delivered:      qres.IsDelivered,
		CheckedAt:      now,
	}); err != nil {
		return s.fail(res, carrier.NewQueryError(carrier.FailStorage, err))
	}

	res.NewStatus = qres.StatusText
	res.Delivered = qres.IsDelivered
	s.totalRefreshed.Add(1)
	if res.Delivered {
		s.totalDelivered.Add(1)
		slog.Info("order delivered", "order_id", sl.OrderID, "tracking_number", number)
	} else {
		slog.Info("tracking status updated",
			"order_id", sl.OrderID, "old_status", res.OldStatus, "new_status", res.NewStatus)
	}

	s.publish(ctx, res, now)
	return res, nil
}

func (s *Service) fail(res Result, err error) (Result, error) {
	res.Err = err
	res.FailKind = carrier.KindOf(err)
	s.totalErrors.Add(1)
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
	slog.Error("refresh tracking", "order_id", res.OrderID, "error", err.Error())
	return res, err
}

func (s *Service) throttle(ctx context.Context) error {
	if s.rl == nil || s.rateLimitPerMinute <= 0 {
		return nil
	}
	minuteKey := fmt.Sprintf("rl:track123:%s", time.Now().UTC().Format("200601021504"))
	allowed, n, err := s.rl.Allow(ctx, minuteKey, s.rateLimitPerMinute, 70*time.Second)
	if err != nil {
		return err
	}
	if !allowed {
		// Слишком много запросов в минуту: подождём немного, чтобы разгрузить шлюз.
		slog.Warn("rate limit exceeded", "provider", "track123", "count", n)
		time.Sleep(500 * time.Millisecond)
	}
	return nil
}

func (s *Service) queryStatus(ctx context.Context, vendor carrier.Vendor, number string, useCache bool) (carrier.TrackingResult, error) {
	if !useCache || s.cache == nil || s.cacheTTL <= 0 {
		return s.provider.QueryStatus(ctx, vendor, number)
	}

	key := fmt.Sprintf("trk:last:%s:%s", vendor.Code(), number)
	if b, ok, err := s.cache.Get(ctx, key); err != nil {
		slog.Warn("tracking cache get", "error", err.Error())
	} else if ok {
		var cached carrier.TrackingResult
		if json.Unmarshal(b, &cached) == nil {
			return cached, nil
		}
	}

	qres, err := s.provider.QueryStatus(ctx, vendor, number)
	if err != nil {
		return qres, err
	}
	if b, err := json.Marshal(qres); err == nil {
		if err := s.cache.Set(ctx, key, b, s.cacheTTL); err != nil {
			slog.Warn("tracking cache set", "error", err.Error())
		}
	}
	return qres, nil
}

func (s *Service) publish(ctx context.Context, res Result, checkedAt time.Time) {
	if s.producer == nil || s.topic == "" {
		return
	}
	b, err := json.Marshal(messages.OrderTrackingUpdated{
		PackingSlipID:  res.SlipID,
		OrderID:        res.OrderID,
		TrackingNumber: res.TrackingNumber,
		OldStatus:      res.OldStatus,
		NewStatus:      res.NewStatus,
		IsDelivered:    res.Delivered,
		CheckedAt:      checkedAt,
	})
	if err != nil {
		slog.Error("marshal tracking event", "error", err.Error())
		return
	}
	// Событие не критично: дашборд в любом случае читает статус из базы.
	if err := s.producer.Publish(ctx, s.topic, []byte(fmt.Sprintf("%d", res.SlipID)), b); err != nil {
		slog.Warn("publish tracking event", "packing_slip_id", res.SlipID, "error", err.Error())
	}
}


