package cascade

import (
	"context"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"strata-core/domain"
)

// Publisher is the host-provided delivery transport for cascade
// events (notification service, audit queue, message broker).
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// DispatcherConfig tunes the async sink. Zero values fall back to
// defaults.
type DispatcherConfig struct {
	Workers        int
	Buffer         int
	DeliverTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	MaxAttempts    int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 30 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 250 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

type dispatchRecord struct {
	event   domain.Event
	attempt int
}

// Dispatcher is an asynchronous EventSink: Publish hands the event to
// a worker pool and returns immediately. Failed deliveries are
// retried with exponential backoff up to MaxAttempts and then
// dropped with an error log. A saturated buffer also drops, since
// event delivery is best-effort and must never block a cascade.
type Dispatcher struct {
	cfg       DispatcherConfig
	publisher Publisher
	logger    *log.Logger

	workCh   chan *dispatchRecord
	stopCh   chan struct{}
	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	closeOnce sync.Once
}

// NewDispatcher starts the worker pool and returns the running
// dispatcher. Callers must Close it to drain in-flight deliveries.
func NewDispatcher(publisher Publisher, cfg DispatcherConfig, logger *log.Logger) *Dispatcher {
	if publisher == nil {
		panic("cascade: publisher is required")
	}
	if logger == nil {
		panic("cascade: logger is required")
	}
	d := &Dispatcher{
		cfg:       cfg.withDefaults(),
		publisher: publisher,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	d.workCh = make(chan *dispatchRecord, d.cfg.Buffer)
	for i := 0; i < d.cfg.Workers; i++ {
		d.workerWG.Add(1)
		go d.worker(i)
	}
	return d
}

// Publish implements EventSink. It never blocks and never reports
// failure to the caller.
func (d *Dispatcher) Publish(event domain.Event) {
	if d.trySendNonBlocking(&dispatchRecord{event: event}) {
		return
	}
	d.logger.WithFields(log.Fields{
		"event":  event.Type,
		"entity": event.EntityID,
	}).Warn("event dropped, dispatcher saturated or closed")
}

// trySendNonBlocking enqueues without waiting, tolerating a closed
// work channel during shutdown.
func (d *Dispatcher) trySendNonBlocking(r *dispatchRecord) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case d.workCh <- r:
		return true
	default:
		return false
	}
}

// Close stops intake and waits for workers and pending retries.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.stopCh)
		close(d.workCh)
		d.workerWG.Wait()
		d.retryWG.Wait()
	})
}

func (d *Dispatcher) worker(id int) {
	defer d.workerWG.Done()
	for rec := range d.workCh {
		if rec == nil {
			continue
		}
		d.deliver(rec, id)
	}
}

func (d *Dispatcher) deliver(rec *dispatchRecord, workerID int) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliverTimeout)
	err := d.publisher.Publish(ctx, rec.event)
	cancel()
	if err == nil {
		return
	}

	rec.attempt++
	if rec.attempt >= d.cfg.MaxAttempts {
		d.logger.WithError(err).Errorf("event delivery abandoned, type=%s, entity=%s, attempts=%d, worker=%d",
			rec.event.Type, rec.event.EntityID, rec.attempt, workerID)
		return
	}
	d.logger.WithError(err).Warnf("event delivery failed, type=%s, entity=%s, attempt=%d, worker=%d",
		rec.event.Type, rec.event.EntityID, rec.attempt, workerID)
	d.scheduleRetry(rec)
}

func (d *Dispatcher) scheduleRetry(rec *dispatchRecord) {
	delay := exponentialBackoff(rec.attempt, d.cfg.RetryInitial, d.cfg.RetryMax)
	d.retryWG.Add(1)
	timer := time.NewTimer(delay)
	go func(r *dispatchRecord) {
		defer d.retryWG.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			d.trySend(r)
		case <-d.stopCh:
		}
	}(rec)
}

// trySend re-enqueues a retry, tolerating a concurrently closed work
// channel during shutdown.
func (d *Dispatcher) trySend(r *dispatchRecord) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case d.workCh <- r:
		return true
	case <-d.stopCh:
		return false
	}
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	return time.Duration(backoff)
}
