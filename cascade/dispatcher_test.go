package cascade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"strata-core/domain"
)

type recordingPublisher struct {
	mu        sync.Mutex
	failFirst int
	attempts  int
	delivered []domain.Event
	done      chan struct{}
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.attempts <= p.failFirst {
		return errors.New("transport unavailable")
	}
	p.delivered = append(p.delivered, ev)
	if p.done != nil {
		select {
		case p.done <- struct{}{}:
		default:
		}
	}
	return nil
}

func (p *recordingPublisher) deliveredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.delivered)
}

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func TestDispatcherDelivers(t *testing.T) {
	pub := &recordingPublisher{done: make(chan struct{}, 1)}
	d := NewDispatcher(pub, DispatcherConfig{Workers: 1}, quietLogger())
	defer d.Close()

	d.Publish(domain.Event{ID: "e1", Type: domain.EventSprintCompleted, EntityID: "s1"})

	select {
	case <-pub.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("event was not delivered")
	}
	if pub.deliveredCount() != 1 {
		t.Fatalf("expected 1 delivery, got %d", pub.deliveredCount())
	}
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	pub := &recordingPublisher{failFirst: 2, done: make(chan struct{}, 1)}
	d := NewDispatcher(pub, DispatcherConfig{
		Workers:      1,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		MaxAttempts:  5,
	}, quietLogger())
	defer d.Close()

	d.Publish(domain.Event{ID: "e1", Type: domain.EventProjectCompleted, EntityID: "p1"})

	select {
	case <-pub.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("event was not retried to success")
	}
	pub.mu.Lock()
	attempts := pub.attempts
	pub.mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDispatcherAbandonsAfterMaxAttempts(t *testing.T) {
	pub := &recordingPublisher{failFirst: 1000}
	d := NewDispatcher(pub, DispatcherConfig{
		Workers:      1,
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
		MaxAttempts:  3,
	}, quietLogger())

	d.Publish(domain.Event{ID: "e1", Type: domain.EventSprintReopened, EntityID: "s1"})

	deadline := time.After(2 * time.Second)
	for {
		pub.mu.Lock()
		attempts := pub.attempts
		pub.mu.Unlock()
		if attempts >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 3 attempts before abandoning, got %d", attempts)
		case <-time.After(5 * time.Millisecond):
		}
	}
	d.Close()

	pub.mu.Lock()
	attempts := pub.attempts
	pub.mu.Unlock()
	if attempts > 3 {
		t.Fatalf("expected delivery abandoned after 3 attempts, got %d", attempts)
	}
	if pub.deliveredCount() != 0 {
		t.Fatalf("expected no deliveries, got %d", pub.deliveredCount())
	}
}

func TestDispatcherPublishAfterCloseDoesNotPanic(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewDispatcher(pub, DispatcherConfig{Workers: 1}, quietLogger())
	d.Close()

	// Must drop silently, never panic or block.
	d.Publish(domain.Event{ID: "e1", Type: domain.EventSprintCompleted})
}

func TestExponentialBackoffCaps(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second
	if got := exponentialBackoff(1, initial, max); got != initial {
		t.Fatalf("attempt 1: expected %v, got %v", initial, got)
	}
	if got := exponentialBackoff(2, initial, max); got != 200*time.Millisecond {
		t.Fatalf("attempt 2: expected 200ms, got %v", got)
	}
	if got := exponentialBackoff(10, initial, max); got != max {
		t.Fatalf("attempt 10: expected cap %v, got %v", max, got)
	}
}
