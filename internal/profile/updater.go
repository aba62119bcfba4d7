package profile

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrUpdaterClosed is returned when an update is enqueued after Close.
var ErrUpdaterClosed = errors.New("profile updater closed")

// Updater applies post-scoring profile updates off the hot path.
// Updates for one entity always land on the same lane, so they are applied in
// enqueue order by a single goroutine.
type Updater struct {
	store *Store
	lanes []chan updateJob

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type updateJob struct {
	entityID string
	event    *domain.PaymentEvent
	barrier  *sync.WaitGroup
}

// NewUpdater starts lanes goroutines that drain queued updates into store.
func NewUpdater(store *Store, lanes, queueSize int) *Updater {
	if lanes <= 0 {
		lanes = 8
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	u := &Updater{
		store: store,
		lanes: make([]chan updateJob, lanes),
	}
	for i := range u.lanes {
		u.lanes[i] = make(chan updateJob, queueSize)
		u.wg.Add(1)
		go u.run(u.lanes[i])
	}
	return u
}

// Enqueue schedules the account and beneficiary updates for a scored event.
// It blocks when a lane is full so that no update is ever dropped.
func (u *Updater) Enqueue(ctx context.Context, ev *domain.PaymentEvent) error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		return ErrUpdaterClosed
	}

	for _, key := range []string{ev.AccountKey(), ev.BeneficiaryKey()} {
		lane := u.lanes[shardIndex(key, len(u.lanes))]
		select {
		case lane <- updateJob{entityID: key, event: ev}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Flush blocks until every update enqueued before the call has been applied.
func (u *Updater) Flush() {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		return
	}

	var barrier sync.WaitGroup
	barrier.Add(len(u.lanes))
	for _, lane := range u.lanes {
		lane <- updateJob{barrier: &barrier}
	}
	barrier.Wait()
}

// Close stops accepting updates and waits for queued ones to be applied.
func (u *Updater) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	for _, lane := range u.lanes {
		close(lane)
	}
	u.mu.Unlock()

	u.wg.Wait()
	slog.Info("profile updater stopped", "entities", u.store.Len())
}

func (u *Updater) run(lane <-chan updateJob) {
	defer u.wg.Done()
	for job := range lane {
		if job.barrier != nil {
			job.barrier.Done()
			continue
		}
		// Updates outlive the request that triggered them.
		u.store.Update(context.Background(), job.entityID, job.event)
	}
}
