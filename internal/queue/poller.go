package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/pulse/internal/failure"
	"horse.fit/pulse/internal/globaltime"
)

const finalizeTimeout = 10 * time.Second

// LeaseStore is the storage contract of pull-based backends. Lease must be
// atomic: one job is handed to at most one caller per lease.
type LeaseStore interface {
	// Lease claims the next runnable job of a task, or returns nil.
	Lease(ctx context.Context, name string, leaseFor time.Duration) (*Job, error)
	// Complete and Fail settle the attempt and return ErrLeaseLost when the
	// job is no longer active under it.
	Complete(ctx context.Context, at Attempt, output json.RawMessage) error
	// Fail moves an active job to retry at retryAt, or to failed when
	// retryAt is nil.
	Fail(ctx context.Context, at Attempt, cause string, retryAt *time.Time) error
	// Heartbeat extends the attempt's lease and returns the current state.
	// A cancelled job reports StateCancelled; any other loss of the lease
	// is ErrLeaseLost.
	Heartbeat(ctx context.Context, at Attempt, leaseFor time.Duration) (State, error)
}

// Waker lets a poller sleep until a job of the task is enqueued.
type Waker interface {
	Subscribe(name string) (<-chan struct{}, func())
}

// Poller turns a LeaseStore into a consuming worker loop.
type Poller struct {
	store   LeaseStore
	backoff Backoff
	logger  zerolog.Logger
	waker   Waker
}

func NewPoller(store LeaseStore, backoff Backoff, logger zerolog.Logger) *Poller {
	return &Poller{
		store:   store,
		backoff: backoff,
		logger:  logger,
	}
}

func (p *Poller) WithWaker(w Waker) *Poller {
	if p != nil {
		p.waker = w
	}
	return p
}

func (p *Poller) Consume(ctx context.Context, name string, opts ConsumeOptions, handler Handler) error {
	opts = opts.withDefaults()

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, name, slot, opts, handler)
		}(i)
	}
	wg.Wait()
	return nil
}

func (p *Poller) loop(ctx context.Context, name string, slot int, opts ConsumeOptions, handler Handler) {
	var wake <-chan struct{}
	if p.waker != nil {
		ch, unsubscribe := p.waker.Subscribe(name)
		defer unsubscribe()
		wake = ch
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-wake:
		}

		job, err := p.store.Lease(ctx, name, opts.LeaseDuration)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error().Err(err).Str("task", name).Int("slot", slot).Msg("lease job failed")
			}
			resetTimer(timer, opts.PollInterval)
			continue
		}
		if job == nil {
			resetTimer(timer, opts.PollInterval)
			continue
		}

		p.run(ctx, *job, opts, handler)
		resetTimer(timer, 0)
	}
}

func (p *Poller) run(ctx context.Context, job Job, opts ConsumeOptions, handler Handler) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cancelled, lost atomic.Bool
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(opts.LeaseDuration/3, 100*time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				state, err := p.store.Heartbeat(jobCtx, job.Attempt(), opts.LeaseDuration)
				if errors.Is(err, ErrLeaseLost) {
					lost.Store(true)
					cancel()
					return
				}
				if err != nil {
					p.logger.Warn().Err(err).Str("task", job.Name).Str("job_id", job.ID).Msg("lease heartbeat failed")
					continue
				}
				if state == StateCancelled {
					cancelled.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	output, err := handler(jobCtx, job)
	close(stop)
	<-done

	if cancelled.Load() {
		p.logger.Info().Str("task", job.Name).Str("job_id", job.ID).Msg("job cancelled while active")
		return
	}
	if lost.Load() {
		p.logger.Warn().Str("task", job.Name).Str("job_id", job.ID).Int("retry_count", job.RetryCount).Msg("job lease lost; result dropped")
		return
	}

	finalizeCtx, finalizeCancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer finalizeCancel()

	if err == nil {
		if completeErr := p.store.Complete(finalizeCtx, job.Attempt(), output); completeErr != nil {
			p.logFinalizeError(job, completeErr, "complete job failed")
		}
		return
	}

	retryAt := p.retryAt(job, err)
	if failErr := p.store.Fail(finalizeCtx, job.Attempt(), err.Error(), retryAt); failErr != nil {
		p.logFinalizeError(job, failErr, "record job failure failed")
	}
}

func (p *Poller) logFinalizeError(job Job, err error, msg string) {
	if errors.Is(err, ErrLeaseLost) {
		p.logger.Warn().Str("task", job.Name).Str("job_id", job.ID).Int("retry_count", job.RetryCount).Msg("job lease lost; result dropped")
		return
	}
	p.logger.Error().Err(err).Str("task", job.Name).Str("job_id", job.ID).Msg(msg)
}

func (p *Poller) retryAt(job Job, err error) *time.Time {
	if failure.IsPermanent(err) || job.RetryCount >= job.MaxRetries {
		return nil
	}
	at := globaltime.UTC().Add(p.backoff.Delay(job.RetryCount))
	return &at
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
