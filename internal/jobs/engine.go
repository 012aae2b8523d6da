package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/waveline/bridge-gateway/internal/core"
	"github.com/waveline/bridge-gateway/internal/metrics"
)

type Handler func(ctx context.Context, args json.RawMessage) error

// Registration binds a handler to a job name with its engine-level retry
// policy. MaxAttempts counts total executions; 1 means no engine retry.
// Domain-level backoff (the message's own attempt counter) is handled by the
// handlers themselves, not here.
type Registration struct {
	Handler     Handler
	MaxAttempts int
	RetryWait   time.Duration
	// OnExhausted fires when engine-level retries run out, letting the
	// owner surface the error through its own failure path before the job
	// is dropped.
	OnExhausted func(ctx context.Context, args json.RawMessage, err error)
}

type Options struct {
	BatchSize    int           // how many to claim per poll
	Concurrency  int           // number of executor goroutines
	PollInterval time.Duration // cadence while work is flowing
	IdleSleep    time.Duration // sleep when queue empty
	DBBackoffMin time.Duration
	DBBackoffMax time.Duration
}

type Engine struct {
	backend Backend
	regs    map[string]Registration
	log     zerolog.Logger
	opt     Options
}

func NewEngine(backend Backend, log zerolog.Logger, opt Options) *Engine {
	return &Engine{
		backend: backend,
		regs:    make(map[string]Registration),
		log:     log.With().Str("component", "jobs").Logger(),
		opt:     opt,
	}
}

// Register must be called before Run; the registry is not mutated afterwards.
func (e *Engine) Register(name string, reg Registration) {
	if reg.MaxAttempts <= 0 {
		reg.MaxAttempts = 1
	}
	e.regs[name] = reg
}

// Run polls the backend and dispatches claimed jobs onto a fixed pool until
// the context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	work := make(chan Job, e.opt.BatchSize*2)
	var wg sync.WaitGroup
	wg.Add(e.opt.Concurrency)
	for i := 0; i < e.opt.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-work:
					if !ok {
						return
					}
					e.Execute(ctx, job)
				}
			}
		}()
	}

	dbBackoff := e.opt.DBBackoffMin
	for {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return ctx.Err()
		default:
		}

		claimed, err := e.backend.Claim(ctx, e.opt.BatchSize)
		if err != nil {
			// Backoff on backend errors (exponential + jitter).
			sleep := jitter(dbBackoff, 0.20)
			e.log.Warn().Err(err).Dur("backoff", sleep).Msg("claim failed")
			metrics.JobClaims.WithLabelValues("error").Inc()
			time.Sleep(sleep)
			dbBackoff = minDur(e.opt.DBBackoffMax, time.Duration(float64(dbBackoff)*1.6))
			continue
		}
		dbBackoff = e.opt.DBBackoffMin // reset on success

		if len(claimed) == 0 {
			metrics.JobClaims.WithLabelValues("empty").Inc()
			time.Sleep(e.opt.IdleSleep)
			continue
		}
		metrics.JobClaims.WithLabelValues("ok").Inc()

		for _, job := range claimed {
			select {
			case <-ctx.Done():
				close(work)
				wg.Wait()
				return ctx.Err()
			case work <- job:
			}
		}

		time.Sleep(e.opt.PollInterval)
	}
}

// Execute runs one claimed job to a terminal outcome: completed, re-queued
// per the registration's retry policy, or dropped.
func (e *Engine) Execute(ctx context.Context, job Job) {
	reg, ok := e.regs[job.Name]
	if !ok {
		e.log.Error().Str("job", job.Name).Msg("no handler registered, dropping")
		_ = e.backend.Complete(ctx, job.ID)
		return
	}

	err := runSafely(ctx, reg.Handler, job.Args)
	switch {
	case err == nil:
		metrics.JobRuns.WithLabelValues(job.Name, "ok").Inc()
		_ = e.backend.Complete(ctx, job.ID)
	case errors.Is(err, core.ErrNotFound):
		// The referenced record is gone; the job is moot.
		e.log.Info().Str("job", job.Name).Msg("record gone, discarding job")
		metrics.JobRuns.WithLabelValues(job.Name, "discarded").Inc()
		_ = e.backend.Complete(ctx, job.ID)
	case job.Attempts+1 < reg.MaxAttempts:
		e.log.Warn().Err(err).Str("job", job.Name).Int("attempt", job.Attempts+1).Msg("job failed, re-queueing")
		metrics.JobRuns.WithLabelValues(job.Name, "retried").Inc()
		_ = e.backend.Retry(ctx, job, reg.RetryWait)
	default:
		e.log.Error().Err(err).Str("job", job.Name).Int("attempts", job.Attempts+1).Msg("job failed, attempts exhausted")
		metrics.JobRuns.WithLabelValues(job.Name, "exhausted").Inc()
		if reg.OnExhausted != nil {
			reg.OnExhausted(ctx, job.Args, err)
		}
		_ = e.backend.Complete(ctx, job.ID)
	}
}

func runSafely(ctx context.Context, h Handler, args json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, args)
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int63n(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
