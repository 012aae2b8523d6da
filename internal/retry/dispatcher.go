// Package retry drives outbound messages through their delivery state
// machine: attempt under the channel send lock, classify the outcome, then
// either mark sent, schedule a backoff retry, or park the message on the
// channel's failure queue for the recovery sweep.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/waveline/bridge-gateway/internal/bridge"
	"github.com/waveline/bridge-gateway/internal/core"
	"github.com/waveline/bridge-gateway/internal/jobs"
	"github.com/waveline/bridge-gateway/internal/keystore"
	"github.com/waveline/bridge-gateway/internal/metrics"
)

const (
	// JobName is the delivery job; submissions and backoff retries both go
	// through it.
	JobName = "delivery.send"

	// MaxAttempts is the retry ceiling. Worst case a message is parked
	// after ~90s (30s + 60s of backoff).
	MaxAttempts = 3

	baseDelay = 30 * time.Second
	maxDelay  = 5 * time.Minute

	// SendLockTTL must outlive one send (rate-limiter wait + send timeout)
	// but still self-heal a crashed holder quickly.
	SendLockTTL = 45 * time.Second

	// Lock contention is retried by the job engine with fixed spacing,
	// independent of the message's own attempt counter.
	LockRetryAttempts = 3
	LockRetryWait     = 3 * time.Second
)

// Args is the delivery job payload.
type Args struct {
	MessageID string `json:"message_id"`
	IsRetry   bool   `json:"is_retry"`
}

// Store is the slice of the durable store the dispatcher needs.
type Store interface {
	FindOutbound(ctx context.Context, id string) (*core.OutboundMessage, error)
	UpdateOutboundAttempt(ctx context.Context, id string, status core.MessageStatus, meta core.AttemptMeta) error
	SetOutboundSource(ctx context.Context, id, sourceID string) error
	FindChannel(ctx context.Context, id string) (*core.Channel, error)
}

// Sender is the bridge send operation. It returns the bridge's id for the
// message so delivery receipts can be matched back to it.
type Sender interface {
	Send(ctx context.Context, ch *core.Channel, msg *core.OutboundMessage) (string, error)
}

type Dispatcher struct {
	store  Store
	sender Sender
	locks  keystore.Locker
	queue  keystore.Queue
	sched  jobs.Scheduler
	log    zerolog.Logger
	now    func() time.Time
}

func NewDispatcher(store Store, sender Sender, locks keystore.Locker, queue keystore.Queue, sched jobs.Scheduler, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		sender: sender,
		locks:  locks,
		queue:  queue,
		sched:  sched,
		log:    log.With().Str("component", "delivery").Logger(),
		now:    time.Now,
	}
}

// Register wires the dispatcher into the job engine. Lock contention
// propagates to the engine, which re-runs the job with fixed spacing; if
// those run out the error is funneled into the normal send-failure path.
func (d *Dispatcher) Register(e *jobs.Engine) {
	e.Register(JobName, jobs.Registration{
		Handler:     d.handle,
		MaxAttempts: LockRetryAttempts,
		RetryWait:   LockRetryWait,
		OnExhausted: d.onLockExhausted,
	})
}

// Submit schedules delivery of a pending message.
func (d *Dispatcher) Submit(ctx context.Context, messageID string) error {
	return d.sched.Schedule(ctx, JobName, Args{MessageID: messageID}, 0, jobs.PriorityHigh)
}

func (d *Dispatcher) handle(ctx context.Context, raw json.RawMessage) error {
	var a Args
	if err := json.Unmarshal(raw, &a); err != nil {
		return fmt.Errorf("bad delivery args: %w", err)
	}
	return d.Deliver(ctx, a.MessageID, a.IsRetry)
}

// Deliver runs one attempt for the message. It returns an error only for
// conditions the job engine owns: a missing record (discard) or lock
// contention (fixed-spacing re-run). Send failures are absorbed into the
// backoff-or-park decision and return nil.
func (d *Dispatcher) Deliver(ctx context.Context, messageID string, isRetry bool) error {
	m, err := d.store.FindOutbound(ctx, messageID)
	if err != nil {
		return err
	}
	ch, err := d.store.FindChannel(ctx, m.ChannelID)
	if err != nil {
		return err
	}
	if ch.Provider != core.ProviderBridge {
		return nil
	}

	// The attempt counter is read from durable metadata so it survives
	// process restarts and recovery resubmissions.
	attempt := 1
	if isRetry {
		attempt = m.Attempt.RetryCount + 1
	}

	// The lock covers the entire send, not just a status flip: a live
	// submission and a recovery resubmission must never both reach the
	// bridge for the same channel at once.
	var sourceID string
	err = keystore.WithLock(ctx, d.locks, keystore.SendLockKey(ch.ID), SendLockTTL, func(ctx context.Context) error {
		var serr error
		sourceID, serr = d.sender.Send(ctx, ch, m)
		return serr
	})
	if errors.Is(err, keystore.ErrLockHeld) {
		metrics.SendAttempts.WithLabelValues("lock_held").Inc()
		return err
	}
	if err == nil {
		if sourceID != "" {
			if serr := d.store.SetOutboundSource(ctx, m.ID, sourceID); serr != nil {
				d.log.Error().Err(serr).Str("message_id", m.ID).Msg("source id update failed")
			}
		}
		now := d.now()
		meta := core.AttemptMeta{RetryCount: attempt, LastAttemptAt: &now}
		if uerr := d.store.UpdateOutboundAttempt(ctx, m.ID, core.StatusSent, meta); uerr != nil {
			d.log.Error().Err(uerr).Str("message_id", m.ID).Msg("sent but status update failed")
		}
		metrics.SendAttempts.WithLabelValues("sent").Inc()
		d.log.Info().Str("message_id", m.ID).Int("attempt", attempt).Msg("message sent")
		return nil
	}

	d.handleFailure(ctx, m, ch.ID, attempt, err)
	return nil
}

// handleFailure records the failed attempt and decides between a backoff
// retry and parking the message on the failure queue.
func (d *Dispatcher) handleFailure(ctx context.Context, m *core.OutboundMessage, channelID string, attempt int, sendErr error) {
	outcome := "error"
	if errors.Is(sendErr, bridge.ErrMessageNotSent) {
		outcome = "rejected"
	}
	metrics.SendAttempts.WithLabelValues(outcome).Inc()
	d.log.Warn().Err(sendErr).Str("message_id", m.ID).Int("attempt", attempt).Msg("send failed")

	now := d.now()
	meta := core.AttemptMeta{RetryCount: attempt, LastAttemptAt: &now, LastError: sendErr.Error()}
	if err := d.store.UpdateOutboundAttempt(ctx, m.ID, core.StatusFailed, meta); err != nil {
		d.log.Error().Err(err).Str("message_id", m.ID).Msg("attempt metadata update failed")
	}

	if attempt >= MaxAttempts {
		d.park(ctx, m, channelID, attempt, sendErr)
		return
	}

	delay := Backoff(attempt)
	if err := d.sched.Schedule(ctx, JobName, Args{MessageID: m.ID, IsRetry: true}, delay, jobs.PriorityHigh); err != nil {
		d.log.Error().Err(err).Str("message_id", m.ID).Msg("retry scheduling failed")
		return
	}
	metrics.RetriesScheduled.Inc()
	d.log.Info().Str("message_id", m.ID).Dur("delay", delay).Int("attempt", attempt).Msg("retry scheduled")
}

func (d *Dispatcher) park(ctx context.Context, m *core.OutboundMessage, channelID string, attempt int, sendErr error) {
	rec := core.FailureRecord{
		MessageID:  m.ID,
		FailedAt:   d.now().Unix(),
		RetryCount: attempt,
		LastError:  sendErr.Error(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		d.log.Error().Err(err).Str("message_id", m.ID).Msg("failure record marshal failed")
		return
	}
	if err := d.queue.Push(ctx, keystore.FailedQueueKey(channelID), payload); err != nil {
		d.log.Error().Err(err).Str("message_id", m.ID).Msg("failure queue push failed")
		return
	}
	metrics.MessagesParked.Inc()
	d.log.Info().Str("message_id", m.ID).Msg("retries exhausted, parked for recovery")
}

// onLockExhausted runs when the engine gives up on lock contention. Per the
// error taxonomy this counts as a send failure and feeds the same
// backoff-or-park decision.
func (d *Dispatcher) onLockExhausted(ctx context.Context, raw json.RawMessage, cause error) {
	var a Args
	if err := json.Unmarshal(raw, &a); err != nil {
		return
	}
	m, err := d.store.FindOutbound(ctx, a.MessageID)
	if err != nil {
		return
	}
	attempt := 1
	if a.IsRetry {
		attempt = m.Attempt.RetryCount + 1
	}
	d.handleFailure(ctx, m, m.ChannelID, attempt, cause)
}

// Backoff is the retry delay for a failed attempt: 30s doubling per attempt,
// capped at 5 minutes.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		return maxDelay
	}
	d := baseDelay << (attempt - 1)
	if d > maxDelay {
		return maxDelay
	}
	return d
}
