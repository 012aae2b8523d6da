// Package recovery drains parked failures back into the delivery pipeline.
// A periodic low-priority trigger runs the sweep across every bridge channel;
// each cycle re-submits a bounded batch per channel with jittered delays so
// recovery never stampedes the bridge.
package recovery

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/waveline/bridge-gateway/internal/core"
	"github.com/waveline/bridge-gateway/internal/jobs"
	"github.com/waveline/bridge-gateway/internal/keystore"
	"github.com/waveline/bridge-gateway/internal/metrics"
	"github.com/waveline/bridge-gateway/internal/retry"
)

const (
	SweepJobName    = "recovery.sweep"
	ResubmitJobName = "delivery.resubmit-stuck"

	// BatchSize bounds how many parked records one cycle re-submits per
	// channel; longer queues spread across multiple cycles.
	BatchSize = 10

	jitterMin = 1 * time.Second
	jitterMax = 30 * time.Second

	// stuckWindow bounds how far back the resubmitter looks for messages
	// stuck awaiting bridge confirmation. The down marker shares the TTL so
	// an outage longer than the window resolves cleanly on its own.
	stuckWindow   = 24 * time.Hour
	downMarkerTTL = stuckWindow
)

type Store interface {
	ListChannelsByProvider(ctx context.Context, kind core.ProviderKind) ([]core.Channel, error)
	FindChannel(ctx context.Context, id string) (*core.Channel, error)
	FindOutbound(ctx context.Context, id string) (*core.OutboundMessage, error)
	ListStuckOutgoing(ctx context.Context, channelID string, since time.Time) ([]core.OutboundMessage, error)
	MarkFailed(ctx context.Context, id string) error
}

// Prober checks whether a channel's bridge session is currently usable.
type Prober interface {
	ValidateConfig(ctx context.Context, ch *core.Channel) error
}

type Sweeper struct {
	store Store
	probe Prober
	queue keystore.Queue
	cache keystore.Cache
	sched jobs.Scheduler
	log   zerolog.Logger
	now   func() time.Time
}

func NewSweeper(store Store, probe Prober, queue keystore.Queue, cache keystore.Cache, sched jobs.Scheduler, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store: store,
		probe: probe,
		queue: queue,
		cache: cache,
		sched: sched,
		log:   log.With().Str("component", "recovery").Logger(),
		now:   time.Now,
	}
}

func (s *Sweeper) Register(e *jobs.Engine) {
	e.Register(SweepJobName, jobs.Registration{Handler: s.handleSweep})
	e.Register(ResubmitJobName, jobs.Registration{Handler: s.handleResubmit})
}

func (s *Sweeper) handleSweep(ctx context.Context, _ json.RawMessage) error {
	return s.Sweep(ctx)
}

type resubmitArgs struct {
	ChannelID string `json:"channel_id"`
}

func (s *Sweeper) handleResubmit(ctx context.Context, raw json.RawMessage) error {
	var a resubmitArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return err
	}
	return s.ResubmitStuck(ctx, a.ChannelID)
}

// Sweep runs one recovery cycle over every bridge channel. Per-channel
// failures are logged and do not abort the cycle.
func (s *Sweeper) Sweep(ctx context.Context) error {
	channels, err := s.store.ListChannelsByProvider(ctx, core.ProviderBridge)
	if err != nil {
		return err
	}
	for i := range channels {
		ch := &channels[i]
		if _, err := s.SweepChannel(ctx, ch); err != nil {
			s.log.Error().Err(err).Str("channel_id", ch.ID).Msg("channel sweep failed")
		}
	}
	return nil
}

// SweepChannel re-submits up to BatchSize parked records for one channel and
// returns how many were scheduled. Records that no longer parse or reference
// a deleted message are dropped, never re-enqueued, so a poison record cannot
// wedge the queue.
func (s *Sweeper) SweepChannel(ctx context.Context, ch *core.Channel) (int, error) {
	marker := keystore.DownMarkerKey(ch.ID)
	if err := s.probe.ValidateConfig(ctx, ch); err != nil {
		// Bridge session is down; retrying now would just burn attempts.
		// The marker arms the stuck-message resubmit for when it comes back.
		s.log.Debug().Err(err).Str("channel_id", ch.ID).Msg("bridge unavailable, skipping sweep")
		metrics.RecoverySkipped.WithLabelValues("bridge_down").Inc()
		if _, merr := s.cache.SetNX(ctx, marker, downMarkerTTL); merr != nil {
			s.log.Error().Err(merr).Str("channel_id", ch.ID).Msg("down marker set failed")
		}
		return 0, nil
	}

	// Bridge is back after an observed outage: anything handed to the dead
	// session but never confirmed gets one resubmission pass.
	down, err := s.cache.Exists(ctx, marker)
	if err != nil {
		return 0, err
	}
	if down {
		if err := s.cache.Delete(ctx, marker); err != nil {
			return 0, err
		}
		if err := s.sched.Schedule(ctx, ResubmitJobName, resubmitArgs{ChannelID: ch.ID}, 0, jobs.PriorityLow); err != nil {
			return 0, err
		}
		s.log.Info().Str("channel_id", ch.ID).Msg("bridge back up, stuck resubmit scheduled")
	}

	key := keystore.FailedQueueKey(ch.ID)
	scheduled := 0
	for scheduled < BatchSize {
		batch, err := s.queue.PopBatch(ctx, key, 1)
		if err != nil {
			return scheduled, err
		}
		if len(batch) == 0 {
			break
		}

		var rec core.FailureRecord
		if err := json.Unmarshal(batch[0], &rec); err != nil {
			s.log.Error().Err(err).Str("channel_id", ch.ID).Msg("dropping malformed failure record")
			metrics.RecoverySkipped.WithLabelValues("bad_record").Inc()
			continue
		}
		if _, err := s.store.FindOutbound(ctx, rec.MessageID); err != nil {
			s.log.Error().Err(err).Str("message_id", rec.MessageID).Msg("dropping failure record for missing message")
			metrics.RecoverySkipped.WithLabelValues("message_gone").Inc()
			continue
		}

		delay := jitterMin + time.Duration(rand.Int63n(int64(jitterMax-jitterMin)))
		args := retry.Args{MessageID: rec.MessageID, IsRetry: true}
		if err := s.sched.Schedule(ctx, retry.JobName, args, delay, jobs.PriorityHigh); err != nil {
			return scheduled, err
		}
		scheduled++
		metrics.RecoveryRequeued.Inc()
		s.log.Info().Str("message_id", rec.MessageID).Dur("delay", delay).Msg("recovery retry scheduled")
	}

	if scheduled > 0 {
		s.log.Info().Str("channel_id", ch.ID).Int("count", scheduled).Msg("recovery cycle done")
	}
	return scheduled, nil
}

// ResubmitStuck re-enqueues outgoing messages of one channel still awaiting
// bridge confirmation within the window. Scheduling failures mark the message
// failed and move on.
func (s *Sweeper) ResubmitStuck(ctx context.Context, channelID string) error {
	ch, err := s.store.FindChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.Provider != core.ProviderBridge {
		return nil
	}

	stuck, err := s.store.ListStuckOutgoing(ctx, ch.ID, s.now().Add(-stuckWindow))
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		return nil
	}
	s.log.Info().Str("channel_id", ch.ID).Int("count", len(stuck)).Msg("resubmitting stuck messages")

	for _, m := range stuck {
		args := retry.Args{MessageID: m.ID}
		if err := s.sched.Schedule(ctx, retry.JobName, args, 0, jobs.PriorityHigh); err != nil {
			s.log.Error().Err(err).Str("message_id", m.ID).Msg("resubmit failed, marking message failed")
			if merr := s.store.MarkFailed(ctx, m.ID); merr != nil {
				s.log.Error().Err(merr).Str("message_id", m.ID).Msg("mark failed errored")
			}
		}
	}
	return nil
}
