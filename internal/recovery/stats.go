package recovery

import (
	"context"
	"encoding/json"

	"github.com/waveline/bridge-gateway/internal/core"
	"github.com/waveline/bridge-gateway/internal/keystore"
)

// ChannelStats describes one channel's parked failures.
type ChannelStats struct {
	ChannelID    string `json:"channel_id"`
	PhoneNumber  string `json:"phone_number"`
	FailedCount  int    `json:"failed_count"`
	OldestFailed *int64 `json:"oldest_failed_at,omitempty"`
}

// ChannelStats reports the failure-queue depth and oldest failure timestamp
// for one channel.
func (s *Sweeper) ChannelStats(ctx context.Context, ch *core.Channel) (ChannelStats, error) {
	key := keystore.FailedQueueKey(ch.ID)
	out := ChannelStats{ChannelID: ch.ID, PhoneNumber: ch.PhoneNumber}

	n, err := s.queue.Len(ctx, key)
	if err != nil {
		return out, err
	}
	out.FailedCount = n
	if n == 0 {
		return out, nil
	}

	payload, found, err := s.queue.PeekOldest(ctx, key)
	if err != nil {
		return out, err
	}
	if found {
		var rec core.FailureRecord
		// A malformed head entry just leaves the timestamp empty.
		if json.Unmarshal(payload, &rec) == nil {
			out.OldestFailed = &rec.FailedAt
		}
	}
	return out, nil
}

// Stats aggregates ChannelStats across all bridge channels, omitting
// channels with an empty queue.
func (s *Sweeper) Stats(ctx context.Context) ([]ChannelStats, error) {
	channels, err := s.store.ListChannelsByProvider(ctx, core.ProviderBridge)
	if err != nil {
		return nil, err
	}
	var out []ChannelStats
	for i := range channels {
		st, err := s.ChannelStats(ctx, &channels[i])
		if err != nil {
			return nil, err
		}
		if st.FailedCount > 0 {
			out = append(out, st)
		}
	}
	return out, nil
}
