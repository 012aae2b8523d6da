// Package history ingests bulk history-sync payloads: contacts are upserted,
// messages are classified, filtered, deduplicated by source id and
// materialized into conversations. Ingestion is idempotent even when the same
// payload arrives concurrently from multiple webhook deliveries.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/waveline/bridge-gateway/internal/core"
	"github.com/waveline/bridge-gateway/internal/jobs"
	"github.com/waveline/bridge-gateway/internal/keystore"
	"github.com/waveline/bridge-gateway/internal/metrics"
)

const (
	JobName = "history.ingest"

	// ClaimTTL caps how long an abandoned processing claim can block a
	// source id; normal processing clears the claim itself.
	ClaimTTL = 24 * time.Hour

	// LockTTL bounds one channel's ingestion pass. Overlapping webhook
	// deliveries for the same channel are serialized behind this lock; the
	// engine re-runs the loser.
	LockTTL = 30 * time.Second

	lockRetryAttempts = 3
	lockRetryWait     = 3 * time.Second
)

// Args is the ingestion job payload: the channel plus the raw webhook body.
type Args struct {
	ChannelID string          `json:"channel_id"`
	Payload   json.RawMessage `json:"payload"`
}

type Store interface {
	FindChannel(ctx context.Context, id string) (*core.Channel, error)
	MessageExists(ctx context.Context, sourceID string) (bool, error)
	UpsertContact(ctx context.Context, channelID, sourceID, phoneNumber, name string) (string, error)
	FindContactBySource(ctx context.Context, channelID, sourceID string) (*core.Contact, error)
	ResolveConversation(ctx context.Context, ch *core.Channel, contactID string) (string, error)
	CreateInbound(ctx context.Context, m core.InboundMessage) (string, error)
}

// Hook is the "continue fetching older history" trigger, fired at most once
// per batch that created new messages.
type Hook interface {
	FetchOlderHistory(ctx context.Context, ch *core.Channel) error
}

type Ingester struct {
	store Store
	cache keystore.Cache
	locks keystore.Locker
	hook  Hook
	log   zerolog.Logger
}

// NewIngester builds an ingester; hook may be nil.
func NewIngester(store Store, cache keystore.Cache, locks keystore.Locker, hook Hook, log zerolog.Logger) *Ingester {
	return &Ingester{
		store: store,
		cache: cache,
		locks: locks,
		hook:  hook,
		log:   log.With().Str("component", "history").Logger(),
	}
}

func (ing *Ingester) Register(e *jobs.Engine) {
	e.Register(JobName, jobs.Registration{
		Handler:     ing.handle,
		MaxAttempts: lockRetryAttempts,
		RetryWait:   lockRetryWait,
	})
}

func (ing *Ingester) handle(ctx context.Context, raw json.RawMessage) error {
	var a Args
	if err := json.Unmarshal(raw, &a); err != nil {
		return fmt.Errorf("bad ingest args: %w", err)
	}
	ch, err := ing.store.FindChannel(ctx, a.ChannelID)
	if err != nil {
		return err
	}
	var p Payload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return fmt.Errorf("bad history payload: %w", err)
	}
	// One ingestion pass per channel at a time; ErrLockHeld bubbles to the
	// engine's fixed-spacing retry.
	return keystore.WithLock(ctx, ing.locks, keystore.HistoryLockKey(ch.ID), LockTTL, func(ctx context.Context) error {
		return ing.Ingest(ctx, ch, &p)
	})
}

// Ingest processes one history-sync payload, gated by the channel's sync
// flags.
func (ing *Ingester) Ingest(ctx context.Context, ch *core.Channel, p *Payload) error {
	if ch.Provider != core.ProviderBridge {
		return nil
	}
	if ch.Config.SyncContacts {
		ing.ingestContacts(ctx, ch, p.Contacts)
	}
	if ch.Config.SyncFullHistory {
		ing.ingestMessages(ctx, ch, p.Messages)
	}
	return nil
}

// ingestContacts upserts a contact per individual-JID entry. One bad entry
// never aborts the batch.
func (ing *Ingester) ingestContacts(ctx context.Context, ch *core.Channel, contacts []ContactEntry) {
	for _, c := range contacts {
		if !IsUserJID(c.ID) {
			metrics.IngestContacts.WithLabelValues("skipped").Inc()
			continue
		}
		phone := PhoneFromJID(c.ID)
		name := c.VerifiedName
		if name == "" {
			name = c.Name
		}
		if name == "" {
			name = phone
		}
		if _, err := ing.store.UpsertContact(ctx, ch.ID, phone, "+"+phone, name); err != nil {
			ing.log.Error().Err(err).Str("channel_id", ch.ID).Str("jid", c.ID).Msg("contact upsert failed")
			metrics.IngestContacts.WithLabelValues("error").Inc()
			continue
		}
		metrics.IngestContacts.WithLabelValues("created").Inc()
	}
}

func (ing *Ingester) ingestMessages(ctx context.Context, ch *core.Channel, messages []RawMessage) {
	created := 0
	for i := range messages {
		ok, err := ing.ingestMessage(ctx, ch, &messages[i])
		if err != nil {
			// Per-item boundary: record and continue.
			ing.log.Error().Err(err).Str("channel_id", ch.ID).Msg("message ingestion failed")
			metrics.IngestMessages.WithLabelValues("error").Inc()
			continue
		}
		if ok {
			created++
		}
	}
	if created > 0 && ing.hook != nil {
		// Fire once per batch, not once per message.
		if err := ing.hook.FetchOlderHistory(ctx, ch); err != nil {
			ing.log.Warn().Err(err).Str("channel_id", ch.ID).Msg("fetch-older-history trigger failed")
		}
	}
}

// ingestMessage runs the filter chain and materializes one message. A false
// return with nil error means the item was filtered, which is not an error.
func (ing *Ingester) ingestMessage(ctx context.Context, ch *core.Channel, raw *RawMessage) (bool, error) {
	if raw.Key == nil || raw.Key.ID == "" || raw.Key.RemoteJID == "" || raw.Content == nil || raw.Timestamp <= 0 {
		metrics.IngestMessages.WithLabelValues("filtered").Inc()
		return false, nil
	}
	if !IsUserJID(raw.Key.RemoteJID) {
		metrics.IngestMessages.WithLabelValues("filtered").Inc()
		return false, nil
	}
	kind := Classify(raw.Content)
	if Excluded(kind) {
		metrics.IngestMessages.WithLabelValues("filtered").Inc()
		return false, nil
	}

	sourceID := raw.Key.ID

	// Claim the source id before any lookups; this closes the race window
	// between two concurrent deliveries of the same message. The claim is
	// a processing lock, not the permanent dedup record, so it is cleared
	// on every exit path; permanence comes from the store presence check.
	claimed, err := ing.cache.SetNX(ctx, keystore.ProcessingKey(sourceID), ClaimTTL)
	if err != nil {
		return false, err
	}
	if !claimed {
		metrics.IngestMessages.WithLabelValues("claimed_elsewhere").Inc()
		return false, nil
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = ing.cache.Delete(dctx, keystore.ProcessingKey(sourceID))
	}()

	exists, err := ing.store.MessageExists(ctx, sourceID)
	if err != nil {
		return false, err
	}
	if exists {
		metrics.IngestMessages.WithLabelValues("duplicate").Inc()
		return false, nil
	}

	contact, err := ing.store.FindContactBySource(ctx, ch.ID, PhoneFromJID(raw.Key.RemoteJID))
	if errors.Is(err, core.ErrNotFound) {
		ing.log.Debug().Str("jid", raw.Key.RemoteJID).Msg("no contact for history message, skipping")
		metrics.IngestMessages.WithLabelValues("filtered").Inc()
		return false, nil
	}
	if err != nil {
		return false, err
	}

	convID, err := ing.store.ResolveConversation(ctx, ch, contact.ID)
	if err != nil {
		return false, err
	}

	direction := core.DirectionIncoming
	if raw.Key.FromMe {
		direction = core.DirectionOutgoing
	}

	_, err = ing.store.CreateInbound(ctx, core.InboundMessage{
		ConversationID: convID,
		ChannelID:      ch.ID,
		SourceID:       sourceID,
		Direction:      direction,
		Body:           Text(raw.Content),
		ContentType:    string(kind),
		Status:         MapStatus(raw.Status),
		SentAt:         time.Unix(raw.Timestamp, 0).UTC(),
	})
	if err != nil {
		return false, err
	}
	metrics.IngestMessages.WithLabelValues("created").Inc()
	return true, nil
}

// MapStatus converts a bridge delivery status code; unknown codes fall back
// to sent. History ingestion and the status-receipt webhook share it.
func MapStatus(code string) core.MessageStatus {
	switch code {
	case "PENDING":
		return core.StatusSent
	case "DELIVERY_ACK":
		return core.StatusDelivered
	case "READ":
		return core.StatusRead
	default:
		return core.StatusSent
	}
}
