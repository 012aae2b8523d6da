package core

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned for lookups of records that do not exist (or no
// longer exist). Schedulers treat it as a signal to discard the work unit.
var ErrNotFound = errors.New("record_not_found")

type Store struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// CreateChannel inserts a channel and returns its id. Channels are normally
// managed by the surrounding application; this exists for seeding and tests.
func (s *Store) CreateChannel(ctx context.Context, ch Channel) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO channels(phone_number, provider, base_url, sync_contacts, sync_full_history, mark_as_read, single_conversation)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, ch.PhoneNumber, ch.Provider, ch.Config.BaseURL, ch.Config.SyncContacts, ch.Config.SyncFullHistory, ch.Config.MarkAsRead, ch.SingleConversation).Scan(&id)
	return id, err
}

func (s *Store) FindChannel(ctx context.Context, id string) (*Channel, error) {
	var ch Channel
	err := s.DB.QueryRow(ctx, `
		SELECT id, phone_number, provider, base_url, sync_contacts, sync_full_history, mark_as_read, single_conversation, created_at
		FROM channels WHERE id=$1
	`, id).Scan(&ch.ID, &ch.PhoneNumber, &ch.Provider, &ch.Config.BaseURL, &ch.Config.SyncContacts,
		&ch.Config.SyncFullHistory, &ch.Config.MarkAsRead, &ch.SingleConversation, &ch.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// ListChannelsByProvider returns every channel of the given provider kind,
// oldest first. The recovery sweep iterates this.
func (s *Store) ListChannelsByProvider(ctx context.Context, kind ProviderKind) ([]Channel, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, phone_number, provider, base_url, sync_contacts, sync_full_history, mark_as_read, single_conversation, created_at
		FROM channels WHERE provider=$1 ORDER BY created_at
	`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.PhoneNumber, &ch.Provider, &ch.Config.BaseURL, &ch.Config.SyncContacts,
			&ch.Config.SyncFullHistory, &ch.Config.MarkAsRead, &ch.SingleConversation, &ch.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// CreateOutbound enqueues a pending outbound message in a conversation.
func (s *Store) CreateOutbound(ctx context.Context, conversationID, body string) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO messages(conversation_id, channel_id, direction, body, content_type, status)
		SELECT c.id, c.channel_id, 'outgoing', $2, 'text', 'pending' FROM conversations c WHERE c.id=$1
		RETURNING id
	`, conversationID, body).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

func (s *Store) FindOutbound(ctx context.Context, id string) (*OutboundMessage, error) {
	var m OutboundMessage
	var lastAt *time.Time
	var sourceID *string
	err := s.DB.QueryRow(ctx, `
		SELECT id, conversation_id, channel_id, source_id, body, status, retry_count, last_attempt_at, last_error, created_at
		FROM messages WHERE id=$1 AND direction='outgoing'
	`, id).Scan(&m.ID, &m.ConversationID, &m.ChannelID, &sourceID, &m.Body, &m.Status,
		&m.Attempt.RetryCount, &lastAt, &m.Attempt.LastError, &m.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sourceID != nil {
		m.SourceID = *sourceID
	}
	m.Attempt.LastAttemptAt = lastAt
	return &m, nil
}

// SetOutboundSource records the bridge's id for a delivered-to-bridge message
// so later status receipts can find it. Only the first send sets it.
func (s *Store) SetOutboundSource(ctx context.Context, id, sourceID string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE messages SET source_id=$2 WHERE id=$1 AND source_id IS NULL
	`, id, sourceID)
	return err
}

// UpdateStatusBySource applies a bridge delivery receipt to an outgoing
// message. Transitions are monotonic (sent -> delivered -> read); anything
// else is a no-op reported as ErrNotFound.
func (s *Store) UpdateStatusBySource(ctx context.Context, channelID, sourceID string, status MessageStatus) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE messages SET status=$3
		WHERE channel_id=$1 AND source_id=$2 AND direction='outgoing'
		  AND ((status='sent' AND $3 IN ('delivered','read')) OR (status='delivered' AND $3='read'))
	`, channelID, sourceID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateOutboundAttempt merges attempt metadata and the new status into the
// message in a single statement, so concurrent readers never observe a status
// without its matching attempt counters.
func (s *Store) UpdateOutboundAttempt(ctx context.Context, id string, status MessageStatus, meta AttemptMeta) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE messages SET status=$2, retry_count=$3, last_attempt_at=$4, last_error=$5
		WHERE id=$1 AND direction='outgoing'
	`, id, status, meta.RetryCount, meta.LastAttemptAt, meta.LastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed flips a message to failed without touching attempt metadata.
// Used by the stuck-message resubmitter when it cannot even re-enqueue.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `UPDATE messages SET status='failed' WHERE id=$1`, id)
	return err
}

// ListStuckOutgoing returns outgoing messages handed to the bridge but never
// confirmed by a delivery receipt, created within the window, oldest first.
// Confirmed messages ('delivered'/'read') are out of the resubmission window
// by definition.
func (s *Store) ListStuckOutgoing(ctx context.Context, channelID string, since time.Time) ([]OutboundMessage, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, conversation_id, channel_id, source_id, body, status, retry_count, last_attempt_at, last_error, created_at
		FROM messages
		WHERE channel_id=$1 AND direction='outgoing' AND status='sent' AND created_at > $2
		ORDER BY created_at
	`, channelID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OutboundMessage
	for rows.Next() {
		var m OutboundMessage
		var lastAt *time.Time
		var sourceID *string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ChannelID, &sourceID, &m.Body, &m.Status,
			&m.Attempt.RetryCount, &lastAt, &m.Attempt.LastError, &m.CreatedAt); err != nil {
			return nil, err
		}
		if sourceID != nil {
			m.SourceID = *sourceID
		}
		m.Attempt.LastAttemptAt = lastAt
		out = append(out, m)
	}
	return out, rows.Err()
}

// MessageExists reports whether a message with the external source id is
// already persisted. This is the permanent half of the ingestion dedup guard.
func (s *Store) MessageExists(ctx context.Context, sourceID string) (bool, error) {
	var one int
	err := s.DB.QueryRow(ctx, `SELECT 1 FROM messages WHERE source_id=$1`, sourceID).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpsertContact creates or refreshes a contact keyed by (channel, source id)
// and returns its id.
func (s *Store) UpsertContact(ctx context.Context, channelID, sourceID, phoneNumber, name string) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO contacts(channel_id, source_id, phone_number, name)
		VALUES($1,$2,$3,$4)
		ON CONFLICT (channel_id, source_id) DO UPDATE SET phone_number=EXCLUDED.phone_number, name=EXCLUDED.name
		RETURNING id
	`, channelID, sourceID, phoneNumber, name).Scan(&id)
	return id, err
}

func (s *Store) FindContactBySource(ctx context.Context, channelID, sourceID string) (*Contact, error) {
	var c Contact
	err := s.DB.QueryRow(ctx, `
		SELECT id, channel_id, source_id, phone_number, name, created_at
		FROM contacts WHERE channel_id=$1 AND source_id=$2
	`, channelID, sourceID).Scan(&c.ID, &c.ChannelID, &c.SourceID, &c.PhoneNumber, &c.Name, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ResolveConversation returns the conversation new messages for the contact
// belong to: the single pinned conversation when the channel enforces one per
// contact, else the open one, else a freshly created one.
func (s *Store) ResolveConversation(ctx context.Context, ch *Channel, contactID string) (string, error) {
	var id string
	var err error
	if ch.SingleConversation {
		err = s.DB.QueryRow(ctx, `
			SELECT id FROM conversations WHERE channel_id=$1 AND contact_id=$2 ORDER BY created_at LIMIT 1
		`, ch.ID, contactID).Scan(&id)
	} else {
		err = s.DB.QueryRow(ctx, `
			SELECT id FROM conversations WHERE channel_id=$1 AND contact_id=$2 AND status='open' ORDER BY created_at LIMIT 1
		`, ch.ID, contactID).Scan(&id)
	}
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return "", err
	}
	err = s.DB.QueryRow(ctx, `
		INSERT INTO conversations(channel_id, contact_id, status) VALUES($1,$2,'open') RETURNING id
	`, ch.ID, contactID).Scan(&id)
	return id, err
}

// CreateInbound persists an ingested history message.
func (s *Store) CreateInbound(ctx context.Context, m InboundMessage) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO messages(conversation_id, channel_id, source_id, direction, body, content_type, status, sent_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, m.ConversationID, m.ChannelID, m.SourceID, m.Direction, m.Body, m.ContentType, m.Status, m.SentAt).Scan(&id)
	return id, err
}
