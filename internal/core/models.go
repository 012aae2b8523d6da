package core

import (
	"time"
)

// ProviderKind selects the delivery implementation for a channel.
type ProviderKind string

const (
	// ProviderBridge is the session-based multi-device bridge. Only channels
	// of this kind are handled by the retry and recovery machinery.
	ProviderBridge ProviderKind = "bridge"
	// ProviderCloudAPI is the hosted HTTP API variant; delivery for it lives
	// elsewhere and this core skips it.
	ProviderCloudAPI ProviderKind = "cloud_api"
)

// ProviderConfig is the per-channel bridge configuration. Managed externally,
// read-only here.
type ProviderConfig struct {
	BaseURL         string `json:"base_url"`
	SyncContacts    bool   `json:"sync_contacts"`
	SyncFullHistory bool   `json:"sync_full_history"`
	MarkAsRead      bool   `json:"mark_as_read"`
}

// Channel identifies one messaging-bridge session.
type Channel struct {
	ID          string         `json:"id"`
	PhoneNumber string         `json:"phone_number"`
	Provider    ProviderKind   `json:"provider"`
	Config      ProviderConfig `json:"config"`
	// SingleConversation pins every message from a contact to one
	// conversation instead of opening a new one per session.
	SingleConversation bool      `json:"single_conversation"`
	CreatedAt          time.Time `json:"created_at"`
}

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// AttemptMeta is the durable attempt metadata carried by an outbound message.
// It survives process restarts, so a recovered message resumes counting where
// it left off.
type AttemptMeta struct {
	RetryCount    int        `json:"retry_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// OutboundMessage is a unit of delivery work. Status transitions up to 'sent'
// are owned by the delivery dispatcher; 'delivered' and 'read' come from
// bridge status receipts keyed by SourceID.
type OutboundMessage struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	ChannelID      string        `json:"channel_id"`
	SourceID       string        `json:"source_id,omitempty"`
	Body           string        `json:"body"`
	Status         MessageStatus `json:"status"`
	Attempt        AttemptMeta   `json:"attempt"`
	CreatedAt      time.Time     `json:"created_at"`
}

// FailureRecord is the snapshot pushed onto a channel's failure queue when a
// message exhausts its retry ceiling. Immutable once written.
type FailureRecord struct {
	MessageID  string `json:"message_id"`
	FailedAt   int64  `json:"failed_at"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error"`
}

type Contact struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	SourceID    string    `json:"source_id"`
	PhoneNumber string    `json:"phone_number"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}

type ConversationStatus string

const (
	ConversationOpen     ConversationStatus = "open"
	ConversationResolved ConversationStatus = "resolved"
)

type Conversation struct {
	ID        string             `json:"id"`
	ChannelID string             `json:"channel_id"`
	ContactID string             `json:"contact_id"`
	Status    ConversationStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}

// InboundMessage is a persisted history message materialized by ingestion.
type InboundMessage struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	ChannelID      string        `json:"channel_id"`
	SourceID       string        `json:"source_id"`
	Direction      Direction     `json:"direction"`
	Body           string        `json:"body"`
	ContentType    string        `json:"content_type"`
	Status         MessageStatus `json:"status"`
	SentAt         time.Time     `json:"sent_at"`
	CreatedAt      time.Time     `json:"created_at"`
}
