package history

// Payload is the bulk history-sync body delivered by the bridge on
// (re)connection: past contacts and/or messages.
type Payload struct {
	Contacts []ContactEntry `json:"contacts"`
	Messages []RawMessage   `json:"messages"`
	// Progress, when present, signals the bridge has more history to page
	// through.
	Progress int `json:"progress,omitempty"`
}

// StatusUpdate is one delivery receipt from the bridge: the bridge's message
// id plus its new status code.
type StatusUpdate struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type ContactEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	VerifiedName string `json:"verifiedName,omitempty"`
}

// RawMessage is one transient history item; it is consumed into a persisted
// message or dropped.
type RawMessage struct {
	Key       *MessageKey `json:"key"`
	Content   *Content    `json:"message"`
	Timestamp int64       `json:"messageTimestamp"`
	Status    string      `json:"status,omitempty"`
}

type MessageKey struct {
	ID        string `json:"id"`
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
}

// Content is the nested content union. Exactly which variant is populated
// decides the message's classification.
type Content struct {
	Conversation string        `json:"conversation,omitempty"`
	ExtendedText *ExtendedText `json:"extendedTextMessage,omitempty"`
	Image        *Media        `json:"imageMessage,omitempty"`
	Audio        *Media        `json:"audioMessage,omitempty"`
	Video        *Media        `json:"videoMessage,omitempty"`
	Document     *Media        `json:"documentMessage,omitempty"`
	Sticker      *Media        `json:"stickerMessage,omitempty"`
	Reaction     *Reaction     `json:"reactionMessage,omitempty"`
	Edited       *EditedRef    `json:"editedMessage,omitempty"`
	Protocol     *ProtocolRef  `json:"protocolMessage,omitempty"`
	ContextInfo  *ContextInfo  `json:"messageContextInfo,omitempty"`
}

type ExtendedText struct {
	Text string `json:"text,omitempty"`
}

type Media struct {
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	URL      string `json:"url,omitempty"`
}

type Reaction struct {
	Text string `json:"text,omitempty"`
}

// EditedRef, ProtocolRef and ContextInfo carry internal bridge bookkeeping;
// their contents are irrelevant here, only their presence.
type EditedRef struct{}
type ProtocolRef struct{}
type ContextInfo struct{}
