package history

// ContentType is the classified kind of a history message.
type ContentType string

const (
	TypeText        ContentType = "text"
	TypeImage       ContentType = "image"
	TypeAudio       ContentType = "audio"
	TypeVideo       ContentType = "video"
	TypeFile        ContentType = "file"
	TypeSticker     ContentType = "sticker"
	TypeReaction    ContentType = "reaction"
	TypeEdited      ContentType = "edited"
	TypeProtocol    ContentType = "protocol"
	TypeContext     ContentType = "context"
	TypeUnsupported ContentType = "unsupported"
)

// Classify maps the populated content variant to its type. The order is
// fixed; the first populated variant wins.
func Classify(c *Content) ContentType {
	switch {
	case c == nil:
		return TypeUnsupported
	case c.Conversation != "" || c.ExtendedText != nil:
		return TypeText
	case c.Image != nil:
		return TypeImage
	case c.Audio != nil:
		return TypeAudio
	case c.Video != nil:
		return TypeVideo
	case c.Document != nil:
		return TypeFile
	case c.Sticker != nil:
		return TypeSticker
	case c.Reaction != nil:
		return TypeReaction
	case c.Edited != nil:
		return TypeEdited
	case c.Protocol != nil:
		return TypeProtocol
	case c.ContextInfo != nil:
		return TypeContext
	default:
		return TypeUnsupported
	}
}

// Excluded reports whether a classification is internal bridge bookkeeping
// that must never be persisted. The check runs before the dedup claim, so
// filtered items never touch the cache.
func Excluded(t ContentType) bool {
	return t == TypeProtocol || t == TypeContext || t == TypeUnsupported
}

// Text selects the display text for a message: plain text first, then the
// extended-text body, then media captions, then reaction text.
func Text(c *Content) string {
	switch {
	case c == nil:
		return ""
	case c.Conversation != "":
		return c.Conversation
	case c.ExtendedText != nil && c.ExtendedText.Text != "":
		return c.ExtendedText.Text
	case c.Image != nil && c.Image.Caption != "":
		return c.Image.Caption
	case c.Video != nil && c.Video.Caption != "":
		return c.Video.Caption
	case c.Document != nil && c.Document.Caption != "":
		return c.Document.Caption
	case c.Reaction != nil:
		return c.Reaction.Text
	default:
		return ""
	}
}
