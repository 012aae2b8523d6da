package history

import "strings"

// Bridge addressing servers for individual contacts. Group and broadcast
// JIDs use other servers and are excluded from ingestion.
const (
	serverUser       = "s.whatsapp.net"
	serverUserLegacy = "c.us"
)

// IsUserJID reports whether the JID belongs to an individual contact.
func IsUserJID(jid string) bool {
	i := strings.LastIndex(jid, "@")
	if i < 0 {
		return false
	}
	server := jid[i+1:]
	return server == serverUser || server == serverUserLegacy
}

// PhoneFromJID derives the canonical phone number from a user JID: the part
// before '@', stripped of the device suffix (':N') and agent suffix ('_N').
func PhoneFromJID(jid string) string {
	user := jid
	if i := strings.Index(user, "@"); i >= 0 {
		user = user[:i]
	}
	if i := strings.Index(user, ":"); i >= 0 {
		user = user[:i]
	}
	if i := strings.Index(user, "_"); i >= 0 {
		user = user[:i]
	}
	return user
}
