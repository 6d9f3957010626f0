package backend

import "strings"

// Topic prefixes. A topic names exactly one channel; the suffix selects the
// rows it carries.
const (
	ConversationPrefix  = "conversation:"
	InboxPrefix         = "messages:"
	NotificationsPrefix = "notifications:"
	PresencePrefix      = "presence:"

	// PresenceTopic is the shared room every online user joins.
	PresenceTopic = PresencePrefix + "users"
)

// TableFor returns the table whose rows flow on topic, or "" for topics that
// carry presence only.
func TableFor(topic string) string {
	switch {
	case strings.HasPrefix(topic, ConversationPrefix), strings.HasPrefix(topic, InboxPrefix):
		return TableMessages
	case strings.HasPrefix(topic, NotificationsPrefix):
		return TableNotifications
	default:
		return ""
	}
}
