package realtime

import (
	"strings"

	"github.com/matheus3301/pulse/internal/backend"
)

// Topic prefixes, shared with the backend.
const (
	ConversationPrefix  = backend.ConversationPrefix
	InboxPrefix         = backend.InboxPrefix
	NotificationsPrefix = backend.NotificationsPrefix
	PresencePrefix      = backend.PresencePrefix

	PresenceTopic = backend.PresenceTopic
)

// Kind selects which changes a subscription delivers.
type Kind string

const (
	KindInsert   Kind = "insert"
	KindUpdate   Kind = "update"
	KindPresence Kind = "presence"
)

// ConversationTopic is the channel carrying every message of one conversation.
func ConversationTopic(conversationID string) string {
	return ConversationPrefix + conversationID
}

// InboxTopic is the channel carrying messages addressed to a user.
func InboxTopic(userID string) string {
	return InboxPrefix + userID
}

// NotificationsTopic is the channel carrying a user's notification rows.
func NotificationsTopic(userID string) string {
	return NotificationsPrefix + userID
}

// TableFor returns the table whose rows flow on topic, or "" for topics that
// carry presence only.
func TableFor(topic string) string {
	return backend.TableFor(topic)
}

// ConversationIDOf extracts the conversation id from a conversation topic.
func ConversationIDOf(topic string) (string, bool) {
	return strings.CutPrefix(topic, ConversationPrefix)
}

func defaultKinds(topic string) []Kind {
	if strings.HasPrefix(topic, PresencePrefix) {
		return []Kind{KindPresence}
	}
	return []Kind{KindInsert, KindUpdate}
}
