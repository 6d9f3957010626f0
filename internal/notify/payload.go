package notify

import (
	"github.com/matheus3301/pulse/internal/model"
)

// Source is what produced a trigger.
type Source string

const (
	SourceMessage      Source = "message"
	SourceNotification Source = "notification"
)

// Trigger is an event that may surface a notification.
type Trigger struct {
	Source         Source
	ActorID        string
	ConversationID string
	MessageID      string
	NotificationID string
	Type           model.MessageType
	Content        string
}

// FromMessage builds a trigger for a received message.
func FromMessage(m model.Message) Trigger {
	return Trigger{
		Source:         SourceMessage,
		ActorID:        m.SenderID,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Type:           m.Type,
		Content:        m.Content,
	}
}

// FromNotification builds a trigger for a notification row.
func FromNotification(n model.Notification) Trigger {
	return Trigger{
		Source:         SourceNotification,
		ActorID:        n.ActorID,
		ConversationID: n.ConversationID,
		MessageID:      n.MessageID,
		NotificationID: n.ID,
		Type:           model.TypeText,
		Content:        n.Content,
	}
}

// Key is the dedup key of the trigger.
func (t Trigger) Key() string {
	if t.Source == SourceNotification {
		return "notification_" + t.NotificationID
	}
	return "message_" + t.MessageID
}

// Metadata keys attached to every payload.
const (
	MetaConversationID = "conversation_id"
	MetaSenderID       = "sender_id"
	MetaMessageID      = "message_id"
)

// Payload is a rendered notification handed to a Surface.
type Payload struct {
	Key        string
	Title      string
	Body       string
	Foreground bool
	Metadata   map[string]string
}

// Route is where a tapped notification should take the UI.
type Route struct {
	ConversationID string
	SenderID       string
	MessageID      string
}

// RouteOf extracts the routing metadata of a payload.
func RouteOf(p Payload) Route {
	return Route{
		ConversationID: p.Metadata[MetaConversationID],
		SenderID:       p.Metadata[MetaSenderID],
		MessageID:      p.Metadata[MetaMessageID],
	}
}

var typeLabels = map[model.MessageType]string{
	model.TypeImage:   "Photo",
	model.TypeVideo:   "Video",
	model.TypeVoice:   "Voice message",
	model.TypeSticker: "Sticker",
}

// body renders the visible text: literal content for text and system
// messages, a fixed label for media.
func body(t Trigger) string {
	if label, ok := typeLabels[t.Type]; ok {
		return label
	}
	return t.Content
}

func build(t Trigger, foreground bool) Payload {
	return Payload{
		Key:        t.Key(),
		Title:      t.ActorID,
		Body:       body(t),
		Foreground: foreground,
		Metadata: map[string]string{
			MetaConversationID: t.ConversationID,
			MetaSenderID:       t.ActorID,
			MetaMessageID:      t.MessageID,
		},
	}
}
