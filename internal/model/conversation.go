package model

import "time"

// Conversation is a one-to-one thread between two users.
type Conversation struct {
	ID            string
	ParticipantA  string
	ParticipantB  string
	LastMessageAt time.Time
}

// CanonicalPair orders two user ids so that the same pair always maps to
// the same conversation.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Has reports whether userID takes part in the conversation.
func (c Conversation) Has(userID string) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}
