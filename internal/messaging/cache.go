package messaging

import (
	"slices"
	"time"

	"github.com/matheus3301/pulse/internal/model"
)

// cache holds one conversation's messages ordered by CreatedAt.
type cache struct {
	msgs          []model.Message
	lastMessageAt time.Time
}

func (cc *cache) indexID(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(cc.msgs, func(m model.Message) bool { return m.ID == id })
}

func (cc *cache) indexLocal(localID string) int {
	if localID == "" {
		return -1
	}
	return slices.IndexFunc(cc.msgs, func(m model.Message) bool { return m.LocalID == localID })
}

// insert places m after every entry created at or before it.
func (cc *cache) insert(m model.Message) {
	i := slices.IndexFunc(cc.msgs, func(x model.Message) bool { return x.CreatedAt.After(m.CreatedAt) })
	if i < 0 {
		cc.msgs = append(cc.msgs, m)
		return
	}
	cc.msgs = slices.Insert(cc.msgs, i, m)
}

// pendingEcho reports whether m looks like the server copy of an
// optimistic entry still in flight.
func (cc *cache) pendingEcho(m model.Message) bool {
	return slices.ContainsFunc(cc.msgs, func(x model.Message) bool {
		return x.IsOptimistic && x.Status == model.StatusSending &&
			x.SenderID == m.SenderID && x.ReceiverID == m.ReceiverID && x.Content == m.Content
	})
}

func (cc *cache) touch(at time.Time) {
	if at.After(cc.lastMessageAt) {
		cc.lastMessageAt = at
	}
}
