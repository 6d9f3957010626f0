package api

import (
	"testing"

	"github.com/matheus3301/pulse/internal/backend"
	"github.com/matheus3301/pulse/internal/model"
)

func TestRecordSurvivesStruct(t *testing.T) {
	rec := backend.Record{
		"id": "1", "conversation_id": "c1", "sender_id": "alice", "receiver_id": "bob",
		"status": "delivered", "created_at": int64(1_700_000_000_123), "is_read": false,
	}
	s, err := ToStruct(rec)
	if err != nil {
		t.Fatal(err)
	}
	m, err := model.DecodeMessage(FromStruct(s))
	if err != nil {
		t.Fatal(err)
	}
	if got := m.CreatedAt.UnixMilli(); got != 1_700_000_000_123 {
		t.Errorf("created_at = %d, want 1700000000123", got)
	}
	if m.Status != model.StatusDelivered {
		t.Errorf("status = %s, want delivered", m.Status)
	}
}

func TestFilterEncoding(t *testing.T) {
	want := backend.UnreadMessagesFilter("bob")
	s, err := Args{"table": "messages", "filter": Filter(want)}.Struct()
	if err != nil {
		t.Fatal(err)
	}
	got := filterOf(FromStruct(s))
	if got.Eq["receiver_id"] != "bob" || got.Neq["status"] != "read" {
		t.Errorf("filter = %+v, want %+v", got, want)
	}
}

func TestDiffEncoding(t *testing.T) {
	in := backend.PresenceDiff{Joins: []backend.Record{{"user_id": "alice"}}}
	s, err := Diff(in).Struct()
	if err != nil {
		t.Fatal(err)
	}
	out, err := DiffOf(FromStruct(s))
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Joins) != 1 || out.Joins[0]["user_id"] != "alice" || len(out.Leaves) != 0 {
		t.Errorf("diff = %+v", out)
	}
}

func TestMethodName(t *testing.T) {
	if got := Method("OpenChannel"); got != "/pulse.v1.Feed/OpenChannel" {
		t.Errorf("Method = %q", got)
	}
}
