package backend

import "testing"

func TestTableFor(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"conversation:c1", TableMessages},
		{"messages:bob", TableMessages},
		{"notifications:bob", TableNotifications},
		{PresenceTopic, ""},
		{"unknown:x", ""},
	}
	for _, tt := range tests {
		if got := TableFor(tt.topic); got != tt.want {
			t.Errorf("TableFor(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}
