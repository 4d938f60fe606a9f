package api

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRefID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare id", `"u1"`, "u1"},
		{"populated", `{"_id":"u2","username":"bob"}`, "u2"},
		{"populated with id", `{"id":"u3"}`, "u3"},
		{"null", `null`, ""},
		{"number", `42`, ""},
		{"empty", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Ref(tt.input).ID(); got != tt.want {
				t.Errorf("Ref(%s).ID() = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		input string
		want  time.Time
	}{
		{"2024-01-15T10:00:00Z", time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)},
		{"2024-01-15T10:00:00.123Z", time.Date(2024, 1, 15, 10, 0, 0, 123000000, time.UTC)},
		{"2024-01-15T12:00:00+02:00", time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)},
		{"2024-01-15T10:00:00", time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)},
		{"", time.Time{}},
		{"invalid", time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseTimestamp(tt.input)
			if !got.Equal(tt.want) {
				t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAPIMessageToModel(t *testing.T) {
	raw := `{
		"_id": "msg-1",
		"conversationId": "c1",
		"sender": {"_id": "u1", "username": "alice"},
		"receiver": "u2",
		"content": "hi",
		"isRead": true,
		"createdAt": "2024-01-15T10:00:00Z"
	}`

	var m APIMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got := m.ToModel()
	if got.SenderID != "u1" {
		t.Errorf("SenderID = %q, want %q", got.SenderID, "u1")
	}
	if got.ReceiverID != "u2" {
		t.Errorf("ReceiverID = %q, want %q", got.ReceiverID, "u2")
	}
	if !got.Read {
		t.Error("Read = false, want true")
	}
	if got.Provisional() {
		t.Error("canonical message reported provisional")
	}
}

func TestAPIMessageToModelPrefersFlatIDs(t *testing.T) {
	m := APIMessage{ID: "msg-1", SenderID: "flat", Sender: Ref(`{"_id":"nested"}`)}
	if got := m.ToModel().SenderID; got != "flat" {
		t.Errorf("SenderID = %q, want %q", got, "flat")
	}
}

func TestAPICommentToModel(t *testing.T) {
	c := APIComment{ID: "c1", Post: Ref(`"p1"`), User: Ref(`{"_id":"u1"}`), Content: "nice"}
	got := c.ToModel()
	if got.PostID != "p1" || got.UserID != "u1" {
		t.Errorf("ToModel() = %+v, want post p1 user u1", got)
	}
}

func TestAPINotificationToModel(t *testing.T) {
	n := APINotification{ID: "n1", Type: "like", Sender: Ref(`{"_id":"u9"}`), PostID: "p1", IsRead: false}
	got := n.ToModel()
	if got.ActorID != "u9" {
		t.Errorf("ActorID = %q, want %q", got.ActorID, "u9")
	}
	if got.Read {
		t.Error("Read = true, want false")
	}
}
