package events

import (
	"encoding/json"
	"testing"
)

func TestSubjectChannelMapping(t *testing.T) {
	cases := []struct {
		channel string
		subject string
	}{
		{ChannelNotes, "driftwood.stream.notes"},
		{ChannelLocalNotes, "driftwood.stream.local_notes"},
		{ChannelNotifications, "driftwood.stream.notifications"},
		{UserChannel("0123456789abcdef"), "driftwood.stream.user.0123456789abcdef"},
		{NoteChannel("0123456789abcdef"), "driftwood.stream.channel.0123456789abcdef"},
	}

	for _, tc := range cases {
		t.Run(tc.channel, func(t *testing.T) {
			if got := subjectFor(tc.channel); got != tc.subject {
				t.Errorf("subjectFor(%q) = %q, want %q", tc.channel, got, tc.subject)
			}
			if got := channelFor(tc.subject); got != tc.channel {
				t.Errorf("channelFor(%q) = %q, want %q", tc.subject, got, tc.channel)
			}
		})
	}
}

func TestEventEnvelope(t *testing.T) {
	event := Event{Type: TypeNoteCreated, Body: json.RawMessage(`{"id":"n1"}`)}
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["type"]; !ok {
		t.Error("envelope must carry the type discriminator")
	}
	if _, ok := decoded["body"]; !ok {
		t.Error("envelope must carry the body payload")
	}

	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Type != TypeNoteCreated || string(back.Body) != `{"id":"n1"}` {
		t.Errorf("round trip = %+v", back)
	}
}
