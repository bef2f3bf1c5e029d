package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	payload, _ := json.Marshal(TypingPayload{ConversationID: "c1", SenderID: "u1", Typing: true})

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{
			name: "valid typing envelope",
			env:  Envelope{V: Version, Type: TypeTyping, ID: "e1", TS: now, Payload: payload},
		},
		{
			name:    "missing version",
			env:     Envelope{Type: TypeTyping, ID: "e1", TS: now},
			wantErr: true,
		},
		{
			name:    "wrong version",
			env:     Envelope{V: "v2", Type: TypeTyping, ID: "e1", TS: now},
			wantErr: true,
		},
		{
			name:    "missing type",
			env:     Envelope{V: Version, ID: "e1", TS: now},
			wantErr: true,
		},
		{
			name:    "unknown type",
			env:     Envelope{V: Version, Type: "presence_wave", ID: "e1", TS: now},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestEnvelopeValidate_AllKnownTypes(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{
		TypeAttach, TypeAttached, TypeMessage, TypeTyping,
		TypePresenceEnter, TypePresenceLeave, TypePresenceSync, TypeError,
	} {
		env := Envelope{V: Version, Type: typ}
		if err := env.Validate(); err != nil {
			t.Fatalf("type %q should validate: %v", typ, err)
		}
	}
}
