package xmpp

import (
	"encoding/base64"
	"testing"
)

func feedAll(t *testing.T, chunks ...string) []Event {
	t.Helper()
	tk := NewTokenizer(0)
	var events []Event
	for _, c := range chunks {
		events = append(events, tk.Feed([]byte(c))...)
	}
	return events
}

func TestTokenizer_StreamOpen(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		wantTo string
	}{
		{
			name:   "bot opener with to",
			input:  `<stream:stream to="xyz.ecorobot.net" xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" version="1.0">`,
			wantTo: "xyz.ecorobot.net",
		},
		{
			name:   "controller opener",
			input:  `<stream:stream to='ecouser.net' xmlns='jabber:client'>`,
			wantTo: "ecouser.net",
		},
		{
			name:   "opener behind xml prolog",
			input:  `<?xml version="1.0"?><stream:stream to="abc.ecorobot.net" xmlns="jabber:client">`,
			wantTo: "abc.ecorobot.net",
		},
		{
			name:   "attribute name ending in to is not the destination",
			input:  `<stream:stream auto="bad.example" to="xyz.ecorobot.net" xmlns="jabber:client">`,
			wantTo: "xyz.ecorobot.net",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := feedAll(t, tt.input)
			if len(events) != 1 {
				t.Fatalf("got %d events, want 1", len(events))
			}
			if events[0].Type != EventStreamOpen {
				t.Errorf("Type = %v, want STREAM_OPEN", events[0].Type)
			}
			if events[0].To != tt.wantTo {
				t.Errorf("To = %q, want %q", events[0].To, tt.wantTo)
			}
		})
	}
}

func TestTokenizer_FragmentedStanza(t *testing.T) {
	tk := NewTokenizer(0)

	if events := tk.Feed([]byte(`<iq id="q1" type="set" to="SN123@xyz.ecorobot.net"><query xmlns="com:ctl">`)); len(events) != 0 {
		t.Fatalf("incomplete stanza produced %d events", len(events))
	}
	// Cut inside a tag: surfaces as a syntax error internally, still
	// just incomplete data.
	if events := tk.Feed([]byte(`<ctl td="Cl`)); len(events) != 0 {
		t.Fatalf("mid-tag fragment produced %d events", len(events))
	}

	events := tk.Feed([]byte(`ean"/></query></iq>`))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != EventIQ {
		t.Fatalf("Type = %v, want IQ", ev.Type)
	}
	if got := ev.Element.Attr("id"); got != "q1" {
		t.Errorf("id = %q, want q1", got)
	}
	if ev.Element.Find("ctl") == nil {
		t.Error("ctl child not parsed")
	}
	if ev.Raw == "" {
		t.Error("raw bytes not preserved")
	}
}

func TestTokenizer_MultipleStanzasOneChunk(t *testing.T) {
	events := feedAll(t, `<iq id="a" type="result"/><presence type="available"/>`)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != EventIQ || events[1].Type != EventPresence {
		t.Errorf("got %v, %v; want IQ, PRESENCE", events[0].Type, events[1].Type)
	}
}

func TestTokenizer_StartTLS(t *testing.T) {
	events := feedAll(t, `<starttls xmlns="urn:ietf:params:xml:ns:xmpp-tls"/>`)
	if len(events) != 1 || events[0].Type != EventStartTLS {
		t.Fatalf("got %+v, want one STARTTLS", events)
	}
}

func TestTokenizer_Auth(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("\x00SN123\x00pw"))
	events := feedAll(t, `<auth xmlns="urn:ietf:params:xml:ns:xmpp-sasl" mechanism="PLAIN">`+payload+`</auth>`)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != EventAuth {
		t.Fatalf("Type = %v, want AUTH", ev.Type)
	}
	if ev.Mechanism != "PLAIN" {
		t.Errorf("Mechanism = %q, want PLAIN", ev.Mechanism)
	}
	if ev.Payload != payload {
		t.Errorf("Payload = %q, want %q", ev.Payload, payload)
	}
}

func TestTokenizer_LoneStreamClose(t *testing.T) {
	events := feedAll(t, `</stream:stream>`)
	if len(events) != 1 || events[0].Type != EventStreamClose {
		t.Fatalf("got %+v, want one STREAM_CLOSE", events)
	}
}

func TestTokenizer_StanzaThenStreamClose(t *testing.T) {
	events := feedAll(t, `<presence type="unavailable"/></stream:stream>`)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != EventPresence || events[1].Type != EventStreamClose {
		t.Errorf("got %v, %v; want PRESENCE, STREAM_CLOSE", events[0].Type, events[1].Type)
	}
}

func TestTokenizer_Garbage(t *testing.T) {
	events := feedAll(t, `<iq id="x"></presence>`)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != EventInvalid {
		t.Errorf("Type = %v, want INVALID", events[0].Type)
	}
	if events[0].Reason == "" {
		t.Error("invalid event carries no reason")
	}
}

func TestTokenizer_GarbageHidingStreamClose(t *testing.T) {
	events := feedAll(t, `<iq id="x"></wrong></stream:stream>`)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != EventInvalid || events[1].Type != EventStreamClose {
		t.Errorf("got %v, %v; want INVALID, STREAM_CLOSE", events[0].Type, events[1].Type)
	}
}

func TestTokenizer_StrayTextSkipped(t *testing.T) {
	events := feedAll(t, ` dummy <iq id="a" type="result"/>`)
	if len(events) != 1 || events[0].Type != EventIQ {
		t.Fatalf("got %+v, want one IQ", events)
	}
}

func TestTokenizer_UnsupportedStanza(t *testing.T) {
	events := feedAll(t, `<message to="x@ecouser.net"><body>hi</body></message>`)
	if len(events) != 1 || events[0].Type != EventInvalid {
		t.Fatalf("got %+v, want one INVALID", events)
	}
}

func TestTokenizer_OversizeBuffer(t *testing.T) {
	tk := NewTokenizer(64)
	big := `<iq id="a"><query xmlns="com:ctl">` // never completes
	var events []Event
	for i := 0; i < 10; i++ {
		events = append(events, tk.Feed([]byte(big))...)
	}
	if len(events) == 0 {
		t.Fatal("oversize buffer never flagged")
	}
	if events[0].Type != EventInvalid {
		t.Errorf("Type = %v, want INVALID", events[0].Type)
	}
}
