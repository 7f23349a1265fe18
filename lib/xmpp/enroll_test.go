package xmpp

import (
	"strings"
	"testing"
)

// enrollSession builds a READY bot session with the bound identity the
// enrollment stanzas are addressed to.
func enrollSession(t *testing.T, cfg *Config) (*Session, *fakeConn) {
	t.Helper()
	s, conn, _, _ := newHandshakeSession(t, cfg)
	s.mu.Lock()
	s.kind, s.state, s.uid, s.devclass, s.jid = KindBot, StateReady, "SN123", "xyz", "SN123@xyz.ecorobot.net/atom"
	s.mu.Unlock()
	return s, conn
}

const permissionDenied = `<iq id="e1" type="result" to="user42@ecouser.net/mobile1"><query xmlns="com:ctl"><ctl td="error" errno='103' error='permission denied, please contact ownerA'/></query></iq>`

func TestEnroll_PermissionDenied(t *testing.T) {
	s, conn := enrollSession(t, nil)
	defer s.Disconnect()

	ctrlSess, ctrlConn := newTestPeer(s.router, KindController, StateReady, "user42", "user42@ecouser.net/mobile1")
	defer ctrlSess.Disconnect()

	drive(t, s, permissionDenied)
	got := conn.Sent()

	for _, want := range []string{
		`td="AddUser"`, `td="SetAC"`, `td="GetUserInfo"`,
		`jid="user42@ecouser.net"`,
		`from="ownerA"`,
		`to="SN123@xyz.ecorobot.net/atom"`,
		`<ac name="clean" allow="1"/>`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("enrollment output missing %q:\n%s", want, got)
		}
	}

	// The denied result itself is consumed, not routed.
	if ctrlConn.Sent() != "" {
		t.Errorf("errno result leaked to controller: %q", ctrlConn.Sent())
	}
}

func TestEnroll_FreshStanzaIDs(t *testing.T) {
	s, conn := enrollSession(t, nil)
	defer s.Disconnect()

	drive(t, s, permissionDenied)
	first := conn.Sent()
	conn.Reset()
	drive(t, s, permissionDenied)
	second := conn.Sent()

	firstID := extractAttr(t, first, `<iq type="set" id="`)
	secondID := extractAttr(t, second, `<iq type="set" id="`)
	if firstID == secondID {
		t.Errorf("enrollment reused stanza id %q", firstID)
	}
}

func extractAttr(t *testing.T, s, prefix string) string {
	t.Helper()
	i := strings.Index(s, prefix)
	if i < 0 {
		t.Fatalf("no %q in %q", prefix, s)
	}
	rest := s[i+len(prefix):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		t.Fatalf("unterminated attribute in %q", s)
	}
	return rest[:j]
}

func TestEnroll_Skipped(t *testing.T) {
	tests := []struct {
		name    string
		useAuth bool
		stanza  string
	}{
		{
			name:   "vendor temporary fuid account",
			stanza: `<iq id="e1" type="result" to="u@ecouser.net"><query xmlns="com:ctl"><ctl td="error" errno='103' error='permission denied, please contact fuid_12345'/></query></iq>`,
		},
		{
			name:   "vendor temporary fusername account",
			stanza: `<iq id="e1" type="result" to="u@ecouser.net"><query xmlns="com:ctl"><ctl td="error" errno='103' error='permission denied, please contact fusername_tmp'/></query></iq>`,
		},
		{
			name:   "no admin named",
			stanza: `<iq id="e1" type="result" to="u@ecouser.net"><query xmlns="com:ctl"><ctl td="error" errno='103'/></query></iq>`,
		},
		{
			name:   "no destination",
			stanza: `<iq id="e1" type="result"><query xmlns="com:ctl"><ctl td="error" errno='103' error='permission denied, please contact ownerA'/></query></iq>`,
		},
		{
			name:    "authcode enforcement on",
			useAuth: true,
			stanza:  permissionDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.UseAuth = tt.useAuth
			s, conn := enrollSession(t, cfg)
			defer s.Disconnect()

			drive(t, s, tt.stanza)
			if got := conn.Sent(); got != "" {
				t.Errorf("enrollment ran: %q", got)
			}
		})
	}
}

func TestEnroll_ControllerErrnoIgnored(t *testing.T) {
	s, conn, _, _ := newHandshakeSession(t, nil)
	defer s.Disconnect()
	s.mu.Lock()
	s.kind, s.state, s.uid, s.jid = KindController, StateReady, "user42", "user42@ecouser.net/mobile1"
	s.mu.Unlock()

	drive(t, s, `<iq id="e1" type="result" to="u@ecouser.net"><query xmlns="com:ctl"><ctl td="error" errno='103' error='permission denied, please contact ownerA'/></query></iq>`)
	if got := conn.Sent(); got != "" {
		t.Errorf("controller errno triggered enrollment: %q", got)
	}
}
