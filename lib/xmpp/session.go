package xmpp

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roverhub/roverhub/lib/store"
)

// Canned wire fragments. The stream header id is a constant; the
// legacy clients never inspect it.
const (
	streamHeader = `<stream:stream xmlns:stream="` + nsStream + `" xmlns="` + nsClient + `" version="1.0" id="1" from="` + ServerID + `">`

	featuresStartTLS = `<stream:features><starttls xmlns="` + nsTLS + `"><required/></starttls><mechanisms xmlns="` + nsSASL + `"><mechanism>PLAIN</mechanism></mechanisms></stream:features>`

	featuresSASL = `<stream:features><mechanisms xmlns="` + nsSASL + `"><mechanism>PLAIN</mechanism></mechanisms></stream:features>`

	featuresBind = `<stream:features><bind xmlns="` + nsBind + `"/><session xmlns="` + nsSession + `"/></stream:features>`

	saslSuccess  = `<success xmlns="` + nsSASL + `"/>`
	saslResponse = `<response xmlns="` + nsSASL + `"/>`
	tlsProceed   = `<proceed xmlns="` + nsTLS + `"/>`

	streamClose = `</stream:stream>`
)

// botCompany is recorded for appliances registered through the legacy
// XMPP path.
const botCompany = "eco-legacy"

// clientRealm is recorded for controllers registered at SASL time.
const clientRealm = "roverhub"

// Session is one accepted TCP connection: its state machine, peer
// identity, write side of the transport, and ping scheduler. The read
// loop, STARTTLS upgrade, and all stanza handling run on the owning
// goroutine; sends from routing peers are serialized by writeMu.
type Session struct {
	cfg    *Config
	router *Router
	creds  store.Store
	tlsCfg *tls.Config
	log    *logrus.Entry
	botErr *logrus.Entry

	remoteAddr string
	tokenizer  *Tokenizer

	// writeMu serializes writes and guards transport replacement, so
	// two routing sources never interleave bytes and nothing is
	// written mid-upgrade.
	writeMu sync.Mutex
	conn    net.Conn

	mu          sync.RWMutex
	state       State
	kind        Kind
	uid         string
	devclass    string
	resource    string
	jid         string
	tlsUpgraded bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession wraps an accepted connection. The session starts in IDLE;
// Serve moves it to CONNECT.
func NewSession(conn net.Conn, cfg *Config, router *Router, creds store.Store, tlsCfg *tls.Config, log *logrus.Entry) *Session {
	addr := ""
	if conn.RemoteAddr() != nil {
		addr = conn.RemoteAddr().String()
	}
	return &Session{
		cfg:        cfg,
		router:     router,
		creds:      creds,
		tlsCfg:     tlsCfg,
		log:        log.WithField("addr", addr),
		botErr:     log.WithFields(logrus.Fields{"addr": addr, "component": "boterror"}),
		remoteAddr: addr,
		tokenizer:  NewTokenizer(cfg.MaxStanzaSize),
		conn:       conn,
		state:      StateIdle,
		done:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Kind returns the authenticated peer kind.
func (s *Session) Kind() Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kind
}

// UID returns the peer's user / serial-number identity.
func (s *Session) UID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uid
}

// JID returns the bound JID, or "" before BIND.
func (s *Session) JID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jid
}

// Resource returns the client resource string.
func (s *Session) Resource() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resource
}

// DevClass returns the device-class token, or "" for controllers.
func (s *Session) DevClass() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devclass
}

// TLSUpgraded reports whether STARTTLS has completed. Never reverts.
func (s *Session) TLSUpgraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tlsUpgraded
}

// RemoteAddr returns the peer address captured at accept.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Done is closed when the session reaches DISCONNECT.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// setState advances the state machine. States only increase; a
// backwards transition is an implementation fault and is returned as
// an error so the caller can force DISCONNECT.
func (s *Session) setState(next State) error {
	s.mu.Lock()
	if next < s.state {
		cur := s.state
		s.mu.Unlock()
		return &stateError{From: cur, To: next}
	}
	s.state = next
	s.mu.Unlock()

	s.log.WithField("state", next.String()).Debug("state change")
	if next == StateDisconnect {
		s.teardown()
	}
	return nil
}

// Disconnect forces the session into its terminal state.
func (s *Session) Disconnect() {
	_ = s.setState(StateDisconnect)
}

// teardown clears the online flags, closes the transport, and removes
// the session from the router. Runs exactly once.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)

		if bot := s.creds.BotGet(s.UID()); bot != nil {
			if err := s.creds.BotSetXMPP(bot.DID, false); err != nil {
				s.log.WithError(err).Warn("clearing bot online flag")
			}
		}
		if client := s.creds.ClientGet(s.Resource()); client != nil {
			if err := s.creds.ClientSetXMPP(client.Resource, false); err != nil {
				s.log.WithError(err).Warn("clearing client online flag")
			}
		}

		s.writeMu.Lock()
		s.conn.Close()
		s.writeMu.Unlock()

		s.router.Remove(s)
		s.log.WithField("jid", s.JID()).Debug("session closed")
	})
}

// send writes a stanza to the peer. Writes are serialized; errors are
// logged and swallowed, connection loss surfaces through the read
// loop.
func (s *Session) send(payload string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write([]byte(payload)); err != nil {
		s.log.WithError(err).Debug("write failed")
		return
	}
	s.log.WithFields(logrus.Fields{"jid": s.jidLocked(), "stanza": payload}).Debug("send")
}

func (s *Session) jidLocked() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jid
}

// Serve runs the session read loop until the peer disconnects or a
// fatal protocol fault occurs. It blocks; the server runs one
// goroutine per session.
func (s *Session) Serve() {
	defer s.Disconnect()

	if err := s.setState(StateConnect); err != nil {
		return
	}

	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		s.writeMu.Lock()
		conn := s.conn
		s.writeMu.Unlock()

		n, err := conn.Read(buf)
		if n > 0 {
			for _, ev := range s.tokenizer.Feed(buf[:n]) {
				if !s.handleEvent(ev) {
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				s.log.WithError(err).Debug("read failed")
			}
			return
		}
		if s.State() == StateDisconnect {
			return
		}
	}
}

// handleEvent dispatches one tokenizer event. A false return closes
// the session.
func (s *Session) handleEvent(ev Event) bool {
	switch ev.Type {
	case EventStreamOpen:
		return s.handleStreamOpen(ev)
	case EventStartTLS:
		return s.handleStartTLS()
	case EventAuth:
		return s.handleAuth(ev)
	case EventIQ:
		return s.handleIQ(ev)
	case EventPresence:
		s.handlePresence(ev.Element)
		return true
	case EventStreamClose:
		s.send(streamClose)
		s.Disconnect()
		return false
	case EventInvalid:
		s.log.WithFields(logrus.Fields{"raw": ev.Raw, "reason": ev.Reason}).Error("invalid data")
		return true
	default:
		return true
	}
}

// handleStreamOpen answers the stream header. In CONNECT it also
// captures the devclass from the to attribute and offers STARTTLS
// and/or SASL; in INIT (post-auth re-open) it offers bind + session.
func (s *Session) handleStreamOpen(ev Event) bool {
	switch s.State() {
	case StateConnect:
		if !strings.Contains(ev.Raw, nsClient) {
			s.send("</stream>")
			return true
		}
		if strings.HasSuffix(ev.To, BotDomainSuffix) {
			s.mu.Lock()
			s.devclass = strings.TrimSuffix(ev.To, BotDomainSuffix)
			s.mu.Unlock()
		}
		s.send(streamHeader)
		if s.TLSUpgraded() {
			s.send(featuresSASL)
		} else {
			s.send(featuresStartTLS)
		}
	case StateInit:
		if !strings.Contains(ev.Raw, nsClient) {
			s.send("</stream>")
			return true
		}
		s.send(streamHeader)
		s.send(featuresBind)
	default:
		s.log.WithField("state", s.State().String()).Debug("stream open ignored")
	}
	return true
}

// handleStartTLS performs the in-place TLS upgrade on the existing
// socket. A second request is a no-op. The upgrade holds the write
// lock for its whole duration so no stanza is routed onto the session
// between proceed and handshake completion.
func (s *Session) handleStartTLS() bool {
	if s.TLSUpgraded() {
		return true
	}
	if s.State() != StateConnect {
		s.log.WithField("state", s.State().String()).Error("starttls outside CONNECT")
		return false
	}
	if s.tlsCfg == nil {
		s.log.Error("starttls requested but no TLS material configured")
		return false
	}

	s.mu.Lock()
	s.tlsUpgraded = true // irreversible, set before proceed to bar retries
	s.mu.Unlock()

	s.writeMu.Lock()
	if _, err := s.conn.Write([]byte(tlsProceed)); err != nil {
		s.writeMu.Unlock()
		s.log.WithError(err).Error("starttls proceed write failed")
		return false
	}
	tlsConn := tls.Server(s.conn, s.tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		s.writeMu.Unlock()
		s.log.WithError(err).Error("TLS handshake failed")
		return false
	}
	s.conn = tlsConn
	s.writeMu.Unlock()

	s.log.Debug("connection upgraded with STARTTLS")
	return true
}

// handleAuth performs the SASL PLAIN handoff. A bot (non-empty
// devclass) authenticates unconditionally and is registered in the
// credentials store; a controller is checked against its stored
// authcode unless authentication is disabled. Failure replies with an
// empty <response/> for legacy client compatibility and stays in
// CONNECT.
func (s *Session) handleAuth(ev Event) bool {
	if s.State() != StateConnect {
		s.log.WithField("state", s.State().String()).Error("auth outside CONNECT")
		return false
	}
	if ev.Mechanism != "PLAIN" {
		s.log.WithField("mechanism", ev.Mechanism).Error("unsupported SASL mechanism")
		s.send(saslResponse)
		return true
	}

	creds, err := parsePlain(ev.Payload)
	if err != nil {
		s.log.WithError(err).Error("SASL payload rejected")
		s.send(saslResponse)
		return true
	}

	s.mu.Lock()
	s.uid = creds.UID
	if creds.Resource != "" {
		s.resource = creds.Resource
	}
	devclass := s.devclass
	s.mu.Unlock()

	if devclass != "" {
		if err := s.creds.BotAdd(creds.UID, creds.UID, devclass, BotResource, botCompany); err != nil {
			s.log.WithError(err).Warn("registering bot")
		}
		s.mu.Lock()
		s.kind = KindBot
		s.mu.Unlock()
		s.log.WithField("uid", creds.UID).Info("bot authenticated")
		s.send(saslSuccess)
		return s.advance(StateInit)
	}

	authed := s.creds.CheckAuthcode(creds.UID, creds.Authcode)
	if !authed && !s.cfg.UseAuth {
		authed = true
	}
	if !authed {
		s.log.WithField("uid", creds.UID).Info("authentication rejected")
		s.send(saslResponse)
		return true
	}

	if err := s.creds.ClientAdd(creds.UID, clientRealm, creds.Resource); err != nil {
		s.log.WithError(err).Warn("registering client")
	}
	s.mu.Lock()
	s.kind = KindController
	s.mu.Unlock()
	s.log.WithField("uid", creds.UID).Info("client authenticated")
	s.send(saslSuccess)
	return s.advance(StateInit)
}

// advance moves to the next state, closing the session on a state
// machine violation.
func (s *Session) advance(next State) bool {
	if err := s.setState(next); err != nil {
		s.log.WithError(err).Error("state machine violation")
		s.Disconnect()
		return false
	}
	return true
}

// handleIQ dispatches an iq stanza by its child element and the
// session state. Device errors reported in the raw text are surfaced
// on the boterror log before dispatch.
func (s *Session) handleIQ(ev Event) bool {
	el := ev.Element
	if strings.Contains(ev.Raw, `td="error"`) || strings.Contains(ev.Raw, "errs=") || strings.Contains(ev.Raw, `k="DeviceAlert`) {
		s.botErr.WithFields(logrus.Fields{"jid": s.JID(), "stanza": ev.Raw}).Error("device error reported")
	}

	child := ""
	if c := el.FirstChild(); c != nil {
		child = c.Local()
	}

	switch child {
	case "bind":
		if s.State() != StateInit {
			return true
		}
		return s.handleBind(el)
	case "session":
		if s.State() != StateBind {
			return true
		}
		return s.handleSession(el)
	case "ping":
		if s.State() != StateReady {
			return true
		}
		s.handlePing(el)
		return true
	case "query":
		if s.State() != StateReady {
			return true
		}
		if s.Kind() == KindBot {
			s.handleResult(ev)
		} else {
			s.handleCtl(ev)
		}
		return true
	default:
		if s.State() != StateReady {
			return true
		}
		switch el.Attr("type") {
		case "result", "set":
			s.handleResult(ev)
		}
		return true
	}
}

// handleBind assigns the JID and replies with the bind result. The
// online flag for the peer's stored record is set here.
func (s *Session) handleBind(el *Element) bool {
	if bot := s.creds.BotGet(s.UID()); bot != nil {
		if err := s.creds.BotSetXMPP(bot.DID, true); err != nil {
			s.log.WithError(err).Warn("setting bot online flag")
		}
	}
	if client := s.creds.ClientGet(s.Resource()); client != nil {
		if err := s.creds.ClientSetXMPP(client.Resource, true); err != nil {
			s.log.WithError(err).Warn("setting client online flag")
		}
	}

	var bindResource string
	if res := el.Find("resource"); res != nil {
		bindResource = strings.TrimSpace(res.Text)
	}

	s.mu.Lock()
	switch {
	case s.devclass != "":
		s.jid = s.uid + "@" + s.devclass + BotDomainSuffix + "/" + BotResource
	case bindResource != "":
		s.resource = bindResource
		s.jid = s.uid + "@" + ServerID + "/" + bindResource
	case s.resource != "":
		s.jid = s.uid + "@" + ServerID + "/" + s.resource
	default:
		s.jid = s.uid + "@" + ServerID
	}
	jid := s.jid
	s.mu.Unlock()

	s.log.WithField("jid", jid).Debug("bound")
	if !s.advance(StateBind) {
		return false
	}
	s.send(fmt.Sprintf(`<iq type="result" id="%s"><bind xmlns="%s"><jid>%s</jid></bind></iq>`, el.Attr("id"), nsBind, jid))
	return true
}

// handleSession establishes the session, moving to READY and starting
// the keepalive ping scheduler.
func (s *Session) handleSession(el *Element) bool {
	if !s.advance(StateReady) {
		return false
	}
	s.send(fmt.Sprintf(`<iq type="result" id="%s"/>`, el.Attr("id")))
	go s.pingLoop()
	return true
}

// pingLoop sends a server-to-client XMPP ping every interval while the
// session is READY. No pong is required; the loop is purely a
// keepalive generator and stops at DISCONNECT.
func (s *Session) pingLoop() {
	interval := s.cfg.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}

	ping := fmt.Sprintf(`<iq from="%s" to="%s" id="s2c1" type="get"><ping xmlns="%s"/></iq>`, ServerID, s.JID(), nsPing)
	s.send(ping)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.send(ping)
		}
	}
}

// handlePing answers pings addressed to the server (no @ in to) and
// forwards peer-to-peer pings to matching READY sessions.
func (s *Session) handlePing(el *Element) {
	to := el.Attr("to")
	if to == "" {
		return
	}
	if !strings.Contains(to, "@") {
		s.send(fmt.Sprintf(`<iq type="result" id="%s" from="%s"/>`, el.Attr("id"), to))
		return
	}
	if !el.HasAttr("from") {
		el.SetAttr("from", s.JID())
	}
	s.router.Deliver(s, to, el.String(), false)
}

// handleCtl processes a control command from a controller. Roster and
// disco queries are refused with feature-not-implemented; the Android
// com:sf binding set is acknowledged and not forwarded; everything
// else is forwarded to matching bots.
func (s *Session) handleCtl(ev Event) {
	el, raw := ev.Element, ev.Raw

	if strings.Contains(raw, "roster") || strings.Contains(raw, "disco#items") || strings.Contains(raw, "disco#info") {
		s.send(fmt.Sprintf(`<iq type="error" id="%s"><error type="cancel" code="501"><feature-not-implemented xmlns="%s"/></error></iq>`, el.Attr("id"), nsStanzas))
		return
	}

	if el.Attr("type") == "set" && strings.Contains(raw, "com:sf") && el.Attr("to") == BindDomain {
		s.send(fmt.Sprintf(`<iq id="%s" to="%s@%s/%s" from="%s" type="result"/>`, el.Attr("id"), s.UID(), ServerID, s.Resource(), BindDomain))
		return
	}

	to := el.Attr("to")
	if to == "" {
		return
	}
	if !el.HasAttr("from") {
		el.SetAttr("from", s.JID())
	}
	if n := s.router.Deliver(s, to, el.String(), true); n > 0 {
		s.log.WithFields(logrus.Fields{"to": to, "count": n}).Debug("ctl forwarded")
	}
}

// handleResult processes a bot result or event, or a bare result/set
// from either peer kind. A bot errno='103' triggers auto-enrollment;
// a bot result to de.ecorobot.net is broadcast to every live session;
// otherwise the destination is normalized to the server realm and the
// stanza delivered to matching READY peers.
func (s *Session) handleResult(ev Event) {
	el, raw := ev.Element, ev.Raw
	to := el.Attr("to")

	if !el.HasAttr("from") {
		el.SetAttr("from", s.JID())
	}
	if strings.Contains(raw, "errno") {
		s.log.WithField("stanza", raw).Error("error from bot")
	}
	if strings.Contains(raw, "errno='103'") {
		if s.Kind() == KindBot {
			s.enroll(el, to)
		}
		return
	}

	payload := el.String()

	if s.Kind() == KindBot && to == BroadcastDomain {
		n := s.router.Broadcast(payload)
		s.log.WithField("count", n).Debug("broadcast to all sessions")
		return
	}

	if to == "" {
		return
	}
	ctlTo := to
	if i := strings.IndexByte(to, '@'); i >= 0 {
		ctlTo = to[:i] + "@" + ServerID
	}

	if !strings.Contains(ctlTo, "@") {
		// Destination with no localpart: legacy fallback, deliver to
		// every READY peer.
		s.router.DeliverAll(s, payload)
		return
	}
	s.router.Deliver(s, ctlTo, payload, false)
}

// handlePresence replies statelessly to presence. A bot status
// presence additionally triggers a GetDeviceInfo query; a controller
// unavailable presence disconnects the session.
func (s *Session) handlePresence(el *Element) {
	dummy := fmt.Sprintf(`<presence to="%s"> dummy </presence>`, s.JID())

	if c := el.FirstChild(); c != nil && c.Local() == "status" {
		s.send(dummy)
		if s.Kind() == KindBot {
			s.send(fmt.Sprintf(`<iq type="set" id="14" to="%s" from="%s"><query xmlns="%s"><ctl td="GetDeviceInfo"/></query></iq>`, s.JID(), ServerID, nsCtl))
		}
		return
	}

	switch el.Attr("type") {
	case "unavailable":
		s.Disconnect()
	default:
		s.send(dummy)
	}
}
