// Package xmpp implements the roverhub XMPP control broker: a single
// TCP endpoint terminating a subset of XMPP 1.0 (STARTTLS, SASL PLAIN,
// resource binding) and routing iq/presence stanzas between bot and
// controller sessions.
package xmpp

import (
	"encoding/xml"
	"strings"
)

// Wire constants.
const (
	// ServerID is the server identity string used in stream headers,
	// controller JIDs, and server-originated pings.
	ServerID = "ecouser.net"

	// BotDomainSuffix is appended to a bot's devclass to form the bot
	// JID domain ("{devclass}.ecorobot.net").
	BotDomainSuffix = ".ecorobot.net"

	// BotResource is the fixed resource of every bot JID.
	BotResource = "atom"

	// BroadcastDomain addresses a bot result to every live session.
	BroadcastDomain = "de.ecorobot.net"

	// BindDomain receives com:sf set stanzas from Android clients and
	// is acknowledged with an empty result.
	BindDomain = "rl.ecorobot.net"
)

// XML namespaces.
const (
	nsStream  = "http://etherx.jabber.org/streams"
	nsClient  = "jabber:client"
	nsTLS     = "urn:ietf:params:xml:ns:xmpp-tls"
	nsSASL    = "urn:ietf:params:xml:ns:xmpp-sasl"
	nsBind    = "urn:ietf:params:xml:ns:xmpp-bind"
	nsSession = "urn:ietf:params:xml:ns:xmpp-session"
	nsStanzas = "urn:ietf:params:xml:ns:xmpp-stanzas"
	nsCtl     = "com:ctl"
	nsPing    = "urn:xmpp:ping"
)

// Element is a generic XML element tree for stanza payloads. It keeps
// attribute order and the element namespace so that forwarded stanzas
// round-trip through the canonical serializer.
type Element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []*Element `xml:",any"`
}

// parseElement parses a single complete XML element.
func parseElement(s string) (*Element, error) {
	var el Element
	if err := xml.Unmarshal([]byte(s), &el); err != nil {
		return nil, err
	}
	return &el, nil
}

// Local returns the element's local name with any namespace stripped.
func (e *Element) Local() string {
	return e.XMLName.Local
}

// Attr returns the value of the named attribute, or "" if absent.
// Namespace prefixes on attribute names are ignored.
func (e *Element) Attr(local string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// HasAttr reports whether the named attribute is present.
func (e *Element) HasAttr(local string) bool {
	for _, a := range e.Attrs {
		if a.Name.Local == local {
			return true
		}
	}
	return false
}

// SetAttr sets the named attribute, replacing any existing value.
func (e *Element) SetAttr(local, value string) {
	for i, a := range e.Attrs {
		if a.Name.Local == local {
			e.Attrs[i].Value = value
			return
		}
	}
	e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: local}, Value: value})
}

// FirstChild returns the first child element, or nil.
func (e *Element) FirstChild() *Element {
	if len(e.Children) == 0 {
		return nil
	}
	return e.Children[0]
}

// Find returns the first descendant (depth-first, including e itself)
// with the given local name, or nil.
func (e *Element) Find(local string) *Element {
	if e.XMLName.Local == local {
		return e
	}
	for _, c := range e.Children {
		if found := c.Find(local); found != nil {
			return found
		}
	}
	return nil
}

// canonicalNS maps element names to the namespace they must carry on
// the wire. Elements not listed inherit or carry no declaration; iq is
// explicitly listed with an empty namespace so a stray xmlns="com:ctl"
// picked up during parsing is dropped.
var canonicalNS = map[string]string{
	"iq":       "",
	"presence": "",
	"query":    nsCtl,
	"ping":     nsPing,
}

// String serializes the element canonically. Namespace declarations
// from the parsed input are discarded and reasserted from canonicalNS,
// so serialization never emits prefix artifacts and is idempotent with
// parsing (cleanup of a clean stanza is a no-op).
func (e *Element) String() string {
	var b strings.Builder
	e.write(&b, "")
	return b.String()
}

func (e *Element) write(b *strings.Builder, inherited string) {
	local := e.XMLName.Local
	b.WriteByte('<')
	b.WriteString(local)

	ns, forced := canonicalNS[local]
	if !forced {
		ns = e.XMLName.Space
	}
	if ns != "" && ns != inherited {
		b.WriteString(` xmlns="`)
		writeEscaped(b, ns)
		b.WriteByte('"')
	}
	if ns == "" {
		ns = inherited
	}

	for _, a := range e.Attrs {
		if isNamespaceDecl(a.Name) {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(a.Name.Local)
		b.WriteString(`="`)
		writeEscaped(b, a.Value)
		b.WriteByte('"')
	}

	text := strings.TrimSpace(e.Text)
	if text == "" && len(e.Children) == 0 {
		b.WriteString("/>")
		return
	}

	b.WriteByte('>')
	if text != "" {
		writeEscaped(b, text)
	}
	for _, c := range e.Children {
		c.write(b, ns)
	}
	b.WriteString("</")
	b.WriteString(local)
	b.WriteByte('>')
}

// isNamespaceDecl reports whether an attribute is an xmlns declaration
// (either the default "xmlns" or a prefixed "xmlns:foo").
func isNamespaceDecl(name xml.Name) bool {
	return name.Local == "xmlns" || name.Space == "xmlns"
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func writeEscaped(b *strings.Builder, s string) {
	xmlEscaper.WriteString(b, s)
}
