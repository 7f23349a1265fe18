package xmpp

import (
	"encoding/xml"
	"errors"
	"io"
	"regexp"
	"strings"
)

// EventType identifies the kind of logical element the tokenizer
// extracted from the byte stream.
type EventType int

const (
	// EventStreamOpen is a <stream:stream ...> start tag. The stream
	// opener never has a matching close within the same read.
	EventStreamOpen EventType = iota

	// EventStartTLS is a <starttls/> request.
	EventStartTLS

	// EventAuth is a complete <auth mechanism="...">payload</auth>.
	EventAuth

	// EventIQ is a complete iq element.
	EventIQ

	// EventPresence is a complete presence element.
	EventPresence

	// EventStreamClose is a lone </stream:stream>.
	EventStreamClose

	// EventInvalid is garbage or an unroutable element.
	EventInvalid
)

// String returns a human-readable event type name.
func (t EventType) String() string {
	switch t {
	case EventStreamOpen:
		return "STREAM_OPEN"
	case EventStartTLS:
		return "STARTTLS"
	case EventAuth:
		return "AUTH"
	case EventIQ:
		return "IQ"
	case EventPresence:
		return "PRESENCE"
	case EventStreamClose:
		return "STREAM_CLOSE"
	case EventInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// Event is one logical element extracted from the stream, in arrival
// order. Raw preserves the original text of the element: routing
// inspects raw bytes for substrings the parsed tree does not surface
// conveniently (errno='103', td="error", k="DeviceAlert).
type Event struct {
	Type EventType

	// To is the stream header's to attribute (EventStreamOpen).
	To string

	// Mechanism and Payload carry the SASL mechanism name and the
	// undecoded base64 payload (EventAuth).
	Mechanism string
	Payload   string

	// Element is the parsed tree (EventIQ, EventPresence).
	Element *Element

	// Raw is the original text of the element.
	Raw string

	// Reason describes why the bytes were invalid (EventInvalid).
	Reason string
}

// DefaultMaxStanzaSize is the maximum number of buffered bytes the
// tokenizer accepts while waiting for a stanza to complete. This
// prevents memory exhaustion from a peer that never closes an element.
const DefaultMaxStanzaSize = 65536

var (
	errStanzaTooLarge = errors.New("stanza exceeds maximum size")

	xmlPrologRE  = regexp.MustCompile(`^<\?xml[^>]*\?>`)
	streamToAttr = regexp.MustCompile(`(?:^|\s)to=["']([^"']+)["']`)
)

// Tokenizer turns the append-only byte stream of one peer into a
// sequence of stanza events. XMPP framing is not a well-formed
// document: the root <stream:stream> is never closed until session
// end, so the opener and the lone closer are recognized out of band
// and everything between is parsed as complete top-level elements.
type Tokenizer struct {
	buf strings.Builder
	max int
}

// NewTokenizer creates a tokenizer with the given buffered-stanza
// limit. A limit of 0 uses DefaultMaxStanzaSize.
func NewTokenizer(maxStanzaSize int) *Tokenizer {
	if maxStanzaSize <= 0 {
		maxStanzaSize = DefaultMaxStanzaSize
	}
	return &Tokenizer{max: maxStanzaSize}
}

// Feed appends a chunk of bytes and returns the events completed by
// it, in arrival order. Incomplete trailing data is buffered until the
// next call; it is a normal, recoverable condition.
func (t *Tokenizer) Feed(data []byte) []Event {
	t.buf.Write(data)
	if t.buf.Len() > t.max {
		raw := t.buf.String()
		t.buf.Reset()
		return []Event{{Type: EventInvalid, Raw: raw, Reason: errStanzaTooLarge.Error()}}
	}

	var events []Event
	rest := t.buf.String()
	for {
		var ev *Event
		var ok bool
		ev, rest, ok = nextEvent(rest)
		if ev != nil {
			events = append(events, *ev)
		}
		if !ok {
			break
		}
	}

	t.buf.Reset()
	t.buf.WriteString(rest)
	return events
}

// nextEvent extracts the leading event from s. It returns the event
// (nil if none), the remaining unconsumed input, and whether the
// caller should keep scanning. ok=false with a nil event means the
// leading data is incomplete and must be buffered.
func nextEvent(s string) (*Event, string, bool) {
	s = strings.TrimLeft(s, " \t\r\n")
	if s == "" {
		return nil, "", false
	}

	// Stray character data between stanzas is skipped, matching the
	// behavior of iterating a synthetic root that ignores loose text.
	if s[0] != '<' {
		idx := strings.IndexByte(s, '<')
		if idx < 0 {
			return nil, "", false
		}
		return nil, s[idx:], true
	}

	// Strip the XML prolog some clients send before the stream header.
	if strings.HasPrefix(s, "<?xml") {
		loc := xmlPrologRE.FindStringIndex(s)
		if loc == nil {
			return nil, s, false // prolog not complete yet
		}
		return nil, s[loc[1]:], true
	}

	if strings.HasPrefix(s, "</stream:stream>") {
		return &Event{Type: EventStreamClose, Raw: "</stream:stream>"}, s[len("</stream:stream>"):], true
	}

	if strings.HasPrefix(s, "<stream:stream") {
		end := strings.IndexByte(s, '>')
		if end < 0 {
			return nil, s, false // opener not complete yet
		}
		raw := s[:end+1]
		ev := &Event{Type: EventStreamOpen, Raw: raw}
		if m := streamToAttr.FindStringSubmatch(raw); m != nil {
			ev.To = m[1]
		}
		return ev, s[end+1:], true
	}

	// Anything else must be a complete top-level element.
	extent, err := elementExtent(s)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, s, false // await more bytes
		}
		// Garbage. A lone stream closer hiding behind it is still
		// honored as the end-of-session signal.
		ev := &Event{Type: EventInvalid, Raw: s, Reason: err.Error()}
		if strings.Contains(s, "</stream:stream>") {
			return ev, "</stream:stream>", true
		}
		return ev, "", false
	}

	raw := s[:extent]
	rest := s[extent:]
	el, perr := parseElement(raw)
	if perr != nil {
		return &Event{Type: EventInvalid, Raw: raw, Reason: perr.Error()}, rest, true
	}
	return classify(el, raw), rest, true
}

// classify maps a parsed top-level element to its event.
func classify(el *Element, raw string) *Event {
	switch el.Local() {
	case "starttls":
		return &Event{Type: EventStartTLS, Element: el, Raw: raw}
	case "auth":
		return &Event{
			Type:      EventAuth,
			Mechanism: el.Attr("mechanism"),
			Payload:   strings.TrimSpace(el.Text),
			Element:   el,
			Raw:       raw,
		}
	case "iq":
		return &Event{Type: EventIQ, Element: el, Raw: raw}
	case "presence":
		return &Event{Type: EventPresence, Element: el, Raw: raw}
	default:
		return &Event{Type: EventInvalid, Element: el, Raw: raw, Reason: "unsupported stanza " + el.Local()}
	}
}

// elementExtent returns the byte length of the first complete element
// of s. io.ErrUnexpectedEOF (or io.EOF) means the element has not
// fully arrived; other errors mean the bytes are not well-formed.
func elementExtent(s string) (int, error) {
	dec := xml.NewDecoder(strings.NewReader(s))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) && depth > 0 {
				return 0, io.ErrUnexpectedEOF
			}
			// A read cut off inside a tag surfaces as a syntax error
			// rather than io.EOF; it is still just incomplete data.
			var syn *xml.SyntaxError
			if errors.As(err, &syn) && strings.Contains(syn.Msg, "unexpected EOF") {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
			if depth == 0 {
				return int(dec.InputOffset()), nil
			}
		}
	}
}
