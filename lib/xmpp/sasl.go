package xmpp

import (
	"encoding/base64"
	"errors"
	"strings"
)

// SASL parse errors.
var (
	ErrAuthMalformed = errors.New("malformed SASL PLAIN payload")
	ErrAuthMechanism = errors.New("unsupported SASL mechanism")
)

// plainCredentials is the identity material extracted from a SASL
// PLAIN payload.
type plainCredentials struct {
	// UID is the controller username or bot serial number.
	UID string

	// Resource is the client resource, when the legacy payload forms
	// carry one. Empty for the plain RFC 4616 form.
	Resource string

	// Authcode is the trailing secret checked against the credentials
	// store for controllers.
	Authcode string
}

// parsePlain decodes a base64 SASL PLAIN payload. Two conventions are
// accepted besides the RFC 4616 authzid\0authcid\0passwd form: a
// four-field NUL-delimited \0authcid\0resource\0passwd, and a legacy
// slash-delimited authcid/resource/passwd where the first segment is
// itself NUL-prefixed. A payload without a NUL separator is rejected.
func parsePlain(payload string) (*plainCredentials, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrAuthMalformed
	}

	parts := strings.Split(string(raw), "/")
	fields := strings.Split(parts[0], "\x00")
	if len(fields) < 2 || fields[1] == "" {
		return nil, ErrAuthMalformed
	}

	creds := &plainCredentials{UID: fields[1]}

	switch {
	case len(parts) > 1:
		// Legacy slash form: authcid/resource[/authcode].
		creds.Resource = parts[1]
		if len(parts) > 2 {
			creds.Authcode = parts[2]
		}
	case len(fields) > 3:
		// Legacy four-field form: \0authcid\0resource\0authcode.
		creds.Resource = fields[2]
		creds.Authcode = fields[3]
	case len(fields) > 2:
		// RFC 4616: authzid\0authcid\0passwd.
		creds.Authcode = fields[2]
	}

	return creds, nil
}
