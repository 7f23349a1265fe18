// Package store holds the credential and liveness records consumed by
// the XMPP broker: bots keyed by serial number, controller clients
// keyed by resource, and the authcodes controllers present during SASL.
package store

import "errors"

// Store errors.
var (
	ErrBotNotFound    = errors.New("bot not found")
	ErrClientNotFound = errors.New("client not found")
)

// Bot is a registered appliance.
type Bot struct {
	UID       string `json:"uid"`
	DID       string `json:"did"`
	DevClass  string `json:"devclass"`
	Resource  string `json:"resource"`
	Company   string `json:"company"`

	// XMPPConnected is the volatile online flag, set at bind and
	// cleared at disconnect.
	XMPPConnected bool `json:"xmpp_connected"`
}

// Client is a registered controller.
type Client struct {
	UserID   string `json:"userid"`
	Realm    string `json:"realm"`
	Resource string `json:"resource"`

	// XMPPConnected is the volatile online flag, set at bind and
	// cleared at disconnect.
	XMPPConnected bool `json:"xmpp_connected"`
}

// Store is the credentials interface the XMPP broker consumes. Adds
// are idempotent upserts. Lookups return nil when no record exists.
type Store interface {
	// BotAdd upserts a bot record.
	BotAdd(uid, did, devclass, resource, company string) error

	// BotGet returns the bot with the given uid, or nil.
	BotGet(uid string) *Bot

	// BotSetXMPP sets the online flag of the bot with the given did.
	BotSetXMPP(did string, online bool) error

	// ClientAdd upserts a client record.
	ClientAdd(userID, realm, resource string) error

	// ClientGet returns the client with the given resource, or nil.
	ClientGet(resource string) *Client

	// ClientSetXMPP sets the online flag of the client with the given
	// resource.
	ClientSetXMPP(resource string, online bool) error

	// AuthcodeAdd records the authcode for a uid.
	AuthcodeAdd(uid, code string) error

	// CheckAuthcode reports whether code matches the stored authcode
	// for uid. An empty stored code never matches.
	CheckAuthcode(uid, code string) bool

	// Close releases any resources held by the store.
	Close() error
}
