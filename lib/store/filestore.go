package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// cacheSize bounds the number of bot and client records cached in
	// memory between file reads.
	cacheSize = 1024

	// cacheTTL is how long a cached record is served before the file
	// is consulted again.
	cacheTTL = 30 * time.Second
)

// document is the on-disk JSON layout.
type document struct {
	Bots      map[string]*Bot    `json:"bots"`      // uid -> bot
	Clients   map[string]*Client `json:"clients"`   // resource -> client
	Authcodes map[string]string  `json:"authcodes"` // uid -> code
}

func newDocument() *document {
	return &document{
		Bots:      make(map[string]*Bot),
		Clients:   make(map[string]*Client),
		Authcodes: make(map[string]string),
	}
}

// FileStore is a Store persisted as a single JSON document. Every
// mutation rewrites the file atomically; reads go through expiring
// LRU caches so the hot lookup paths avoid disk I/O.
type FileStore struct {
	mu   sync.Mutex
	path string

	botCache    *expirable.LRU[string, Bot]
	clientCache *expirable.LRU[string, Client]
}

// NewFileStore opens (or creates) the JSON store at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:        path,
		botCache:    expirable.NewLRU[string, Bot](cacheSize, nil, cacheTTL),
		clientCache: expirable.NewLRU[string, Client](cacheSize, nil, cacheTTL),
	}

	// Create the file up front so later read errors are real errors.
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.save(newDocument()); err != nil {
			return nil, fmt.Errorf("create store: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if _, err := s.load(); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

// load reads and decodes the document. Callers must hold mu if they
// intend to mutate and save the result.
func (s *FileStore) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	doc := newDocument()
	if len(data) > 0 {
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, err
		}
	}
	if doc.Bots == nil {
		doc.Bots = make(map[string]*Bot)
	}
	if doc.Clients == nil {
		doc.Clients = make(map[string]*Client)
	}
	if doc.Authcodes == nil {
		doc.Authcodes = make(map[string]string)
	}
	return doc, nil
}

// save writes the document atomically via a temp file and rename.
func (s *FileStore) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".roverhub-store-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

// mutate loads the document, applies fn, and saves the result. The
// caches are purged so the next read observes the mutation.
func (s *FileStore) mutate(fn func(doc *document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	if err := s.save(doc); err != nil {
		return err
	}
	s.botCache.Purge()
	s.clientCache.Purge()
	return nil
}

// BotAdd upserts a bot record, preserving its online flag.
func (s *FileStore) BotAdd(uid, did, devclass, resource, company string) error {
	return s.mutate(func(doc *document) error {
		b := &Bot{UID: uid, DID: did, DevClass: devclass, Resource: resource, Company: company}
		if existing := doc.Bots[uid]; existing != nil {
			b.XMPPConnected = existing.XMPPConnected
		}
		doc.Bots[uid] = b
		return nil
	})
}

// BotGet returns the bot with the given uid, or nil.
func (s *FileStore) BotGet(uid string) *Bot {
	if b, ok := s.botCache.Get(uid); ok {
		return &b
	}
	doc, err := s.load()
	if err != nil {
		return nil
	}
	b := doc.Bots[uid]
	if b == nil {
		return nil
	}
	s.botCache.Add(uid, *b)
	cp := *b
	return &cp
}

// BotSetXMPP sets the online flag of the bot with the given did.
func (s *FileStore) BotSetXMPP(did string, online bool) error {
	return s.mutate(func(doc *document) error {
		for _, b := range doc.Bots {
			if b.DID == did {
				b.XMPPConnected = online
				return nil
			}
		}
		return ErrBotNotFound
	})
}

// ClientAdd upserts a client record, preserving its online flag.
func (s *FileStore) ClientAdd(userID, realm, resource string) error {
	return s.mutate(func(doc *document) error {
		c := &Client{UserID: userID, Realm: realm, Resource: resource}
		if existing := doc.Clients[resource]; existing != nil {
			c.XMPPConnected = existing.XMPPConnected
		}
		doc.Clients[resource] = c
		return nil
	})
}

// ClientGet returns the client with the given resource, or nil.
func (s *FileStore) ClientGet(resource string) *Client {
	if c, ok := s.clientCache.Get(resource); ok {
		return &c
	}
	doc, err := s.load()
	if err != nil {
		return nil
	}
	c := doc.Clients[resource]
	if c == nil {
		return nil
	}
	s.clientCache.Add(resource, *c)
	cp := *c
	return &cp
}

// ClientSetXMPP sets the online flag of the client with the given
// resource.
func (s *FileStore) ClientSetXMPP(resource string, online bool) error {
	return s.mutate(func(doc *document) error {
		c := doc.Clients[resource]
		if c == nil {
			return ErrClientNotFound
		}
		c.XMPPConnected = online
		return nil
	})
}

// AuthcodeAdd records the authcode for a uid.
func (s *FileStore) AuthcodeAdd(uid, code string) error {
	return s.mutate(func(doc *document) error {
		doc.Authcodes[uid] = code
		return nil
	})
}

// CheckAuthcode reports whether code matches the stored authcode.
func (s *FileStore) CheckAuthcode(uid, code string) bool {
	doc, err := s.load()
	if err != nil {
		return false
	}
	stored, ok := doc.Authcodes[uid]
	return ok && stored != "" && stored == code
}

// Close releases the caches.
func (s *FileStore) Close() error {
	s.botCache.Purge()
	s.clientCache.Purge()
	return nil
}
