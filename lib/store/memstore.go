package store

import "sync"

// MemoryStore is an in-memory Store. It backs tests and authless
// deployments where records do not need to survive a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	bots      map[string]*Bot    // uid -> bot
	clients   map[string]*Client // resource -> client
	authcodes map[string]string  // uid -> code
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bots:      make(map[string]*Bot),
		clients:   make(map[string]*Client),
		authcodes: make(map[string]string),
	}
}

// BotAdd upserts a bot record.
func (m *MemoryStore) BotAdd(uid, did, devclass, resource, company string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.bots[uid]
	b := &Bot{UID: uid, DID: did, DevClass: devclass, Resource: resource, Company: company}
	if existing != nil {
		b.XMPPConnected = existing.XMPPConnected
	}
	m.bots[uid] = b
	return nil
}

// BotGet returns the bot with the given uid, or nil.
func (m *MemoryStore) BotGet(uid string) *Bot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.bots[uid]
	if b == nil {
		return nil
	}
	cp := *b
	return &cp
}

// BotSetXMPP sets the online flag of the bot with the given did.
func (m *MemoryStore) BotSetXMPP(did string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bots {
		if b.DID == did {
			b.XMPPConnected = online
			return nil
		}
	}
	return ErrBotNotFound
}

// ClientAdd upserts a client record.
func (m *MemoryStore) ClientAdd(userID, realm, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.clients[resource]
	c := &Client{UserID: userID, Realm: realm, Resource: resource}
	if existing != nil {
		c.XMPPConnected = existing.XMPPConnected
	}
	m.clients[resource] = c
	return nil
}

// ClientGet returns the client with the given resource, or nil.
func (m *MemoryStore) ClientGet(resource string) *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.clients[resource]
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// ClientSetXMPP sets the online flag of the client with the given
// resource.
func (m *MemoryStore) ClientSetXMPP(resource string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.clients[resource]
	if c == nil {
		return ErrClientNotFound
	}
	c.XMPPConnected = online
	return nil
}

// AuthcodeAdd records the authcode for a uid.
func (m *MemoryStore) AuthcodeAdd(uid, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authcodes[uid] = code
	return nil
}

// CheckAuthcode reports whether code matches the stored authcode.
func (m *MemoryStore) CheckAuthcode(uid, code string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.authcodes[uid]
	return ok && stored != "" && stored == code
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
