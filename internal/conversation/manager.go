package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/wingrelay/internal/agent"
	"github.com/ehrlich-b/wingrelay/internal/logger"
	"github.com/ehrlich-b/wingrelay/internal/store"
)

const DefaultHistoryLimit = 50

// Store is the durable side of the manager. *store.Store satisfies it.
type Store interface {
	UpsertConversation(r *store.ConversationRow) error
	GetConversation(sessionID string) (*store.ConversationRow, error)
	LoadActiveSince(since time.Time) ([]*store.ConversationRow, int, error)
	DeleteInactiveBefore(cutoff time.Time) ([]string, error)
	ListByOwner(ownerID, kind string) ([]store.ConversationInfo, error)
}

// ContextProvider supplies the system context for new primary conversations.
type ContextProvider interface {
	Load() string
}

type Options struct {
	HistoryLimit int
	Context      ContextProvider // nil means no system context
}

// Manager owns the in-memory working set. Conversations for distinct sessions can
// be created, appended and persisted concurrently.
type Manager struct {
	store Store
	opts  Options
	log   *slog.Logger
	now   func() time.Time

	mu      sync.RWMutex
	convs   map[string]*Conversation
	loading map[string]*loadCall

	persistMu sync.Mutex
	digests   map[string]string // last digest written per session
	dirty     map[string]*Conversation
	writing   map[string]*sync.Mutex // held from snapshot to digest update
}

type loadCall struct {
	done chan struct{}
	conv *Conversation
	err  error
}

func NewManager(st Store, opts Options) *Manager {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	return &Manager{
		store:   st,
		opts:    opts,
		log:     logger.With("conversation"),
		now:     func() time.Time { return time.Now().UTC() },
		convs:   make(map[string]*Conversation),
		loading: make(map[string]*loadCall),
		digests: make(map[string]string),
		dirty:   make(map[string]*Conversation),
		writing: make(map[string]*sync.Mutex),
	}
}

// GetOrCreate returns the session's conversation from memory, then from the
// store, and otherwise creates and persists a new one. Concurrent calls for the
// same session load it once.
func (m *Manager) GetOrCreate(sessionID string, kind agent.Kind, ownerID string) (*Conversation, error) {
	m.mu.Lock()
	if c := m.convs[sessionID]; c != nil {
		m.mu.Unlock()
		return c, nil
	}
	if call := m.loading[sessionID]; call != nil {
		m.mu.Unlock()
		<-call.done
		return call.conv, call.err
	}
	call := &loadCall{done: make(chan struct{})}
	m.loading[sessionID] = call
	m.mu.Unlock()

	call.conv, call.err = m.load(sessionID, kind, ownerID)

	m.mu.Lock()
	delete(m.loading, sessionID)
	if call.err == nil {
		m.convs[sessionID] = call.conv
	}
	m.mu.Unlock()
	close(call.done)
	return call.conv, call.err
}

func (m *Manager) load(sessionID string, kind agent.Kind, ownerID string) (*Conversation, error) {
	row, err := m.store.GetConversation(sessionID)
	if err != nil {
		// Creating a fresh conversation here would overwrite the stored one on persist.
		return nil, fmt.Errorf("load conversation %s: %w", sessionID, err)
	}
	if row != nil {
		c, err := unmarshalConversation(row.Data)
		if err == nil {
			m.persistMu.Lock()
			m.digests[sessionID] = row.Digest
			m.persistMu.Unlock()
			m.log.Info("conversation loaded from store", "session", sessionID, "messages", c.Len())
			return c, nil
		}
		m.log.Error("stored conversation unreadable, starting over", "session", sessionID, "error", err)
	}

	now := m.now()
	c := &Conversation{
		SessionID:    sessionID,
		Kind:         kind,
		OwnerID:      ownerID,
		CreatedAt:    now,
		lastActivity: now,
	}
	if kind == agent.Primary && m.opts.Context != nil {
		c.SystemContext = m.opts.Context.Load()
	}
	// A failed first write leaves the conversation dirty; it still serves the turn.
	m.Persist(c)
	m.log.Info("conversation created", "session", sessionID, "kind", kind, "owner", ownerID)
	return c, nil
}

// Get returns an in-memory conversation, or nil.
func (m *Manager) Get(sessionID string) *Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.convs[sessionID]
}

// Append adds a message and bumps the conversation's activity time. It does not
// persist; callers persist once per turn.
func (m *Manager) Append(c *Conversation, role Role, content string, attachments []agent.Attachment, metadata map[string]string) Message {
	msg := Message{
		Role:        role,
		Content:     content,
		Timestamp:   m.now(),
		Attachments: attachments,
		Metadata:    metadata,
	}
	c.mu.Lock()
	// Keep timestamps non-decreasing even if the wall clock steps back.
	if n := len(c.messages); n > 0 && msg.Timestamp.Before(c.messages[n-1].Timestamp) {
		msg.Timestamp = c.messages[n-1].Timestamp
	}
	c.messages = append(c.messages, msg)
	c.lastActivity = msg.Timestamp
	c.mu.Unlock()
	return msg
}

// Persist writes the conversation through to the store, skipping the write when
// nothing changed since the last one. On failure the conversation is kept dirty and
// retried on the next Persist call and on Flush. The error is informational.
func (m *Manager) Persist(c *Conversation) error {
	err := m.persistOne(c)
	m.retryDirty(c.SessionID)
	return err
}

// writeLock returns the mutex that orders writes for one session, so a retry
// holding an older snapshot cannot land after a newer write.
func (m *Manager) writeLock(sessionID string) *sync.Mutex {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	mu := m.writing[sessionID]
	if mu == nil {
		mu = new(sync.Mutex)
		m.writing[sessionID] = mu
	}
	return mu
}

func (m *Manager) persistOne(c *Conversation) error {
	lock := m.writeLock(c.SessionID)
	lock.Lock()
	defer lock.Unlock()

	data, count, last, err := c.marshal()
	if err != nil {
		m.log.Error("encode conversation", "session", c.SessionID, "error", err)
		return err
	}
	digest := store.Digest(data)

	m.persistMu.Lock()
	_, isDirty := m.dirty[c.SessionID]
	unchanged := !isDirty && m.digests[c.SessionID] == digest
	m.persistMu.Unlock()
	if unchanged {
		m.log.Debug("conversation unchanged, skipping write", "session", c.SessionID)
		return nil
	}

	err = m.store.UpsertConversation(&store.ConversationRow{
		SessionID:      c.SessionID,
		Kind:           string(c.Kind),
		OwnerID:        c.OwnerID,
		Data:           data,
		Digest:         digest,
		MessageCount:   count,
		CreatedAt:      c.CreatedAt,
		LastActivityAt: last,
	})

	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if err != nil {
		m.dirty[c.SessionID] = c
		m.log.Error("persist failed, will retry", "session", c.SessionID, "error", err)
		return fmt.Errorf("persist %s: %w", c.SessionID, err)
	}
	delete(m.dirty, c.SessionID)
	m.digests[c.SessionID] = digest
	m.log.Debug("conversation persisted", "session", c.SessionID, "messages", count)
	return nil
}

func (m *Manager) retryDirty(skip string) {
	for _, c := range m.dirtyList(skip) {
		if err := m.persistOne(c); err == nil {
			m.log.Info("deferred persist succeeded", "session", c.SessionID)
		}
	}
}

func (m *Manager) dirtyList(skip string) []*Conversation {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	out := make([]*Conversation, 0, len(m.dirty))
	for id, c := range m.dirty {
		if id != skip {
			out = append(out, c)
		}
	}
	return out
}

// Flush retries every conversation whose last write failed.
func (m *Manager) Flush() error {
	var errs []error
	for _, c := range m.dirtyList("") {
		if err := m.persistOne(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dirty returns the number of conversations waiting for a successful write.
func (m *Manager) Dirty() int {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	return len(m.dirty)
}

// HistoryForPrompt returns the last max messages (HistoryLimit when max <= 0) as
// role/content pairs, with attachments described inline.
func (m *Manager) HistoryForPrompt(c *Conversation, max int) []agent.Exchange {
	if max <= 0 {
		max = m.opts.HistoryLimit
	}
	msgs := c.Messages()
	if len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
	}
	out := make([]agent.Exchange, 0, len(msgs))
	for _, msg := range msgs {
		content := msg.Content
		if len(msg.Attachments) > 0 {
			lines := make([]string, len(msg.Attachments))
			for i, a := range msg.Attachments {
				lines[i] = a.Describe()
			}
			content += "\n\nAttachments:\n" + strings.Join(lines, "\n")
		}
		role := "user"
		if msg.Role == RoleAgent {
			role = "assistant"
		}
		out = append(out, agent.Exchange{Role: role, Content: content})
	}
	return out
}

// Warm loads every conversation active within window into memory and returns
// how many were loaded.
func (m *Manager) Warm(window time.Duration) (int, error) {
	rows, skipped, err := m.store.LoadActiveSince(m.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("warm conversations: %w", err)
	}
	loaded := 0
	for _, row := range rows {
		c, err := unmarshalConversation(row.Data)
		if err != nil {
			skipped++
			m.log.Error("skipping unreadable conversation", "session", row.SessionID, "error", err)
			continue
		}
		m.mu.Lock()
		if _, ok := m.convs[c.SessionID]; !ok {
			m.convs[c.SessionID] = c
			loaded++
		}
		m.mu.Unlock()
		m.persistMu.Lock()
		m.digests[c.SessionID] = row.Digest
		m.persistMu.Unlock()
	}
	m.log.Info("conversations warmed", "loaded", loaded, "skipped", skipped, "window", window)
	return loaded, nil
}

// Sweep deletes conversations inactive for longer than retention from the store
// and evicts them from memory. It returns the number deleted.
func (m *Manager) Sweep(retention time.Duration) (int, error) {
	cutoff := m.now().Add(-retention)
	ids, err := m.store.DeleteInactiveBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep conversations: %w", err)
	}
	for _, id := range ids {
		m.mu.Lock()
		// An in-memory copy with newer activity is kept; its next persist recreates the row.
		c := m.convs[id]
		evicted := c == nil || c.LastActivityAt().Before(cutoff)
		if evicted {
			delete(m.convs, id)
		}
		m.mu.Unlock()
		m.persistMu.Lock()
		delete(m.digests, id)
		if _, pending := m.dirty[id]; evicted && !pending {
			delete(m.writing, id)
		}
		m.persistMu.Unlock()
	}
	m.log.Info("conversation sweep", "deleted", len(ids), "retention", retention)
	return len(ids), nil
}

// Stats counts the in-memory working set.
type Stats struct {
	Total   int                `json:"total"`
	ByKind  map[agent.Kind]int `json:"by_agent_kind"`
	ByOwner map[string]int     `json:"by_owner"`
	Dirty   int                `json:"pending_writes"`
}

func (m *Manager) Stats() Stats {
	s := Stats{
		ByKind:  make(map[agent.Kind]int, len(agent.Kinds)),
		ByOwner: make(map[string]int),
	}
	for _, k := range agent.Kinds {
		s.ByKind[k] = 0
	}
	m.mu.RLock()
	s.Total = len(m.convs)
	for _, c := range m.convs {
		s.ByKind[c.Kind]++
		s.ByOwner[c.OwnerID]++
	}
	m.mu.RUnlock()
	s.Dirty = m.Dirty()
	return s
}

// List returns summaries of the in-memory conversations, most recent first,
// optionally filtered by kind.
func (m *Manager) List(kind agent.Kind) []Summary {
	m.mu.RLock()
	out := make([]Summary, 0, len(m.convs))
	for _, c := range m.convs {
		if kind != "" && c.Kind != kind {
			continue
		}
		out = append(out, c.Summary())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out
}

// ListByOwner queries the store's owner index, including conversations not in memory.
func (m *Manager) ListByOwner(ownerID string, kind agent.Kind) ([]Summary, error) {
	rows, err := m.store.ListByOwner(ownerID, string(kind))
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(rows))
	for _, r := range rows {
		out = append(out, Summary{
			SessionID:      r.SessionID,
			Kind:           agent.Kind(r.Kind),
			OwnerID:        r.OwnerID,
			MessageCount:   r.MessageCount,
			CreatedAt:      r.CreatedAt,
			LastActivityAt: r.LastActivityAt,
		})
	}
	return out, nil
}
