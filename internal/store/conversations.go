package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ConversationRow is one persisted conversation. Data is always the uncompressed
// JSON; encoding happens inside the store.
type ConversationRow struct {
	SessionID      string
	Kind           string
	OwnerID        string
	Data           []byte
	Digest         string
	MessageCount   int
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// ConversationInfo is a row without its blob, for listings.
type ConversationInfo struct {
	SessionID      string    `json:"session_id"`
	Kind           string    `json:"agent_kind"`
	OwnerID        string    `json:"owner_id"`
	MessageCount   int       `json:"message_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// UpsertConversation writes the row under its session id, replacing any previous
// version. The digest is computed here when the caller left it empty.
func (s *Store) UpsertConversation(r *ConversationRow) error {
	if r.Digest == "" {
		r.Digest = Digest(r.Data)
	}
	blob, encoding := encodeBlob(r.Data, s.compress)
	_, err := s.db.Exec(`
		INSERT INTO conversations
			(session_id, agent_kind, owner_id, data, encoding, digest, message_count, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			agent_kind = excluded.agent_kind,
			owner_id = excluded.owner_id,
			data = excluded.data,
			encoding = excluded.encoding,
			digest = excluded.digest,
			message_count = excluded.message_count,
			last_activity_at = excluded.last_activity_at`,
		r.SessionID, r.Kind, r.OwnerID, blob, encoding, r.Digest, r.MessageCount,
		toMillis(r.CreatedAt), toMillis(r.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", r.SessionID, err)
	}
	return nil
}

// GetConversation returns the row for a session, or nil if there is none.
func (s *Store) GetConversation(sessionID string) (*ConversationRow, error) {
	row := s.db.QueryRow(`
		SELECT session_id, agent_kind, owner_id, data, encoding, digest, message_count, created_at, last_activity_at
		FROM conversations WHERE session_id = ?`, sessionID)
	r, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", sessionID, err)
	}
	return r, nil
}

// LoadActiveSince returns every conversation active at or after since, oldest first.
// Rows that fail to decode are skipped and counted in skipped.
func (s *Store) LoadActiveSince(since time.Time) (rows []*ConversationRow, skipped int, err error) {
	q, err := s.db.Query(`
		SELECT session_id, agent_kind, owner_id, data, encoding, digest, message_count, created_at, last_activity_at
		FROM conversations WHERE last_activity_at >= ? ORDER BY last_activity_at ASC`, toMillis(since))
	if err != nil {
		return nil, 0, fmt.Errorf("load active conversations: %w", err)
	}
	defer q.Close()
	for q.Next() {
		r, err := scanConversation(q)
		if err != nil {
			skipped++
			continue
		}
		rows = append(rows, r)
	}
	if err := q.Err(); err != nil {
		return rows, skipped, fmt.Errorf("load active conversations: %w", err)
	}
	return rows, skipped, nil
}

// DeleteInactiveBefore removes conversations whose last activity is older than
// cutoff and returns their session ids.
func (s *Store) DeleteInactiveBefore(cutoff time.Time) ([]string, error) {
	ms := toMillis(cutoff)
	rows, err := s.db.Query(`SELECT session_id FROM conversations WHERE last_activity_at < ?`, ms)
	if err != nil {
		return nil, fmt.Errorf("find inactive conversations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan inactive conversation: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.db.Exec(`DELETE FROM conversations WHERE last_activity_at < ?`, ms); err != nil {
		return nil, fmt.Errorf("delete inactive conversations: %w", err)
	}
	return ids, nil
}

// ListByOwner lists an owner's conversations, most recent first. An empty kind
// matches every kind.
func (s *Store) ListByOwner(ownerID, kind string) ([]ConversationInfo, error) {
	query := `SELECT session_id, agent_kind, owner_id, message_count, created_at, last_activity_at
		FROM conversations WHERE owner_id = ?`
	args := []any{ownerID}
	if kind != "" {
		query += ` AND agent_kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY last_activity_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations for %s: %w", ownerID, err)
	}
	defer rows.Close()
	var result []ConversationInfo
	for rows.Next() {
		var ci ConversationInfo
		var created, active int64
		if err := rows.Scan(&ci.SessionID, &ci.Kind, &ci.OwnerID, &ci.MessageCount, &created, &active); err != nil {
			continue
		}
		ci.CreatedAt = fromMillis(created)
		ci.LastActivityAt = fromMillis(active)
		result = append(result, ci)
	}
	return result, rows.Err()
}

// CountConversations returns the number of persisted conversations.
func (s *Store) CountConversations() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(sc scanner) (*ConversationRow, error) {
	var (
		r        ConversationRow
		blob     []byte
		encoding string
		created  int64
		active   int64
	)
	if err := sc.Scan(&r.SessionID, &r.Kind, &r.OwnerID, &blob, &encoding, &r.Digest, &r.MessageCount, &created, &active); err != nil {
		return nil, err
	}
	data, err := decodeBlob(blob, encoding)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.SessionID, err)
	}
	r.Data = data
	r.CreatedAt = fromMillis(created)
	r.LastActivityAt = fromMillis(active)
	return &r, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
