package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of a timeline event.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Well-known event types and lanes.
const (
	EventTrackPlay    = "track_play"
	EventVoiceSegment = "voice_segment"
	EventTTSGenerate  = "tts_generate"
	EventLLMRequest   = "llm_request"

	LaneMusic  = "music"
	LaneSystem = "system"
)

// NoEvent is the sentinel id returned by StartEvent when the store is closed
// or the insert failed. EndEvent and UpdateEvent ignore it.
const NoEvent int64 = -1

// subscriberCap bounds each subscriber channel. On overflow the oldest
// message is dropped so publishers never block.
const subscriberCap = 256

const eventsSchema = `
CREATE TABLE IF NOT EXISTS event_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type  TEXT NOT NULL,
    lane        TEXT NOT NULL,
    title       TEXT NOT NULL,
    started_at  REAL NOT NULL,
    ended_at    REAL,
    status      TEXT DEFAULT 'active',
    created_at  REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS event_detail (
    event_id    INTEGER NOT NULL REFERENCES event_log(id),
    key         TEXT NOT NULL,
    value       TEXT,
    PRIMARY KEY (event_id, key)
);

CREATE INDEX IF NOT EXISTS idx_event_log_started ON event_log(started_at);
CREATE INDEX IF NOT EXISTS idx_event_log_lane ON event_log(lane);
CREATE INDEX IF NOT EXISTS idx_event_log_status ON event_log(status);
`

// Event is one row on the activity timeline, with its detail map joined in.
type Event struct {
	ID        int64          `json:"id"`
	Type      string         `json:"event_type"`
	Lane      string         `json:"lane"`
	Title     string         `json:"title"`
	StartedAt float64        `json:"started_at"`
	EndedAt   *float64       `json:"ended_at"`
	Status    Status         `json:"status"`
	CreatedAt float64        `json:"created_at"`
	Details   map[string]any `json:"details,omitempty"`
}

// Message is what subscribers receive on every store mutation. For "end" and
// "update" actions Event carries only the changed fields plus the id.
type Message struct {
	Action string `json:"action"` // "start", "end", or "update"
	Event  Event  `json:"event"`
}

// EventSpec describes a new event for StartEvent. Status defaults to active
// and StartedAt to now.
type EventSpec struct {
	Type      string
	Lane      string
	Title     string
	Details   map[string]any
	Status    Status
	StartedAt float64
}

// EventUpdate holds the fields UpdateEvent may change. Nil fields are left
// untouched; anything else an event carries is immutable after creation.
type EventUpdate struct {
	Title     *string
	Status    *Status
	StartedAt *float64
	EndedAt   *float64
}

// EventStore persists timeline events and publishes every mutation to live
// subscribers. A closed store degrades to no-ops: StartEvent returns
// NoEvent, the other operations silently do nothing.
//
// All methods are safe for concurrent use.
type EventStore struct {
	db  *sql.DB
	now func() float64

	mu               sync.Mutex
	closed           bool
	subscribers      []chan Message
	lastMusicStagger int
}

// OpenEvents creates the event store on the shared database handle.
//
// Any events left active or scheduled by a previous run are orphans (the
// process died before ending them) and are closed immediately: active rows
// become completed, scheduled rows become cancelled, both with ended_at set
// to started_at so they collapse to zero width on the timeline instead of
// stretching to "now".
func OpenEvents(db *sql.DB) (*EventStore, error) {
	s := &EventStore{
		db:  db,
		now: func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}

	if _, err := db.Exec(eventsSchema); err != nil {
		return nil, fmt.Errorf("store: event schema: %w", err)
	}

	active, err := db.Exec(
		`UPDATE event_log SET ended_at = COALESCE(ended_at, started_at), status = ? WHERE status = ?`,
		StatusCompleted, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("store: close orphan active events: %w", err)
	}
	scheduled, err := db.Exec(
		`UPDATE event_log SET ended_at = COALESCE(ended_at, started_at), status = ? WHERE status = ?`,
		StatusCancelled, StatusScheduled)
	if err != nil {
		return nil, fmt.Errorf("store: cancel orphan scheduled events: %w", err)
	}
	na, _ := active.RowsAffected()
	ns, _ := scheduled.RowsAffected()
	if na+ns > 0 {
		slog.Info("closed orphaned events from previous run", "active", na, "scheduled", ns)
	}

	s.lastMusicStagger = s.recoverZStagger()
	return s, nil
}

// recoverZStagger reads the z_stagger detail of the most recent music-lane
// event so alternation stays stable across restarts.
func (s *EventStore) recoverZStagger() int {
	row := s.db.QueryRow(
		`SELECT d.value FROM event_detail d
		 JOIN event_log e ON d.event_id = e.id
		 WHERE e.lane = ? AND d.key = 'z_stagger'
		 ORDER BY e.id DESC LIMIT 1`, LaneMusic)

	var raw string
	if err := row.Scan(&raw); err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return int(v)
}

// Close stops the store. Pending subscribers keep their channels (they are
// not closed, so late reads never panic); further writes become no-ops.
func (s *EventStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// StartEvent inserts a new event and publishes a "start" message.
// Returns the event id, or NoEvent when the store is closed or the write
// failed.
func (s *EventStore) StartEvent(ctx context.Context, spec EventSpec) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NoEvent
	}

	now := s.now()
	startedAt := spec.StartedAt
	if startedAt == 0 {
		startedAt = now
	}
	status := spec.Status
	if status == "" {
		status = StatusActive
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO event_log (event_type, lane, title, started_at, ended_at, status, created_at)
		 VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		spec.Type, spec.Lane, spec.Title, startedAt, status, now)
	if err != nil {
		slog.Error("event insert failed", "type", spec.Type, "err", err)
		return NoEvent
	}
	id, err := res.LastInsertId()
	if err != nil {
		return NoEvent
	}

	for key, value := range spec.Details {
		raw, err := json.Marshal(value)
		if err != nil {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO event_detail (event_id, key, value) VALUES (?, ?, ?)`,
			id, key, string(raw)); err != nil {
			slog.Warn("event detail insert failed", "id", id, "key", key, "err", err)
		}
	}

	if spec.Lane == LaneMusic {
		if z, ok := spec.Details["z_stagger"]; ok {
			switch v := z.(type) {
			case int:
				s.lastMusicStagger = v
			case float64:
				s.lastMusicStagger = int(v)
			}
		}
	}

	s.publishLocked(Message{Action: "start", Event: Event{
		ID:        id,
		Type:      spec.Type,
		Lane:      spec.Lane,
		Title:     spec.Title,
		StartedAt: startedAt,
		Status:    status,
		CreatedAt: now,
		Details:   spec.Details,
	}})
	return id
}

// EndEvent sets ended_at to now, updates status, upserts any extra details,
// and publishes an "end" message. A NoEvent id or a closed store is a no-op.
func (s *EventStore) EndEvent(ctx context.Context, id int64, status Status, extra map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || id < 0 {
		return
	}
	if status == "" {
		status = StatusCompleted
	}

	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE event_log SET ended_at = ?, status = ? WHERE id = ?`, now, status, id); err != nil {
		slog.Error("event end failed", "id", id, "err", err)
		return
	}
	for key, value := range extra {
		raw, err := json.Marshal(value)
		if err != nil {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO event_detail (event_id, key, value) VALUES (?, ?, ?)`,
			id, key, string(raw)); err != nil {
			slog.Warn("event detail upsert failed", "id", id, "key", key, "err", err)
		}
	}

	s.publishLocked(Message{Action: "end", Event: Event{ID: id, EndedAt: &now, Status: status}})
}

// UpdateEvent applies the non-nil fields of upd and publishes an "update"
// message. A NoEvent id, a closed store, or an empty update is a no-op.
func (s *EventStore) UpdateEvent(ctx context.Context, id int64, upd EventUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || id < 0 {
		return
	}

	var (
		sets   []string
		args   []any
		pubEv  = Event{ID: id}
		haveUp bool
	)
	if upd.Title != nil {
		sets, args = append(sets, "title = ?"), append(args, *upd.Title)
		pubEv.Title, haveUp = *upd.Title, true
	}
	if upd.Status != nil {
		sets, args = append(sets, "status = ?"), append(args, *upd.Status)
		pubEv.Status, haveUp = *upd.Status, true
	}
	if upd.StartedAt != nil {
		sets, args = append(sets, "started_at = ?"), append(args, *upd.StartedAt)
		pubEv.StartedAt, haveUp = *upd.StartedAt, true
	}
	if upd.EndedAt != nil {
		sets, args = append(sets, "ended_at = ?"), append(args, *upd.EndedAt)
		pubEv.EndedAt, haveUp = upd.EndedAt, true
	}
	if !haveUp {
		return
	}

	args = append(args, id)
	query := "UPDATE event_log SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		slog.Error("event update failed", "id", id, "err", err)
		return
	}

	s.publishLocked(Message{Action: "update", Event: pubEv})
}

// Window returns the events whose [started_at, ended_at or infinity)
// intersects [start, end], ordered by started_at, with details batch-joined.
// Optional lanes restrict the result. A closed store returns nil.
func (s *EventStore) Window(ctx context.Context, start, end float64, lanes ...string) ([]Event, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, nil
	}

	query := `SELECT id, event_type, lane, title, started_at, ended_at, status, created_at
	          FROM event_log
	          WHERE started_at <= ? AND (ended_at IS NULL OR ended_at >= ?)`
	args := []any{end, start}
	if len(lanes) > 0 {
		query += " AND lane IN (?" + strings.Repeat(",?", len(lanes)-1) + ")"
		for _, lane := range lanes {
			args = append(args, lane)
		}
	}
	query += " ORDER BY started_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: window query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	byID := make(map[int64]*Event)
	for rows.Next() {
		var (
			ev    Event
			ended sql.NullFloat64
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Lane, &ev.Title, &ev.StartedAt, &ended, &ev.Status, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: window scan: %w", err)
		}
		if ended.Valid {
			v := ended.Float64
			ev.EndedAt = &v
		}
		ev.Details = map[string]any{}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: window rows: %w", err)
	}
	for i := range events {
		byID[events[i].ID] = &events[i]
	}

	if len(events) > 0 {
		ids := make([]any, 0, len(events))
		for _, ev := range events {
			ids = append(ids, ev.ID)
		}
		dq := "SELECT event_id, key, value FROM event_detail WHERE event_id IN (?" +
			strings.Repeat(",?", len(ids)-1) + ")"
		drows, err := s.db.QueryContext(ctx, dq, ids...)
		if err != nil {
			return nil, fmt.Errorf("store: detail query: %w", err)
		}
		defer func() { _ = drows.Close() }()
		for drows.Next() {
			var (
				eid  int64
				key  string
				raw  sql.NullString
				dest any
			)
			if err := drows.Scan(&eid, &key, &raw); err != nil {
				return nil, fmt.Errorf("store: detail scan: %w", err)
			}
			ev, ok := byID[eid]
			if !ok {
				continue
			}
			if raw.Valid && json.Unmarshal([]byte(raw.String), &dest) == nil {
				ev.Details[key] = dest
			} else {
				ev.Details[key] = raw.String
			}
		}
		if err := drows.Err(); err != nil {
			return nil, fmt.Errorf("store: detail rows: %w", err)
		}
	}
	return events, nil
}

// LastMusicZStagger reports the z_stagger of the most recent music-lane
// event, recovered at open and tracked in memory afterwards.
func (s *EventStore) LastMusicZStagger() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMusicStagger
}

// LastMusicFilename returns the filename detail of the most recent
// music-lane event. ok is false when there is none or the store is closed.
func (s *EventStore) LastMusicFilename(ctx context.Context) (filename string, ok bool) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", false
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT d.value FROM event_detail d
		 JOIN event_log e ON d.event_id = e.id
		 WHERE e.lane = ? AND d.key = 'filename'
		 ORDER BY e.id DESC LIMIT 1`, LaneMusic)
	var raw string
	if err := row.Scan(&raw); err != nil {
		return "", false
	}
	if err := json.Unmarshal([]byte(raw), &filename); err != nil {
		return "", false
	}
	return filename, true
}

// Subscribe returns a channel receiving every published Message. The channel
// is bounded at 256; when a subscriber falls behind, its oldest queued
// message is evicted to make room for the newest.
func (s *EventStore) Subscribe() <-chan Message {
	ch := make(chan Message, subscriberCap)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe.
func (s *EventStore) Unsubscribe(ch <-chan Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// publishLocked fans msg out to all subscribers with drop-oldest semantics.
// Caller holds s.mu.
func (s *EventStore) publishLocked(msg Message) {
	for _, ch := range s.subscribers {
		select {
		case ch <- msg:
		default:
			// Full: evict the oldest frame, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
			}
		}
	}
}
