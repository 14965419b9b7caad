package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State is a request lifecycle state as journaled.
type State string

const (
	StateReceived      State = "received"
	StateNotified      State = "notified"
	StateForwarded     State = "forwarded"
	StateResponded     State = "responded"
	StateRejected      State = "rejected"
	StateNoDestination State = "no_destination"
	StateTimedOut      State = "timed_out"
	StateRequesterGone State = "requester_gone"
	StateLateDropped   State = "late_dropped"
)

// Event is one journaled state transition.
type Event struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"requestId"`
	State      State     `json:"state"`
	Domain     string    `json:"domain,omitempty"`
	Action     string    `json:"action,omitempty"`
	AgentID    string    `json:"agentId,omitempty"`
	SourceConn string    `json:"sourceConn,omitempty"`
	TargetConn string    `json:"targetConn,omitempty"`
	NotifyID   string    `json:"notifyId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Backend is what the hub needs from a journal.
type Backend interface {
	Record(e Event)
	Recent(ctx context.Context, limit int) ([]Event, error)
	Counts(ctx context.Context) (map[State]int, error)
	Close() error
}

var (
	_ Backend = (*Journal)(nil)
	_ Backend = Nop{}
)

// DefaultQueue is the journal queue length when none is configured.
const DefaultQueue = 1024

// Journal writes events to SQLite from a single goroutine. Record never
// blocks: when the queue is full the event is dropped and counted.
type Journal struct {
	log zerolog.Logger
	db  *sql.DB

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
	queue  chan Event
	done   chan struct{}

	dropped atomic.Uint64
}

// Open initialises the database at path and starts the writer.
func Open(log zerolog.Logger, path string, queueSize int) (*Journal, error) {
	db, err := InitDatabase(path)
	if err != nil {
		return nil, err
	}
	return New(log, db, queueSize), nil
}

// New starts a journal over an initialised database. The journal owns db.
func New(log zerolog.Logger, db *sql.DB, queueSize int) *Journal {
	if queueSize <= 0 {
		queueSize = DefaultQueue
	}
	j := &Journal{
		log:   log.With().Str("component", "journal").Logger(),
		db:    db,
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
	go j.writer()
	return j
}

// Record enqueues e.
func (j *Journal) Record(e Event) {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}

	select {
	case j.queue <- e:
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			j.log.Warn().Uint64("dropped", n).Msg("journal queue full, dropping events")
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

func (j *Journal) writer() {
	defer close(j.done)

	const insert = `INSERT INTO request_events
		(request_id, state, domain, action, agent_id, source_conn, target_conn, notify_id, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for e := range j.queue {
		_, err := j.db.Exec(insert,
			e.RequestID, string(e.State), e.Domain, e.Action, e.AgentID,
			e.SourceConn, e.TargetConn, e.NotifyID, e.Detail, e.RecordedAt)
		if err != nil {
			j.log.Error().Err(err).
				Str("request_id", e.RequestID).
				Str("state", string(e.State)).
				Msg("failed to journal event")
		}
	}
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, request_id, state, domain, action, agent_id, source_conn,
		       target_conn, notify_id, detail, recorded_at
		FROM request_events
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e                                                 Event
			state                                             string
			domain, action, agentID, src, dst, notify, detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &state, &domain, &action, &agentID,
			&src, &dst, &notify, &detail, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.State = State(state)
		e.Domain = domain.String
		e.Action = action.String
		e.AgentID = agentID.String
		e.SourceConn = src.String
		e.TargetConn = dst.String
		e.NotifyID = notify.String
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Counts returns the number of journaled events per state.
func (j *Journal) Counts(ctx context.Context) (map[State]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM request_events GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}

// Close drains the queue and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}

// Nop is a journal that keeps nothing.
type Nop struct{}

func (Nop) Record(Event) {}

func (Nop) Recent(context.Context, int) ([]Event, error) { return nil, nil }

func (Nop) Counts(context.Context) (map[State]int, error) { return map[State]int{}, nil }

func (Nop) Close() error { return nil }
