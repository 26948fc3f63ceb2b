// Package audit records privileged mutations in admin_actions. Recording is
// fire-and-forget: callers never wait on the insert and never see its error.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

type Action struct {
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	IPAddress    string
	UserAgent    string
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Logger struct {
	db      execer
	inbox   chan Action
	timeout time.Duration
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// New starts the background writer. buf bounds how many actions may wait.
func New(db execer, buf int) *Logger {
	if buf <= 0 {
		buf = 1
	}
	l := &Logger{db: db, inbox: make(chan Action, buf), timeout: 5 * time.Second, done: make(chan struct{})}
	go l.run()
	return l
}

func (l *Logger) run() {
	defer close(l.done)
	for a := range l.inbox {
		l.write(a)
	}
}

func (l *Logger) write(a Action) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	details := []byte("{}")
	if a.Details != nil {
		b, err := json.Marshal(a.Details)
		if err != nil {
			log.Error().Err(err).Str("action", a.Action).Msg("audit details not encodable")
		} else {
			details = b
		}
	}

	_, err := l.db.Exec(ctx, `
		INSERT INTO admin_actions (actor_id, action, resource_type, resource_id, details, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))`,
		a.ActorID, a.Action, a.ResourceType, a.ResourceID, details, a.IPAddress, a.UserAgent)
	if err != nil {
		log.Error().Err(err).Str("actor_id", a.ActorID).Str("action", a.Action).
			Str("resource_id", a.ResourceID).Msg("audit insert failed")
	}
}

// Log enqueues a. It never blocks: when the inbox is full or the logger is
// closed the action is dropped with a warning.
func (l *Logger) Log(_ context.Context, a Action) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		log.Warn().Str("action", a.Action).Msg("audit logger closed, action dropped")
		return
	}
	select {
	case l.inbox <- a:
	default:
		log.Warn().Str("action", a.Action).Str("resource_id", a.ResourceID).Msg("audit inbox full, action dropped")
	}
}

// Close writes what is queued and stops the writer.
func (l *Logger) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.inbox)
	}
	l.mu.Unlock()
	<-l.done
}
