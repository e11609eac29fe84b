// Package transcript records conversations as per-session NDJSON files.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/deckster/internal/domain"
)

// Directions of an entry relative to the engine.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Config controls transcript logging.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Entry is one line of a transcript.
type Entry struct {
	Timestamp string         `json:"ts"`
	OwnerID   string         `json:"owner_id"`
	SessionID string         `json:"session_id"`
	Direction string         `json:"direction"`
	EventType string         `json:"event_type"`
	State     domain.State   `json:"state,omitempty"`
	Content   string         `json:"content,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Logger writes entries asynchronously. Entries are dropped rather than
// blocking a turn when the queue is full.
type Logger struct {
	dir     string
	queue   chan Entry
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped int
	logger  *slog.Logger
}

// New returns a Logger, or nil when transcripts are disabled. A nil *Logger
// is safe to use and records nothing.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("transcript directory is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	l := &Logger{
		dir:    cfg.Dir,
		queue:  make(chan Entry, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.run()
	logger.Info("Transcript logging enabled", "dir", cfg.Dir)
	return l, nil
}

// Log queues e for writing.
func (l *Logger) Log(e Entry) {
	if l == nil {
		return
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- e:
	default:
		l.dropped++
		if l.dropped == 1 || l.dropped%100 == 0 {
			l.logger.Warn("Transcript queue full, dropping entries", "dropped", l.dropped)
		}
	}
}

// Close flushes queued entries and stops the writer.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	<-l.done
	return nil
}

func (l *Logger) run() {
	defer close(l.done)
	for e := range l.queue {
		if err := l.write(e); err != nil {
			l.logger.Warn("Failed to write transcript entry", "session_id", e.SessionID, "error", err)
		}
	}
}

func (l *Logger) write(e Entry) error {
	dir := filepath.Join(l.dir, safeName(e.OwnerID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, safeName(e.SessionID)+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(e); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// safeName reduces an id to a single path element.
func safeName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// Engine is the conversation engine a Recorder wraps.
type Engine interface {
	Open(ctx context.Context, ownerID string) (*domain.Session, domain.Event, error)
	Process(ctx context.Context, sessionID, text string) (*domain.Session, domain.Event, error)
	Session(ctx context.Context, id string) (*domain.Session, error)
}

// Recorder logs every turn that passes through an Engine.
type Recorder struct {
	next Engine
	log  *Logger
}

// Wrap returns an Engine that records to log. A nil log records nothing.
func Wrap(next Engine, log *Logger) *Recorder {
	return &Recorder{next: next, log: log}
}

// Open implements Engine.
func (r *Recorder) Open(ctx context.Context, ownerID string) (*domain.Session, domain.Event, error) {
	sess, ev, err := r.next.Open(ctx, ownerID)
	if err == nil {
		r.log.Log(outbound(sess, ev))
	}
	return sess, ev, err
}

// Process implements Engine.
func (r *Recorder) Process(ctx context.Context, sessionID, text string) (*domain.Session, domain.Event, error) {
	sess, ev, err := r.next.Process(ctx, sessionID, text)
	if err != nil {
		return sess, ev, err
	}
	r.log.Log(Entry{
		OwnerID:   sess.OwnerID,
		SessionID: sess.ID,
		Direction: DirectionInbound,
		EventType: "user_message",
		State:     ev.Previous,
		Content:   text,
		Meta: map[string]any{
			"intent":     ev.Intent.Kind,
			"confidence": ev.Intent.Confidence,
		},
	})
	r.log.Log(outbound(sess, ev))
	return sess, ev, nil
}

// Session implements Engine.
func (r *Recorder) Session(ctx context.Context, id string) (*domain.Session, error) {
	return r.next.Session(ctx, id)
}

func outbound(sess *domain.Session, ev domain.Event) Entry {
	e := Entry{
		OwnerID:   sess.OwnerID,
		SessionID: sess.ID,
		Direction: DirectionOutbound,
		EventType: string(ev.Kind),
		State:     sess.State,
		Content:   ev.Message,
	}
	meta := map[string]any{}
	if ev.Handle != nil {
		meta["handle"] = ev.Handle.URL
	}
	if ev.UsedFallback {
		meta["used_fallback"] = true
	}
	if len(ev.Changes) > 0 {
		meta["changes"] = ev.Changes
	}
	if len(meta) > 0 {
		e.Meta = meta
	}
	return e
}
