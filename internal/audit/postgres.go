package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const insertEvent = `
	INSERT INTO audit_events (event_type, request_id, fingerprint, occurred_at, details)
	VALUES ($1, $2, $3, $4, $5)`

// PostgresSink appends audit events to the audit_events table. Writes are
// queued and flushed by a single writer goroutine so workflow latency never
// includes a database round trip.
type PostgresSink struct {
	db     *sqlx.DB
	logger *zap.Logger

	queue  chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPostgresSink connects to the audit database and starts the writer.
func NewPostgresSink(dsn string, logger *zap.Logger) (*PostgresSink, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := newPostgresSink(db, logger)
	return s, nil
}

// newPostgresSink wires an existing connection; split out for tests.
func newPostgresSink(db *sqlx.DB, logger *zap.Logger) *PostgresSink {
	s := &PostgresSink{
		db:     db,
		logger: logger.Named("audit"),
		queue:  make(chan Event, 256),
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writer()
	return s
}

// Append enqueues the event. A full queue drops the event with a log line
// rather than stalling the workflow.
func (s *PostgresSink) Append(_ context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case s.queue <- ev:
	default:
		s.logger.Warn("Audit queue full, dropping event", zap.String("event", string(ev.Type)))
	}
}

// Close drains the queue and closes the connection.
func (s *PostgresSink) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return s.db.Close()
}

// Healthy probes the database connection.
func (s *PostgresSink) Healthy(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresSink) writer() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.queue:
			s.write(ev)
		case <-s.stopCh:
			for {
				select {
				case ev := <-s.queue:
					s.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *PostgresSink) write(ev Event) {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		details = []byte("{}")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, insertEvent,
		string(ev.Type), ev.RequestID, ev.Fingerprint, ev.Timestamp, details,
	); err != nil {
		s.logger.Error("Audit insert failed", zap.String("event", string(ev.Type)), zap.Error(err))
	}
}
