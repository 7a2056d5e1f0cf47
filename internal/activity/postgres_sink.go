package activity

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/bryanveloso/landale/internal/logger"
)

// QueueSize bounds the number of records buffered between the decode path
// and the writer goroutine. A full queue means TryRecord drops the
// record rather than blocking the caller (spec.md §4.11.4).
const QueueSize = 256

// PostgresSink is the default Sink implementation: a single writer
// goroutine draining a bounded channel into a Postgres table, grounded on
// the connection-pool conventions of a typical lib/pq-backed service.
type PostgresSink struct {
	db    *sql.DB
	queue chan Record

	stop chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	dropped uint64
}

// NewPostgresSink opens a connection pool against databaseURL and starts
// the writer goroutine. Callers must call Close on shutdown.
func NewPostgresSink(databaseURL string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening activity database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging activity database: %w", err)
	}

	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing activity schema: %w", err)
	}

	s := &PostgresSink{
		db:    db,
		queue: make(chan Record, QueueSize),
		stop:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS activity_events (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			data JSONB NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

// TryRecord enqueues r for persistence without blocking. Returns false if
// the queue is full.
func (s *PostgresSink) TryRecord(r Record) bool {
	select {
	case s.queue <- r:
		return true
	default:
		s.mu.Lock()
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		logger.Activity().Warn().
			Str("event_type", r.EventType).
			Uint64("dropped_total", dropped).
			Msg("activity queue full, record dropped")
		return false
	}
}

func (s *PostgresSink) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case r := <-s.queue:
			s.write(r)
		}
	}
}

func (s *PostgresSink) write(r Record) {
	_, err := s.db.Exec(
		`INSERT INTO activity_events (event_type, occurred_at, data) VALUES ($1, $2, $3)`,
		r.EventType, r.Timestamp, []byte(r.Data),
	)
	if err != nil {
		logger.Activity().Error().Err(err).Str("event_type", r.EventType).Msg("failed to write activity record")
	}
}

// Close stops the writer goroutine and closes the connection pool.
func (s *PostgresSink) Close() error {
	close(s.stop)
	s.wg.Wait()
	return s.db.Close()
}
