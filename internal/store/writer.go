package store

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AuditWriter decouples audit persistence from the lifecycle hot path. Events
// are buffered and written by a background goroutine with retry; a full
// buffer drops the event with a warning rather than blocking an operation.
type AuditWriter struct {
	db   *DB
	ch   chan *AuditEvent
	wg   sync.WaitGroup
	done chan struct{}
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan *AuditEvent, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Record enqueues an event for asynchronous persistence.
func (w *AuditWriter) Record(event *AuditEvent) {
	select {
	case w.ch <- event:
	default:
		log.Warn().
			Str("actor", event.Actor).
			Str("action", event.Action).
			Msg("audit buffer full, dropping event")
	}
}

// Flush stops the writer and drains buffered events, up to timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case event := <-w.ch:
			w.writeWithRetry(event)
		case <-w.done:
			// Drain remaining events
			for {
				select {
				case event := <-w.ch:
					w.writeWithRetry(event)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(event *AuditEvent) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.InsertAuditEvent(ctx, event)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("action", event.Action).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("action", event.Action).
				Str("actor", event.Actor).
				Msg("audit write failed permanently after retries")
		}
	}
}
