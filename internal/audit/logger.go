// Package audit persists admission decisions to the audit index without ever
// touching the request's critical path.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"api-guardian/internal/model"
	"api-guardian/internal/util"
)

// Indexer is the document sink behind the audit logger.
type Indexer interface {
	Index(ctx context.Context, index string, document []byte) error
}

// Logger writes audit entries asynchronously through a buffered channel and a
// single background worker. Log calls never block and never fail the caller;
// a full buffer drops the entry.
type Logger struct {
	indexer Indexer
	index   string
	entries chan model.AuditEntry
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewLogger(indexer Indexer, index string, bufferSize int) *Logger {
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	l := &Logger{
		indexer: indexer,
		index:   index,
		entries: make(chan model.AuditEntry, bufferSize),
		done:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.worker()
	return l
}

// Log records one decision. Fire-and-forget.
func (l *Logger) Log(decision, endpoint, method, identifier string) {
	entry := model.AuditEntry{
		Decision:   decision,
		Endpoint:   endpoint,
		Method:     method,
		Identifier: identifier,
		Timestamp:  time.Now(),
	}

	select {
	case <-l.done:
	case l.entries <- entry:
	default:
		util.Warn("audit buffer full, dropping entry",
			zap.String("identifier", identifier))
	}
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for {
		select {
		case entry := <-l.entries:
			l.write(entry)
		case <-l.done:
			for {
				select {
				case entry := <-l.entries:
					l.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(entry model.AuditEntry) {
	if l.indexer == nil {
		return
	}

	document, err := json.Marshal(entry)
	if err != nil {
		util.Error("failed to marshal audit entry", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.indexer.Index(ctx, l.index, document); err != nil {
		util.Error("failed to index audit entry", zap.Error(err))
	}
}

// Close drains buffered entries and stops the worker.
func (l *Logger) Close() {
	l.once.Do(func() {
		close(l.done)
		l.wg.Wait()
	})
}
