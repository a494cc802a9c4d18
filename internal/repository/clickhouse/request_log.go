package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"api-guardian/internal/client"
	"api-guardian/internal/model"
	"api-guardian/internal/util"
)

// RequestLogWriter buffers admission decisions and writes them to ClickHouse
// in batches. Losing a batch on a failed insert is acceptable; this table
// feeds dashboards, not decisions.
//
// Schema:
//
//	CREATE TABLE api_request_events (
//	    request_id String, identifier String, endpoint String,
//	    http_method String, decision String, tier String,
//	    status_code Int32, response_time_ms Int64,
//	    user_agent String, ip_address String, timestamp DateTime
//	) ENGINE = MergeTree() ORDER BY (timestamp, identifier);
type RequestLogWriter struct {
	client    *client.ClickHouseClient
	mu        sync.Mutex
	rows      [][]interface{}
	batchSize int
}

const insertRequestEvents = `INSERT INTO api_request_events (
	request_id, identifier, endpoint, http_method, decision, tier,
	status_code, response_time_ms, user_agent, ip_address, timestamp)`

func NewRequestLogWriter(c *client.ClickHouseClient, batchSize int) *RequestLogWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &RequestLogWriter{
		client:    c,
		batchSize: batchSize,
	}
}

// Append buffers one decision, flushing when the batch fills up.
func (w *RequestLogWriter) Append(ctx context.Context, event model.APIRequestEvent) error {
	w.mu.Lock()
	w.rows = append(w.rows, []interface{}{
		event.RequestID, event.Identifier, event.Endpoint,
		event.HTTPMethod, event.Decision, event.Tier,
		int32(event.StatusCode), event.ResponseTimeMs,
		event.UserAgent, event.IPAddress, event.Timestamp,
	})
	full := len(w.rows) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered rows.
func (w *RequestLogWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	rows := w.rows
	w.rows = nil
	w.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	if err := w.client.BatchInsert(ctx, insertRequestEvents, rows); err != nil {
		util.Error("failed to insert request events, dropping batch",
			zap.Int("rows", len(rows)),
			zap.Error(err))
		return fmt.Errorf("request event batch insert: %w", err)
	}

	util.Debug("request events inserted", zap.Int("rows", len(rows)))
	return nil
}

// Run flushes on a timer until ctx is cancelled, then performs a final flush.
func (w *RequestLogWriter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = w.Flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = w.Flush(flushCtx)
			cancel()
			return
		}
	}
}
