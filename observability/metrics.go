// Package observability holds the relay's logger construction and a
// SQLite-native metrics timeseries. Metrics live in the relay database next
// to the board snapshots; persistence is async and buffer overflow drops
// datapoints rather than stalling the relay.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/boardsync/dbopen"
)

// Schema creates the metrics table. Pass it to dbopen.WithSchema or Init.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("observability: init schema: %w", err)
	}
	return nil
}

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string // "count", "bytes", "megabytes"
}

// Metrics buffers datapoints and flushes them to SQLite in batches.
type Metrics struct {
	db            *sql.DB
	bufferSize    int
	maxBuffered   int
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	buffer  []*Metric
	dropped int64

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMetrics starts a flusher. bufferSize triggers an early flush; at four
// times bufferSize new datapoints are dropped until the next flush.
func NewMetrics(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *Metrics {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Metrics{
		db:            db,
		bufferSize:    bufferSize,
		maxBuffered:   4 * bufferSize,
		flushInterval: flushInterval,
		logger:        logger,
		buffer:        make([]*Metric, 0, bufferSize),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go m.flushLoop()
	return m
}

// Record queues a datapoint. Never blocks on the database.
func (m *Metrics) Record(p *Metric) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buffer) >= m.maxBuffered {
		m.dropped++
		return
	}
	m.buffer = append(m.buffer, p)
	if len(m.buffer) >= m.bufferSize {
		select {
		case m.kick <- struct{}{}:
		default:
		}
	}
}

// RecordSimple records an unlabelled datapoint stamped now.
func (m *Metrics) RecordSimple(name string, value float64, unit string) {
	m.Record(&Metric{Name: name, Timestamp: time.Now(), Value: value, Unit: unit})
}

// Dropped counts datapoints discarded because the buffer was full.
func (m *Metrics) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Query returns datapoints, newest first. Empty name means every metric;
// zero times leave the range open; limit <= 0 means no limit.
func (m *Metrics) Query(ctx context.Context, name string, from, to time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	var args []any
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if !from.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, from.UnixMilli())
	}
	if !to.IsZero() {
		q += " AND timestamp <= ?"
		args = append(args, to.UnixMilli())
	}
	q += " ORDER BY timestamp DESC, metric_id DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			p          Metric
			ts         int64
			labelsJSON sql.NullString
			unit       sql.NullString
		)
		if err := rows.Scan(&p.Name, &ts, &p.Value, &labelsJSON, &unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		p.Timestamp = time.UnixMilli(ts)
		p.Unit = unit.String
		if labelsJSON.Valid {
			json.Unmarshal([]byte(labelsJSON.String), &p.Labels)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Cleanup deletes datapoints older than retention and returns the count removed.
func (m *Metrics) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	res, err := dbopen.Exec(ctx, m.db, "DELETE FROM metrics_timeseries WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes what is buffered and stops the flusher.
func (m *Metrics) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
	return nil
}

func (m *Metrics) flushLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			m.flush()
			return
		case <-ticker.C:
			m.flush()
		case <-m.kick:
			m.flush()
		}
	}
}

func (m *Metrics) flush() {
	m.mu.Lock()
	batch := m.buffer
	m.buffer = make([]*Metric, 0, m.bufferSize)
	m.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := dbopen.RunTx(ctx, m.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range batch {
			var labels sql.NullString
			if len(p.Labels) > 0 {
				if b, err := json.Marshal(p.Labels); err == nil {
					labels = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, p.Name, p.Timestamp.UnixMilli(), p.Value, labels, p.Unit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Error("observability: metrics flush failed", "error", err, "datapoints", len(batch))
	}
}
