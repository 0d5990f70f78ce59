package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/hazyhaar/boardsync/dbopen"

	_ "modernc.org/sqlite"
)

func setupObsDB(t *testing.T) *Metrics {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	m := NewMetrics(db, 100, time.Hour, nil)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.LevelWarn, "json", &buf)
	logger.Info("relay: hidden")
	logger.Warn("relay: shown", "room", "b1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q", buf.String())
	}
	if line["msg"] != "relay: shown" || line["room"] != "b1" {
		t.Fatalf("line = %v", line)
	}
}

func TestMetrics_RecordAndQuery(t *testing.T) {
	m := setupObsDB(t)
	m.Record(&Metric{
		Name:      "hub_peers",
		Timestamp: time.Now(),
		Value:     3,
		Unit:      "count",
		Labels:    map[string]string{"relay": "r1"},
	})
	m.RecordSimple("runtime_goroutines", 10, "count")

	// Close flushes the buffer.
	m.Close()

	all, err := m.Query(context.Background(), "", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 metrics, got %d", len(all))
	}

	peers, err := m.Query(context.Background(), "hub_peers", time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0].Value != 3 || peers[0].Labels["relay"] != "r1" {
		t.Fatalf("hub_peers = %+v", peers)
	}
}

func TestMetrics_EarlyFlush(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	m := NewMetrics(db, 2, time.Hour, nil)
	t.Cleanup(func() { m.Close() })

	m.RecordSimple("a", 1, "count")
	m.RecordSimple("b", 2, "count")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, err := m.Query(context.Background(), "", time.Time{}, time.Time{}, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("full buffer was not flushed before the interval")
}

func TestMetrics_TimeRangeAndCleanup(t *testing.T) {
	m := setupObsDB(t)
	now := time.Now()
	m.Record(&Metric{Name: "x", Timestamp: now.Add(-48 * time.Hour), Value: 1})
	m.Record(&Metric{Name: "x", Timestamp: now, Value: 2})
	m.Close()

	recent, err := m.Query(context.Background(), "x", now.Add(-time.Hour), time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].Value != 2 {
		t.Fatalf("recent = %+v", recent)
	}

	n, err := m.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("cleanup removed %d, want 1", n)
	}
}

func TestReporter_Sample(t *testing.T) {
	m := setupObsDB(t)
	r := NewReporter(m, time.Hour, nil)
	r.Add("runtime", RuntimeGauge)
	r.Add("hub", func() map[string]float64 {
		return map[string]float64{"rooms": 2, "peers": 5}
	})
	r.Sample()
	m.Close()

	peers, err := m.Query(context.Background(), "hub_peers", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0].Value != 5 {
		t.Fatalf("hub_peers = %+v", peers)
	}
	g, err := m.Query(context.Background(), "runtime_goroutines", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(g) != 1 || g[0].Value < 1 {
		t.Fatalf("runtime_goroutines = %+v", g)
	}
}
