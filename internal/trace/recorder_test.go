package trace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/imTariful/LLM-evaluation/internal/storage"
)

// scriptedStore delegates to a real store but lets tests replace the result
// of individual WriteTrace attempts.
type scriptedStore struct {
	Store

	mu       sync.Mutex
	attempts int
	script   func(attempt int, write func() error) error
}

func (s *scriptedStore) WriteTrace(ctx context.Context, item *Trace) error {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	write := func() error { return s.Store.WriteTrace(ctx, item) }
	if s.script == nil {
		return write()
	}
	return s.script(attempt, write)
}

func (s *scriptedStore) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func testRecordInput() RecordInput {
	return RecordInput{
		PromptVersionID: "version-1",
		Inputs:          map[string]string{"name": "Bob", "topic": "Python"},
		UserPrompt:      "Generate a greeting for Bob about Python.",
		Output:          "Hello Bob!",
		Provider:        "mock",
		Model:           "mock-model",
		InputTokens:     10,
		OutputTokens:    3,
		LatencyMS:       12,
		CostUSD:         0.00001,
	}
}

func TestRecorderWritesRetrievableTrace(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	recorded := 0
	recorder := NewRecorder(store, RecorderOptions{OnRecorded: func() { recorded++ }})

	item, err := recorder.Record(context.Background(), testRecordInput())
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if item.ID == "" || item.Timestamp.IsZero() {
		t.Fatalf("Record()=%+v, want id and timestamp", item)
	}
	if recorded != 1 {
		t.Fatalf("OnRecorded calls=%d, want 1", recorded)
	}

	got, err := store.GetTrace(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if got.Inputs["name"] != "Bob" || got.Inputs["topic"] != "Python" || len(got.Inputs) != 2 {
		t.Fatalf("inputs=%v, want exactly name and topic", got.Inputs)
	}
	if got.Output != "Hello Bob!" || got.Model != "mock-model" {
		t.Fatalf("GetTrace()=%+v", got)
	}
}

func TestRecorderAllowsEmptyOutputButRequiresIdentityFields(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	recorder := NewRecorder(store, RecorderOptions{})

	in := testRecordInput()
	in.Output = ""
	if _, err := recorder.Record(context.Background(), in); err != nil {
		t.Fatalf("Record(empty output) error: %v", err)
	}

	in = testRecordInput()
	in.Model = " "
	if _, err := recorder.Record(context.Background(), in); !errors.Is(err, ErrInvalidTrace) {
		t.Fatalf("Record(no model) error=%v, want ErrInvalidTrace", err)
	}
}

func TestRecorderTimestampsNeverGoBackwards(t *testing.T) {
	t.Parallel()

	clock := []time.Time{
		time.Date(2026, 10, 14, 10, 0, 5, 0, time.UTC),
		time.Date(2026, 10, 14, 10, 0, 1, 0, time.UTC),
		time.Date(2026, 10, 14, 10, 0, 9, 0, time.UTC),
	}
	var tick int
	recorder := NewRecorder(newTestStore(t), RecorderOptions{Now: func() time.Time {
		now := clock[tick]
		tick++
		return now
	}})

	var stamps []time.Time
	for range clock {
		item, err := recorder.Record(context.Background(), testRecordInput())
		if err != nil {
			t.Fatalf("Record() error: %v", err)
		}
		stamps = append(stamps, item.Timestamp)
	}
	if !stamps[1].Equal(stamps[0]) {
		t.Fatalf("second timestamp=%s, want clamped to %s", stamps[1], stamps[0])
	}
	if !stamps[2].Equal(clock[2]) {
		t.Fatalf("third timestamp=%s, want %s", stamps[2], clock[2])
	}
}

func TestRecorderInsertionOrderMatchesTimestamps(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	recorder := NewRecorder(store, RecorderOptions{})

	const writers = 200
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := recorder.Record(context.Background(), testRecordInput()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Record() error: %v", err)
	}

	rows, err := store.DB().QueryContext(context.Background(), `SELECT timestamp FROM traces ORDER BY rowid`)
	if err != nil {
		t.Fatalf("query timestamps: %v", err)
	}
	defer rows.Close()

	var prev time.Time
	count := 0
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			t.Fatalf("scan timestamp: %v", err)
		}
		ts, err := storage.ParseSQLiteTimestamp(raw)
		if err != nil {
			t.Fatalf("parse timestamp %q: %v", raw, err)
		}
		if ts.Before(prev) {
			t.Fatalf("row %d timestamp=%s precedes previous row %s", count, ts, prev)
		}
		prev = ts
		count++
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate timestamps: %v", err)
	}
	if count != writers {
		t.Fatalf("rows=%d, want %d", count, writers)
	}
}

func TestRecorderRetriesContention(t *testing.T) {
	t.Parallel()

	store := &scriptedStore{Store: newTestStore(t)}
	store.script = func(attempt int, write func() error) error {
		if attempt < 3 {
			return errors.New("database is locked")
		}
		return write()
	}
	recorder := NewRecorder(store, RecorderOptions{Backoff: time.Millisecond})

	item, err := recorder.Record(context.Background(), testRecordInput())
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if store.Attempts() != 3 {
		t.Fatalf("attempts=%d, want 3", store.Attempts())
	}
	if _, err := store.GetTrace(context.Background(), item.ID); err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
}

func TestRecorderTreatsDuplicateOnRetryAsCommitted(t *testing.T) {
	t.Parallel()

	store := &scriptedStore{Store: newTestStore(t)}
	store.script = func(attempt int, write func() error) error {
		err := write()
		if attempt == 1 && err == nil {
			// The row committed but the acknowledgement was lost.
			return errors.New("read tcp 10.0.0.1:5432: connection reset by peer: broken pipe")
		}
		return err
	}
	recorder := NewRecorder(store, RecorderOptions{Backoff: time.Millisecond})

	item, err := recorder.Record(context.Background(), testRecordInput())
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if store.Attempts() != 2 {
		t.Fatalf("attempts=%d, want 2", store.Attempts())
	}

	result, err := store.QueryTraces(context.Background(), TraceFilter{})
	if err != nil {
		t.Fatalf("QueryTraces() error: %v", err)
	}
	if len(result.Items) != 1 || result.Items[0].ID != item.ID {
		t.Fatalf("traces=%v, want exactly one row %s", traceIDs(result.Items), item.ID)
	}
}

func TestRecorderReturnsPersistenceError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		err          error
		wantClass    string
		wantAttempts int
	}{
		{name: "constraint is not retried", err: errors.New("CHECK constraint failed: violates check constraint"), wantClass: WriteErrorClassConstraint, wantAttempts: 1},
		{name: "unknown is not retried", err: errors.New("disk I/O error"), wantClass: WriteErrorClassUnknown, wantAttempts: 1},
		{name: "contention exhausts attempts", err: errors.New("SQLITE_BUSY"), wantClass: WriteErrorClassContention, wantAttempts: 3},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := &scriptedStore{Store: newTestStore(t)}
			store.script = func(int, func() error) error { return tt.err }

			var failures []string
			recorder := NewRecorder(store, RecorderOptions{
				Backoff:          time.Millisecond,
				OnPersistFailure: func(class string) { failures = append(failures, class) },
			})

			_, err := recorder.Record(context.Background(), testRecordInput())
			var persistErr *PersistenceError
			if !errors.As(err, &persistErr) {
				t.Fatalf("Record() error=%v, want *PersistenceError", err)
			}
			if persistErr.Class != tt.wantClass || persistErr.TraceID == "" {
				t.Fatalf("PersistenceError=%+v, want class %q", persistErr, tt.wantClass)
			}
			if store.Attempts() != tt.wantAttempts {
				t.Fatalf("attempts=%d, want %d", store.Attempts(), tt.wantAttempts)
			}
			if len(failures) != 1 || failures[0] != tt.wantClass {
				t.Fatalf("OnPersistFailure=%v, want [%s]", failures, tt.wantClass)
			}
		})
	}
}
