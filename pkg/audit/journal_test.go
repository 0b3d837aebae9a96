package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_Log(t *testing.T) {
	t.Run("fills id and timestamp", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerWithWriter(&buf, Config{Enabled: true})

		require.NoError(t, l.Log(Event{Type: EventMemberAdded, Key: "category:pet-care", EntityID: "B1", Success: true}))

		var e Event
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &e))
		assert.True(t, strings.HasPrefix(e.ID, "audit-"))
		assert.False(t, e.Timestamp.IsZero())
		assert.Equal(t, EventMemberAdded, e.Type)
		assert.Equal(t, "B1", e.EntityID)
	})

	t.Run("disabled discards", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerWithWriter(&buf, Config{Enabled: false})
		require.NoError(t, l.Log(Event{Type: EventKeyDeleted}))
		assert.Zero(t, buf.Len())
	})

	t.Run("dry run dropped unless included", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerWithWriter(&buf, Config{Enabled: true})
		require.NoError(t, l.Log(Event{Type: EventKeyDeleted, DryRun: true}))
		assert.Zero(t, buf.Len())

		l = NewLoggerWithWriter(&buf, Config{Enabled: true, IncludeDryRun: true})
		require.NoError(t, l.Log(Event{Type: EventKeyDeleted, DryRun: true}))
		assert.NotZero(t, buf.Len())
	})

	t.Run("closed", func(t *testing.T) {
		l := NewLoggerWithWriter(&bytes.Buffer{}, Config{Enabled: true})
		require.NoError(t, l.Close())
		assert.ErrorIs(t, l.Log(Event{Type: EventKeyDeleted}), ErrClosed)
		assert.NoError(t, l.Close())
	})

	t.Run("concurrent writers get unique ids", func(t *testing.T) {
		var buf safeBuffer
		l := NewLoggerWithWriter(&buf, Config{Enabled: true})
		ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = l.Log(Event{Type: EventMemberRemoved, Timestamp: ts})
			}()
		}
		wg.Wait()

		ids := map[string]bool{}
		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			var e Event
			require.NoError(t, json.Unmarshal([]byte(line), &e))
			ids[e.ID] = true
		}
		assert.Len(t, ids, 20)
	})
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeJournal(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	l, err := NewLogger(Config{Enabled: true, LogPath: path, SyncWrites: true})
	require.NoError(t, err)

	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	events := []Event{
		{RunID: "run-1", Operation: "repair", Type: EventKeyDeleted, Key: "category:legacy-format", Success: true},
		{RunID: "run-1", Operation: "repair", Type: EventIndexRebuilt, Key: "category:pet-care", Members: 2, Success: true},
		{RunID: "run-1", Operation: "repair", Type: EventRecordNormalized, Key: "business:B3", EntityID: "B3", Success: false, Reason: "connection reset"},
		{RunID: "run-2", Operation: "reconcile", Type: EventMemberAdded, Key: "category:pet-care", EntityID: "B1", Success: true},
		{RunID: "run-2", Operation: "reconcile", Type: EventMemberRemoved, Key: "category:automotive-services", EntityID: "B1", Success: true},
	}
	for i, e := range events {
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, l.Log(e))
	}
	require.NoError(t, l.Close())
	return path
}

func TestReader_Query(t *testing.T) {
	path := writeJournal(t)
	r := NewReader(path)

	t.Run("by run", func(t *testing.T) {
		res, err := r.Query(Query{RunID: "run-1"})
		require.NoError(t, err)
		assert.Equal(t, 3, res.TotalCount)
	})

	t.Run("by entity and type", func(t *testing.T) {
		res, err := r.Query(Query{EntityID: "B1", EventTypes: []EventType{EventMemberRemoved}})
		require.NoError(t, err)
		require.Len(t, res.Events, 1)
		assert.Equal(t, "category:automotive-services", res.Events[0].Key)
	})

	t.Run("failures only", func(t *testing.T) {
		failed := false
		res, err := r.Query(Query{Success: &failed})
		require.NoError(t, err)
		require.Len(t, res.Events, 1)
		assert.Equal(t, "connection reset", res.Events[0].Reason)
	})

	t.Run("by key and time window", func(t *testing.T) {
		res, err := r.Query(Query{
			Key:       "category:pet-care",
			StartTime: time.Date(2025, 3, 14, 9, 2, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		require.Len(t, res.Events, 1)
		assert.Equal(t, EventMemberAdded, res.Events[0].Type)
	})

	t.Run("pagination", func(t *testing.T) {
		res, err := r.Query(Query{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Len(t, res.Events, 2)
		assert.Equal(t, 5, res.TotalCount)
		assert.True(t, res.HasMore)

		res, err = r.Query(Query{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, res.Events)
		assert.False(t, res.HasMore)
	})

	t.Run("missing file", func(t *testing.T) {
		res, err := NewReader(filepath.Join(t.TempDir(), "none.log")).Query(Query{})
		require.NoError(t, err)
		assert.Empty(t, res.Events)
	})
}

func TestReader_SkipsMalformedLines(t *testing.T) {
	path := writeJournal(t)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0640)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := NewReader(path).Query(Query{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalCount)
}

func TestReader_SummarizeRun(t *testing.T) {
	r := NewReader(writeJournal(t))

	s, err := r.SummarizeRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "repair", s.Operation)
	assert.Equal(t, 1, s.ByType[EventKeyDeleted])
	assert.Equal(t, 1, s.ByType[EventIndexRebuilt])
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 2*time.Minute, s.Finished.Sub(s.Started))
}
