package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"
)

// maxLine bounds one journal line; events are small, reasons are one sentence.
const maxLine = 1 << 20

// Query filters journal events. Zero-valued fields match everything.
type Query struct {
	RunID      string
	Key        string
	EntityID   string
	EventTypes []EventType
	StartTime  time.Time
	EndTime    time.Time
	Success    *bool

	Limit  int
	Offset int
}

func (q Query) matches(e Event) bool {
	switch {
	case q.RunID != "" && q.RunID != e.RunID,
		q.Key != "" && q.Key != e.Key,
		q.EntityID != "" && q.EntityID != e.EntityID,
		len(q.EventTypes) > 0 && !slices.Contains(q.EventTypes, e.Type),
		!q.StartTime.IsZero() && e.Timestamp.Before(q.StartTime),
		!q.EndTime.IsZero() && e.Timestamp.After(q.EndTime),
		q.Success != nil && *q.Success != e.Success:
		return false
	}
	return true
}

// QueryResult is one page of matching events. TotalCount counts every match.
type QueryResult struct {
	Events     []Event
	TotalCount int
	HasMore    bool
}

// Reader reads a journal file.
type Reader struct {
	path string
}

// NewReader returns a Reader for the journal at path.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// scan calls fn for every well-formed event in file order. A missing journal
// has no events; malformed lines are skipped.
func (r *Reader) scan(fn func(Event)) error {
	f, err := os.Open(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(nil, maxLine)
	for sc.Scan() {
		var e Event
		if json.Unmarshal(sc.Bytes(), &e) == nil {
			fn(e)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}
	return nil
}

// Query returns the page of events matching q, in file order.
func (r *Reader) Query(q Query) (*QueryResult, error) {
	res := &QueryResult{Events: []Event{}}
	err := r.scan(func(e Event) {
		if !q.matches(e) {
			return
		}
		res.TotalCount++
		if res.TotalCount <= q.Offset {
			return
		}
		if q.Limit > 0 && len(res.Events) >= q.Limit {
			return
		}
		res.Events = append(res.Events, e)
	})
	if err != nil {
		return nil, err
	}
	res.HasMore = max(q.Offset, 0)+len(res.Events) < res.TotalCount
	return res, nil
}

// RunSummary counts the events of one run.
type RunSummary struct {
	RunID     string
	Operation string
	Started   time.Time
	Finished  time.Time
	ByType    map[EventType]int
	Failed    int
}

// SummarizeRun aggregates every event of runID.
func (r *Reader) SummarizeRun(runID string) (*RunSummary, error) {
	s := &RunSummary{RunID: runID, ByType: map[EventType]int{}}
	err := r.scan(func(e Event) {
		if e.RunID != runID {
			return
		}
		if s.Operation == "" {
			s.Operation = e.Operation
		}
		if s.Started.IsZero() || e.Timestamp.Before(s.Started) {
			s.Started = e.Timestamp
		}
		if e.Timestamp.After(s.Finished) {
			s.Finished = e.Timestamp
		}
		s.ByType[e.Type]++
		if !e.Success {
			s.Failed++
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
