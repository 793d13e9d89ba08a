package frame

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotMonotonic indicates sample timestamps are not strictly increasing.
	ErrNotMonotonic = errors.New("frame: timestamps not strictly increasing")
	// ErrTooFewSamples indicates the frame cannot provide the requested rows.
	ErrTooFewSamples = errors.New("frame: too few samples")
)

// Sample is one row of the series keyed by its timestamp.
type Sample struct {
	Timestamp time.Time
	Fields    map[string]Value
}

// Field returns the named value, absent when missing.
func (s Sample) Field(name string) Value {
	if v, ok := s.Fields[name]; ok {
		return v
	}
	return Absent()
}

// Frame is an immutable, timestamp-ordered set of samples.
type Frame struct {
	columns []string
	samples []Sample
}

// New validates ordering and builds a frame. Timestamps are normalised to UTC.
func New(columns []string, samples []Sample) (Frame, error) {
	rows := make([]Sample, len(samples))
	for i, sample := range samples {
		ts := sample.Timestamp.UTC()
		if i > 0 && !ts.After(rows[i-1].Timestamp) {
			return Frame{}, fmt.Errorf("%w: row %d (%s) after %s", ErrNotMonotonic, i, ts.Format(time.RFC3339), rows[i-1].Timestamp.Format(time.RFC3339))
		}
		fields := make(map[string]Value, len(sample.Fields))
		for k, v := range sample.Fields {
			fields[k] = v
		}
		rows[i] = Sample{Timestamp: ts, Fields: fields}
	}

	cols := make([]string, len(columns))
	copy(cols, columns)
	return Frame{columns: cols, samples: rows}, nil
}

// Len returns the number of samples.
func (f Frame) Len() int { return len(f.samples) }

// Empty reports whether the frame has no samples.
func (f Frame) Empty() bool { return len(f.samples) == 0 }

// Columns returns the field names in source order.
func (f Frame) Columns() []string {
	out := make([]string, len(f.columns))
	copy(out, f.columns)
	return out
}

// At returns the i-th sample.
func (f Frame) At(i int) Sample { return f.samples[i] }

// Samples returns a copy of the sample slice.
func (f Frame) Samples() []Sample {
	out := make([]Sample, len(f.samples))
	copy(out, f.samples)
	return out
}

// Slice returns the samples in [i, j) as a new frame.
func (f Frame) Slice(i, j int) Frame {
	return Frame{columns: f.columns, samples: f.samples[i:j:j]}
}

// Tail returns the last n samples (or all of them when n exceeds Len).
func (f Frame) Tail(n int) Frame {
	if n >= len(f.samples) {
		return f
	}
	if n <= 0 {
		return Frame{columns: f.columns}
	}
	return f.Slice(len(f.samples)-n, len(f.samples))
}

// Last returns a single-row frame holding the newest sample.
func (f Frame) Last() (Frame, error) {
	if len(f.samples) == 0 {
		return Frame{}, fmt.Errorf("%w: frame is empty", ErrTooFewSamples)
	}
	return f.Tail(1), nil
}

// LastTwo returns the second-newest and newest timestamps.
func (f Frame) LastTwo() (previous, latest time.Time, err error) {
	n := len(f.samples)
	if n < 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: need 2, have %d", ErrTooFewSamples, n)
	}
	return f.samples[n-2].Timestamp, f.samples[n-1].Timestamp, nil
}

// First returns the oldest timestamp, zero when empty.
func (f Frame) First() time.Time {
	if len(f.samples) == 0 {
		return time.Time{}
	}
	return f.samples[0].Timestamp
}

// Latest returns the newest timestamp, zero when empty.
func (f Frame) Latest() time.Time {
	if len(f.samples) == 0 {
		return time.Time{}
	}
	return f.samples[len(f.samples)-1].Timestamp
}
