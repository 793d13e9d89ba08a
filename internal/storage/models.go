package storage

import (
	"fmt"
	"sort"
	"time"

	"candle-sync/internal/frame"
)

// DefaultKeyLayout renders keys like "2024-01-01 00:00:00+00:00".
const DefaultKeyLayout = "2006-01-02 15:04:05-07:00"

// TimestampAttribute is written alongside the key on every item.
const TimestampAttribute = "timestamp"

// Item is one stored record: a sample keyed by its rendered timestamp.
type Item struct {
	Key        string
	Timestamp  time.Time
	Attributes map[string]frame.Value
}

// Keyer renders and parses item keys.
type Keyer struct {
	layout string
}

// NewKeyer returns a Keyer for layout, falling back to DefaultKeyLayout.
func NewKeyer(layout string) Keyer {
	if layout == "" {
		layout = DefaultKeyLayout
	}
	return Keyer{layout: layout}
}

// Layout returns the time layout used for keys.
func (k Keyer) Layout() string {
	if k.layout == "" {
		return DefaultKeyLayout
	}
	return k.layout
}

// Key renders ts in UTC.
func (k Keyer) Key(ts time.Time) string {
	return ts.UTC().Format(k.Layout())
}

// Parse reverses Key.
func (k Keyer) Parse(key string) (time.Time, error) {
	ts, err := time.Parse(k.Layout(), key)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse key %q: %w", key, err)
	}
	return ts.UTC(), nil
}

// ItemFromSample converts a sample into an Item. Absent fields are omitted.
func (k Keyer) ItemFromSample(s frame.Sample) Item {
	attrs := make(map[string]frame.Value, len(s.Fields))
	for name, v := range s.Fields {
		if v.IsAbsent() {
			continue
		}
		attrs[name] = v
	}
	return Item{
		Key:        k.Key(s.Timestamp),
		Timestamp:  s.Timestamp.UTC(),
		Attributes: attrs,
	}
}

// ItemsFromFrame converts every sample in f, preserving order.
func (k Keyer) ItemsFromFrame(f frame.Frame) []Item {
	items := make([]Item, 0, f.Len())
	for _, s := range f.Samples() {
		items = append(items, k.ItemFromSample(s))
	}
	return items
}

// KeysBetween enumerates keys from start to end inclusive at step granularity.
func (k Keyer) KeysBetween(start, end time.Time, step time.Duration) []string {
	if step <= 0 || end.Before(start) {
		return nil
	}
	keys := make([]string, 0, int(end.Sub(start)/step)+1)
	for ts := start; !ts.After(end); ts = ts.Add(step) {
		keys = append(keys, k.Key(ts))
	}
	return keys
}

// Columns returns the sorted union of attribute names across items.
func Columns(items []Item) []string {
	seen := make(map[string]struct{})
	for _, it := range items {
		for name := range it.Attributes {
			seen[name] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for name := range seen {
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols
}

// ToFrame rebuilds a frame from items ordered by timestamp.
func ToFrame(items []Item) (frame.Frame, error) {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	samples := make([]frame.Sample, 0, len(sorted))
	for _, it := range sorted {
		samples = append(samples, frame.Sample{Timestamp: it.Timestamp, Fields: it.Attributes})
	}
	return frame.New(Columns(sorted), samples)
}

func keysOf(items []Item) []string {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	return keys
}
