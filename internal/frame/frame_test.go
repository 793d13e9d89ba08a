package frame

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func minuteSamples(start time.Time, n int) []Sample {
	samples := make([]Sample, n)
	for i := range samples {
		samples[i] = Sample{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Fields:    map[string]Value{"close": Number(decimal.NewFromInt(int64(100 + i)))},
		}
	}
	return samples
}

func TestNewRejectsNonMonotonic(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := minuteSamples(start, 3)
	samples[2].Timestamp = samples[1].Timestamp

	if _, err := New([]string{"close"}, samples); !errors.Is(err, ErrNotMonotonic) {
		t.Fatalf("重复时间戳应返回 ErrNotMonotonic, 实际 %v", err)
	}
}

func TestLastTwoAndTail(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f, err := New([]string{"close"}, minuteSamples(start, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prev, latest, err := f.LastTwo()
	if err != nil {
		t.Fatalf("LastTwo failed: %v", err)
	}
	if !prev.Equal(start.Add(8*time.Minute)) || !latest.Equal(start.Add(9*time.Minute)) {
		t.Fatalf("unexpected pair %s %s", prev, latest)
	}

	last, err := f.Last()
	if err != nil {
		t.Fatalf("Last failed: %v", err)
	}
	if last.Len() != 1 || !last.At(0).Timestamp.Equal(latest) {
		t.Fatalf("Last should hold only the newest sample")
	}
	if f.Tail(3).Len() != 3 || f.Tail(50).Len() != 10 || f.Tail(0).Len() != 0 {
		t.Fatal("Tail returned wrong lengths")
	}
	if f.Len() != 10 {
		t.Fatal("source frame must not be mutated")
	}
}

func TestLastTwoTooFew(t *testing.T) {
	f, err := New(nil, minuteSamples(time.Now(), 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := f.LastTwo(); !errors.Is(err, ErrTooFewSamples) {
		t.Fatalf("expected ErrTooFewSamples, got %v", err)
	}
	if _, err := (Frame{}).Last(); !errors.Is(err, ErrTooFewSamples) {
		t.Fatalf("empty frame Last should fail, got %v", err)
	}
}

func TestParseJSONValue(t *testing.T) {
	cases := []struct {
		name string
		raw  any
		kind Kind
		want string
	}{
		{"null", nil, KindAbsent, ""},
		{"number", json.Number("42000.123456789012345678"), KindNumber, "42000.123456789012345678"},
		{"nan string", "NaN", KindAbsent, ""},
		{"label", "No error", KindString, "No error"},
		{"bool", true, KindString, "true"},
		{"float", 0.1, KindNumber, "0.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := ParseJSONValue(tc.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Kind() != tc.kind || v.String() != tc.want {
				t.Fatalf("got %s %q, want %s %q", v.Kind(), v.String(), tc.kind, tc.want)
			}
		})
	}

	if _, err := ParseJSONValue(map[string]any{}); err == nil {
		t.Fatal("objects must be rejected")
	}
}

func TestFloatNaNIsAbsent(t *testing.T) {
	if !Float(math.NaN()).IsAbsent() || !Float(math.Inf(1)).IsAbsent() {
		t.Fatal("NaN/Inf should be absent")
	}
}

func TestValueJSONRoundTripKeepsPrecision(t *testing.T) {
	in := map[string]Value{
		"close": Number(decimal.RequireFromString("0.30000000000000000001")),
		"label": String("x"),
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]Value
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out["close"].Equal(in["close"]) || !out["label"].Equal(in["label"]) {
		t.Fatalf("round trip changed values: %s", raw)
	}
}

func TestSyntheticDeterministic(t *testing.T) {
	end := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	opts := SyntheticOptions{End: end, Periods: 120, Granularity: time.Minute, Seed: 42}
	a, err := Synthetic(opts)
	if err != nil {
		t.Fatalf("Synthetic failed: %v", err)
	}
	b, _ := Synthetic(opts)

	if a.Len() != 120 || !a.Latest().Equal(end) {
		t.Fatalf("unexpected shape: len=%d latest=%s", a.Len(), a.Latest())
	}
	if !a.At(0).Field("close").Equal(b.At(0).Field("close")) {
		t.Fatal("same seed should produce the same frame")
	}
	if !a.At(0).Field("pfma").IsAbsent() || a.At(59).Field("pfma").IsAbsent() {
		t.Fatal("pfma should be absent until the 60-sample window fills")
	}
	if !a.At(119).Field("12h_close_mean").IsAbsent() {
		t.Fatal("12h mean should stay absent inside 120 samples")
	}
}
