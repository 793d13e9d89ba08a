package frame

import (
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// SyntheticOptions parameterise Synthetic.
type SyntheticOptions struct {
	End         time.Time
	Periods     int
	Granularity time.Duration
	Seed        int64
	// FastWindow and SlowWindow are the rolling-mean lengths for the pfma and 12h_close_mean columns.
	FastWindow int
	SlowWindow int
}

var syntheticLabels = []string{"Error A", "Error B", "No error"}

// Synthetic builds a deterministic demo frame: uniform close prices between
// 50000 and 100000, a desired_op_pct in [0,1), an order_error label, and two
// rolling means of close. Rolling means are absent until their window fills.
func Synthetic(opts SyntheticOptions) (Frame, error) {
	if opts.Granularity <= 0 {
		opts.Granularity = time.Minute
	}
	if opts.FastWindow <= 0 {
		opts.FastWindow = 60
	}
	if opts.SlowWindow <= 0 {
		opts.SlowWindow = 720
	}
	end := opts.End.UTC().Truncate(opts.Granularity)
	rng := rand.New(rand.NewSource(opts.Seed))

	columns := []string{"close", "desired_op_pct", "order_error", "pfma", "12h_close_mean"}
	samples := make([]Sample, opts.Periods)
	closes := make([]decimal.Decimal, opts.Periods)

	start := end.Add(-time.Duration(opts.Periods-1) * opts.Granularity)
	for i := 0; i < opts.Periods; i++ {
		closeVal := decimal.NewFromFloat(50000 + rng.Float64()*50000).Round(8)
		closes[i] = closeVal
		samples[i] = Sample{
			Timestamp: start.Add(time.Duration(i) * opts.Granularity),
			Fields: map[string]Value{
				"close":          Number(closeVal),
				"desired_op_pct": Number(decimal.NewFromFloat(rng.Float64()).Round(8)),
				"order_error":    String(syntheticLabels[rng.Intn(len(syntheticLabels))]),
				"pfma":           rollingMean(closes, i, opts.FastWindow),
				"12h_close_mean": rollingMean(closes, i, opts.SlowWindow),
			},
		}
	}
	return New(columns, samples)
}

func rollingMean(values []decimal.Decimal, idx, window int) Value {
	if idx+1 < window {
		return Absent()
	}
	sum := decimal.Zero
	for i := idx - window + 1; i <= idx; i++ {
		sum = sum.Add(values[i])
	}
	return Number(sum.Div(decimal.NewFromInt(int64(window))))
}
