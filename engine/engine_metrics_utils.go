package engine

import (
	"expvar"
	"fmt"
)

// latencyBuckets defines the buckets for latency histograms (in seconds).
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// observeLatency records one observation in a histogram map laid out as
// "count", "sum", "le_<bucket>" and "le_inf" entries. Buckets are
// cumulative, so the observation lands in every bucket at or above its
// value.
func observeLatency(hist *expvar.Map, durationSeconds float64) {
	if hist == nil {
		return
	}
	bumpInt(hist, "count")
	if sum, ok := hist.Get("sum").(*expvar.Float); ok {
		sum.Add(durationSeconds)
	}
	for _, b := range latencyBuckets {
		if durationSeconds <= b {
			bumpInt(hist, fmt.Sprintf("le_%.3f", b))
		}
	}
	// Every finite observation is below +Inf.
	bumpInt(hist, "le_inf")
}

func bumpInt(m *expvar.Map, key string) {
	if iv, ok := m.Get(key).(*expvar.Int); ok {
		iv.Add(1)
	}
}

// getOrPublish returns the global expvar under name, creating it with fresh
// when absent. Publishing the same name twice with different concrete types
// is a programming error, so a type clash panics.
func getOrPublish[V expvar.Var](name string, fresh func(string) V) V {
	existing := expvar.Get(name)
	if existing == nil {
		return fresh(name)
	}
	v, ok := existing.(V)
	if !ok {
		panic(fmt.Sprintf("expvar: %s already published with type %T", name, existing))
	}
	return v
}

// publishExpvarInt returns a zeroed global counter under name, reusing the
// published variable when one exists.
func publishExpvarInt(name string) *expvar.Int {
	iv := getOrPublish(name, expvar.NewInt)
	iv.Set(0)
	return iv
}

// publishExpvarMap returns the global map under name. Entries are left as
// they are; the caller resets whichever sub-metrics it owns.
func publishExpvarMap(name string) *expvar.Map {
	return getOrPublish(name, expvar.NewMap)
}

// publishExpvarFunc publishes a function-backed gauge once. Later calls
// with the same name keep the first function.
func publishExpvarFunc(name string, f func() interface{}) {
	if expvar.Get(name) == nil {
		expvar.Publish(name, expvar.Func(f))
	}
}
