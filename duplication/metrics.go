package duplication

import (
	"expvar"
	"fmt"
	"time"
)

// latencyBuckets are the upper bounds, in seconds, of the latency histograms.
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Metrics are the counters a duplicator updates. Nil fields are skipped.
type Metrics struct {
	ShippedMutations  *expvar.Int
	ShippedBatches    *expvar.Int
	ShipFailures      *expvar.Int
	PermanentFailures *expvar.Int
	// ShipLatencyHist records the duration of every Ship attempt.
	ShipLatencyHist *expvar.Map
}

// NewMetrics publishes the counters under prefix, reusing variables that
// already exist so a duplicator can be recreated in the same process.
func NewMetrics(prefix string) *Metrics {
	return &Metrics{
		ShippedMutations:  publishExpvarInt(prefix + "_shipped_mutations_total"),
		ShippedBatches:    publishExpvarInt(prefix + "_shipped_batches_total"),
		ShipFailures:      publishExpvarInt(prefix + "_ship_failures_total"),
		PermanentFailures: publishExpvarInt(prefix + "_permanent_failures_total"),
		ShipLatencyHist:   newHistogram(prefix + "_ship_latency_seconds"),
	}
}

func newHistogram(name string) *expvar.Map {
	m := publishExpvarMap(name)
	m.Set("count", new(expvar.Int))
	m.Set("sum", new(expvar.Float))
	for _, b := range latencyBuckets {
		m.Set(fmt.Sprintf("le_%.3f", b), new(expvar.Int))
	}
	m.Set("le_inf", new(expvar.Int))
	return m
}

func (m *Metrics) recordShip(mutations int) {
	if m == nil {
		return
	}
	addInt(m.ShippedMutations, int64(mutations))
	addInt(m.ShippedBatches, 1)
}

func (m *Metrics) recordShipFailure() {
	if m != nil {
		addInt(m.ShipFailures, 1)
	}
}

func (m *Metrics) recordPermanentFailure() {
	if m != nil {
		addInt(m.PermanentFailures, 1)
	}
}

func (m *Metrics) observeShipLatency(d time.Duration) {
	if m != nil {
		observeLatency(m.ShipLatencyHist, d.Seconds())
	}
}

// observeLatency records the duration in the provided histogram map.
func observeLatency(histMap *expvar.Map, durationSeconds float64) {
	if histMap == nil {
		return
	}
	if countInt, ok := histMap.Get("count").(*expvar.Int); ok {
		countInt.Add(1)
	}
	if sumFloat, ok := histMap.Get("sum").(*expvar.Float); ok {
		sumFloat.Add(durationSeconds)
	}
	for _, b := range latencyBuckets {
		if durationSeconds > b {
			continue
		}
		if bucketInt, ok := histMap.Get(fmt.Sprintf("le_%.3f", b)).(*expvar.Int); ok {
			bucketInt.Add(1)
		}
	}
	if infInt, ok := histMap.Get("le_inf").(*expvar.Int); ok {
		infInt.Add(1)
	}
}

func addInt(v *expvar.Int, delta int64) {
	if v != nil {
		v.Add(delta)
	}
}

// publishExpvarInt safely publishes an expvar.Int.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarMap safely publishes an expvar.Map.
func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}
