// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/spu-profiler/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"go.opentelemetry.io/spu-profiler/libpf"
	"go.opentelemetry.io/spu-profiler/vc"
)

var (
	// prevTimestamp holds the timestamp of the buffered metrics
	prevTimestamp libpf.UnixTime32

	// metricsBuffer accumulates the values reported for prevTimestamp. Counters are
	// summed up, gauges keep the last value.
	metricsBuffer [IDMax]MetricValue

	// pending marks the IDs that have a value in metricsBuffer
	pending [IDMax]bool

	// mutex serializes the concurrent calls to AddSlice()
	mutex sync.Mutex

	//go:embed metrics.json
	metricsJSON []byte

	metricTypes map[MetricID]MetricType

	// OTel metric instrumentation
	meter = otel.Meter("go.opentelemetry.io/spu-profiler",
		metric.WithInstrumentationVersion(vc.Version()))
	counters = map[MetricID]metric.Int64Counter{}
	gauges   = map[MetricID]metric.Int64Gauge{}

	reporterImpl MetricsReporter
)

// SetReporter registers an additional receiver for the reported metrics.
func SetReporter(r MetricsReporter) {
	mutex.Lock()
	defer mutex.Unlock()
	reporterImpl = r
}

func init() {
	defs, err := GetDefinitions()
	if err != nil {
		panic(err)
	}
	metricTypes = make(map[MetricID]MetricType, len(defs))
	for _, md := range defs {
		if md.Obsolete {
			continue
		}
		metricTypes[md.ID] = md.Type
		switch typ := md.Type; typ {
		case MetricTypeCounter:
			counter, err := meter.Int64Counter(md.Name,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Counter: %v", err)
				continue
			}
			counters[md.ID] = counter
		case MetricTypeGauge:
			gauge, err := meter.Int64Gauge(md.Name,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Gauge: %v", err)
				continue
			}
			gauges[md.ID] = gauge
		default:
			panic(fmt.Sprintf("Unknown metric type: %v", typ))
		}
	}
}

// report converts and reports the buffered metrics via OTel metrics.
// The caller must hold mutex.
func report() {
	ctx := context.Background()
	ids := make([]uint32, 0, IDMax)
	values := make([]int64, 0, IDMax)

	for id := MetricID(IDInvalid + 1); id < IDMax; id++ {
		if !pending[id] {
			continue
		}
		value := int64(metricsBuffer[id])
		ids = append(ids, uint32(id))
		values = append(values, value)

		switch metricTypes[id] {
		case MetricTypeCounter:
			if counter, ok := counters[id]; ok {
				counter.Add(ctx, value)
			}
		case MetricTypeGauge:
			if gauge, ok := gauges[id]; ok {
				gauge.Record(ctx, value)
			}
		}
		pending[id] = false
		metricsBuffer[id] = 0
	}

	if reporterImpl != nil && len(ids) > 0 {
		reporterImpl.ReportMetrics(uint32(prevTimestamp), ids, values)
	}
}

// AddSlice takes a slice of metrics from a metric provider.
// The function buffers the metrics and returns immediately.
//
// Metrics are accumulated until the timestamp (second resolution) changes, then
// everything buffered for the previous timestamp is reported at once.
func AddSlice(newMetrics []Metric) {
	now := libpf.UnixTime32(libpf.NowAsUInt32())

	mutex.Lock()
	defer mutex.Unlock()

	if prevTimestamp != now {
		report()
	}
	prevTimestamp = now

	for _, m := range newMetrics {
		if m.ID <= IDInvalid || m.ID >= IDMax {
			log.Errorf("Metric value %d out of range [%d,%d]- needs investigation",
				m.ID, IDInvalid+1, IDMax-1)
			continue
		}

		typ, ok := metricTypes[m.ID]
		if !ok {
			log.Warnf("Invalid metric id %d, skipping", m.ID)
			continue
		}

		switch typ {
		case MetricTypeCounter:
			if m.Value == 0 {
				continue
			}
			metricsBuffer[m.ID] += m.Value
		case MetricTypeGauge:
			metricsBuffer[m.ID] = m.Value
		}
		pending[m.ID] = true
	}
}

// Add takes a single metric (id and value) from a metric provider.
// The function buffers the metric and returns immediately.
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{id, value}})
}

// Flush reports the buffered metrics without waiting for the timestamp to change.
func Flush() {
	mutex.Lock()
	defer mutex.Unlock()
	report()
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() ([]MetricDefinition, error) {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&defs); err != nil {
		return nil, fmt.Errorf("extracting definitions from metrics.json: %w", err)
	}
	return defs, nil
}
