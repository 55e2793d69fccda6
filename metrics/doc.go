// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics contains the code for collecting and reporting the profiler's own metrics.

Metric definitions live in metrics.json; ids.go is generated from it. Providers call
Add or AddSlice from any Go routine. Values are buffered per second: counters reported
within the same second are summed up, gauges keep the last value. When the second
changes (or on Flush) the buffered values are exported through OpenTelemetry
instruments and handed to an optional MetricsReporter.

	metrics
	├── genids/         // generator for ids.go
	├── ids.go          // generated metric ids
	├── metrics.go      // Add(), AddSlice() and Flush()
	├── metrics.json    // metric definitions
	└── types.go        // Metric, MetricID, MetricValue and definition types
*/
package metrics
