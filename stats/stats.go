// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides named counters for the workers of a run.
// Each worker keeps its own Map; snapshots of the maps are returned to
// the driver, which adds them up.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Counter names shared by the workers.
const (
	// Keypoints is the number of keypoints produced by local detection.
	Keypoints = "keypoints"
	// BytesSent is the number of record bytes contributed to the exchange.
	BytesSent = "bytes_sent"
	// BytesGathered is the number of record bytes received by the root.
	BytesGathered = "bytes_gathered"
	// DetectNanos is the time spent in local detection.
	DetectNanos = "detect_ns"
	// ExchangeNanos is the time spent in the collective exchange.
	ExchangeNanos = "exchange_ns"
)

// Values is a snapshot of a set of counters.
type Values map[string]int64

// Add adds every counter in w to v.
func (v Values) Add(w Values) {
	for k, n := range w {
		v[k] += n
	}
}

// Duration interprets the named counter as nanoseconds.
func (v Values) Duration(name string) time.Duration {
	return time.Duration(v[name])
}

// String returns the values as "name:value" pairs sorted by name.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name. It is safe for
// concurrent use.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the named counter, creating it if needed.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	return v
}

// Since adds the time elapsed since start to the named counter.
func (m *Map) Since(name string, start time.Time) {
	m.Int(name).Add(int64(time.Since(start)))
}

// Snapshot returns the current value of every counter.
func (m *Map) Snapshot() Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	vals := make(Values, len(m.values))
	for k, v := range m.values {
		vals[k] = v.Get()
	}
	return vals
}

// An Int is an atomic integer counter. A nil Int ignores updates and
// reads as zero.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v != nil {
		atomic.AddInt64(&v.val, delta)
	}
}

// Get returns the counter's value.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
