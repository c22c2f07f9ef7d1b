// Package latency models the per-operation timing of the emulated device.
// The device core records a sample after each store/retrieve and may sleep
// the calling goroutine for the modeled duration, minus a shared
// queue-latency offset that approximates concurrent-queue overlap.
package latency

import (
	"sync"
	"sync/atomic"
	"time"
)

// OpKind classifies a sample for the throughput model.
type OpKind uint8

const (
	OpInsert OpKind = iota
	OpUpdate
	OpRead
	opKinds
)

// Model converts operation byte sizes into expected device latencies. The
// coefficient vector is a polynomial in the byte size:
//
//	ns = c[0] + c[1]*size + c[2]*size^2 + ...
//
// A Model is safe for concurrent use.
type Model struct {
	mu      sync.Mutex
	coeffs  []float64
	samples [opKinds]uint64
	last    time.Duration
}

func NewModel(coeffs []float64) *Model {
	m := &Model{coeffs: make([]float64, len(coeffs))}
	copy(m.coeffs, coeffs)
	return m
}

// Collect records one operation sample.
func (m *Model) Collect(kind OpKind, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if kind < opKinds {
		m.samples[kind]++
	}
	m.last = m.evaluate(size)
}

// ExpectedLatency returns the modeled latency of the most recent sample.
func (m *Model) ExpectedLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Samples returns how many operations of the given kind were recorded.
func (m *Model) Samples(kind OpKind) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind >= opKinds {
		return 0
	}
	return m.samples[kind]
}

func (m *Model) evaluate(size int) time.Duration {
	ns, pow := 0.0, 1.0
	for _, c := range m.coeffs {
		ns += c * pow
		pow *= float64(size)
	}
	if ns < 0 {
		return 0
	}
	return time.Duration(ns)
}

// QueueOffset is the shared queue-latency adjustment subtracted from each
// modeled latency. It is explicit injected state so that independent
// devices in one test process do not share it by accident.
type QueueOffset struct {
	ns atomic.Int64
}

func (q *QueueOffset) Set(d time.Duration) {
	q.ns.Store(int64(d))
}

func (q *QueueOffset) Get() time.Duration {
	return time.Duration(q.ns.Load())
}

// WaitUntil sleeps the calling goroutine until d has elapsed since begin.
// Time already spent since begin counts toward d; once started the sleep
// runs to completion.
func WaitUntil(begin time.Time, d time.Duration) {
	if remaining := d - time.Since(begin); remaining > 0 {
		time.Sleep(remaining)
	}
}
