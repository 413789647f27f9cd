// Package logsink persists guest LOG() output and machine-exception
// records (§4.5 Observability syscalls) off the request hot path.
// Machine.Options.LogSink is a plain callback; a Sink's WriteFunc
// method is what a daemon wires into that callback so every guest log
// line and exception lands in durable storage without the machine
// package needing to know about persistence.
package logsink

import (
	"context"
	"sync"
	"time"
)

// Record is one guest log line or exception report.
type Record struct {
	Tenant    string    `json:"tenant"`
	VMType    string    `json:"vm_type"` // "request", "storage", or "debug"
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink abstracts the destination for guest log records. Implementations
// must be safe for concurrent use since Machine.Options.LogSink can be
// invoked from any vCPU thread.
type Sink interface {
	// Write persists a single log record.
	Write(ctx context.Context, rec Record) error

	// Close releases any resources held by the sink.
	Close() error
}

// WriteFunc adapts a Sink into the bare func(tenant, vmType, msg string)
// callback shape Machine.Options.LogSink expects. Errors are swallowed;
// losing a log line must never affect a running machine.
func WriteFunc(s Sink) func(tenant, vmType, msg string) {
	return func(tenant, vmType, msg string) {
		_ = s.Write(context.Background(), Record{
			Tenant: tenant, VMType: vmType, Message: msg, Timestamp: time.Now(),
		})
	}
}

// MultiSink fans out log writes to multiple sinks, e.g. Postgres for
// query plus an external system for analytics during a migration.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a Sink that writes to all provided sinks.
// The first error encountered from any sink is returned.
func NewMultiSink(primary Sink, secondary ...Sink) *MultiSink {
	sinks := make([]Sink, 0, 1+len(secondary))
	sinks = append(sinks, primary)
	sinks = append(sinks, secondary...)
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Write(ctx context.Context, rec Record) error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Write(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSink) Close() error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NoopSink discards all records. Useful for testing or when a tenant's
// group has no durable logging requirement.
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (n *NoopSink) Write(_ context.Context, _ Record) error { return nil }
func (n *NoopSink) Close() error                             { return nil }

// MemorySink buffers records in memory, bounded by a capacity, dropping
// the oldest record once full. The daemon keeps one in its MultiSink;
// Recent returns the buffered records without a database round trip.
type MemorySink struct {
	mu       sync.Mutex
	cap      int
	records  []Record
}

func NewMemorySink(capacity int) *MemorySink {
	return &MemorySink{cap: capacity}
}

func (m *MemorySink) Write(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	if len(m.records) > m.cap {
		m.records = m.records[len(m.records)-m.cap:]
	}
	return nil
}

func (m *MemorySink) Close() error { return nil }

// Recent returns a copy of the currently buffered records, oldest first.
func (m *MemorySink) Recent() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}
