// Package metrics provides process-wide counters for the run core.
//
// The Collector accumulates counters for the lifetime of the server process.
// It is a leaf package with no internal dependencies. Event types are
// recorded as plain strings to keep it that way.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Run lifecycle
	RunsStarted   int64 `json:"runs_started_total"`
	RunsCompleted int64 `json:"runs_completed_total"`
	RunsFailed    int64 `json:"runs_failed_total"`

	// Worker
	WorkerLaunchSuccess int64 `json:"worker_launch_success_total"`
	WorkerLaunchFailure int64 `json:"worker_launch_failure_total"`
	WorkerNonZeroExit   int64 `json:"worker_nonzero_exit_total"`
	DecodeErrors        int64 `json:"line_decode_errors_total"`

	// Events appended to runs, by type
	EventsPublished int64            `json:"events_published_total"`
	EventsByType    map[string]int64 `json:"events_by_type"`

	// Durable store
	StoreWriteSuccess int64 `json:"store_write_success_total"`
	StoreWriteFailure int64 `json:"store_write_failure_total"`

	// Archive and notifications
	ArchiveWriteSuccess int64 `json:"archive_write_success_total"`
	ArchiveWriteFailure int64 `json:"archive_write_failure_total"`
	NotifySuccess       int64 `json:"notify_success_total"`
	NotifyFailure       int64 `json:"notify_failure_total"`

	// Boundary
	StreamsOpened int64 `json:"streams_opened_total"`

	// Dimensions (informational, set at construction)
	StorageBackend string `json:"storage_backend"`
	Adapter        string `json:"adapter,omitempty"`
}

// Collector accumulates counters. Thread-safe via sync.Mutex.
// All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	runsStarted   int64
	runsCompleted int64
	runsFailed    int64

	workerLaunchSuccess int64
	workerLaunchFailure int64
	workerNonZeroExit   int64
	decodeErrors        int64

	eventsPublished int64
	eventsByType    map[string]int64

	storeWriteSuccess int64
	storeWriteFailure int64

	archiveWriteSuccess int64
	archiveWriteFailure int64
	notifySuccess       int64
	notifyFailure       int64

	streamsOpened int64

	storageBackend string
	adapter        string
}

// NewCollector creates a Collector with dimension labels.
// adapter is empty when notifications are disabled.
func NewCollector(storageBackend, adapter string) *Collector {
	return &Collector{
		eventsByType:   make(map[string]int64),
		storageBackend: storageBackend,
		adapter:        adapter,
	}
}

func (c *Collector) inc(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// --- Run lifecycle ---

// IncRunStarted records a run start.
func (c *Collector) IncRunStarted() {
	if c == nil {
		return
	}
	c.inc(&c.runsStarted)
}

// IncRunCompleted records a run reaching completed.
func (c *Collector) IncRunCompleted() {
	if c == nil {
		return
	}
	c.inc(&c.runsCompleted)
}

// IncRunFailed records a run reaching failed.
func (c *Collector) IncRunFailed() {
	if c == nil {
		return
	}
	c.inc(&c.runsFailed)
}

// --- Worker ---

// IncWorkerLaunchSuccess records a successful worker spawn.
func (c *Collector) IncWorkerLaunchSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.workerLaunchSuccess)
}

// IncWorkerLaunchFailure records a failed worker spawn.
func (c *Collector) IncWorkerLaunchFailure() {
	if c == nil {
		return
	}
	c.inc(&c.workerLaunchFailure)
}

// IncWorkerNonZeroExit records a worker exiting with a non-zero code.
func (c *Collector) IncWorkerNonZeroExit() {
	if c == nil {
		return
	}
	c.inc(&c.workerNonZeroExit)
}

// IncDecodeErrors records a dropped worker output line.
func (c *Collector) IncDecodeErrors() {
	if c == nil {
		return
	}
	c.inc(&c.decodeErrors)
}

// ObserveEvent records one event appended to a run.
func (c *Collector) ObserveEvent(eventType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsPublished++
	c.eventsByType[eventType]++
	c.mu.Unlock()
}

// --- Durable store ---
// Counters are per Save call, not per event.

// IncStoreWriteSuccess records a successful durable save.
func (c *Collector) IncStoreWriteSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.storeWriteSuccess)
}

// IncStoreWriteFailure records a failed durable save.
func (c *Collector) IncStoreWriteFailure() {
	if c == nil {
		return
	}
	c.inc(&c.storeWriteFailure)
}

// --- Archive and notifications ---

// IncArchiveWriteSuccess records a successful archive write.
func (c *Collector) IncArchiveWriteSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.archiveWriteSuccess)
}

// IncArchiveWriteFailure records a failed archive write.
func (c *Collector) IncArchiveWriteFailure() {
	if c == nil {
		return
	}
	c.inc(&c.archiveWriteFailure)
}

// IncNotifySuccess records a delivered run-finished notification.
func (c *Collector) IncNotifySuccess() {
	if c == nil {
		return
	}
	c.inc(&c.notifySuccess)
}

// IncNotifyFailure records a failed run-finished notification.
func (c *Collector) IncNotifyFailure() {
	if c == nil {
		return
	}
	c.inc(&c.notifyFailure)
}

// --- Boundary ---

// IncStreamsOpened records an event stream handed to a client.
func (c *Collector) IncStreamsOpened() {
	if c == nil {
		return
	}
	c.inc(&c.streamsOpened)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byType := make(map[string]int64, len(c.eventsByType))
	for k, v := range c.eventsByType {
		byType[k] = v
	}

	return Snapshot{
		RunsStarted:   c.runsStarted,
		RunsCompleted: c.runsCompleted,
		RunsFailed:    c.runsFailed,

		WorkerLaunchSuccess: c.workerLaunchSuccess,
		WorkerLaunchFailure: c.workerLaunchFailure,
		WorkerNonZeroExit:   c.workerNonZeroExit,
		DecodeErrors:        c.decodeErrors,

		EventsPublished: c.eventsPublished,
		EventsByType:    byType,

		StoreWriteSuccess: c.storeWriteSuccess,
		StoreWriteFailure: c.storeWriteFailure,

		ArchiveWriteSuccess: c.archiveWriteSuccess,
		ArchiveWriteFailure: c.archiveWriteFailure,
		NotifySuccess:       c.notifySuccess,
		NotifyFailure:       c.notifyFailure,

		StreamsOpened: c.streamsOpened,

		StorageBackend: c.storageBackend,
		Adapter:        c.adapter,
	}
}
