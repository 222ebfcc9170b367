// Package concore wires the disk manager, buffer pool, lock manager, and
// B+Tree index packages into one runnable store, configured by a plain
// Options struct with a DefaultOptions constructor.
package concore

import (
	"context"
	"time"

	"concore/pkg/bufferpool"
	"concore/pkg/disk"
	"concore/pkg/lock"
)

// Options configures an Engine. Every field has a usable zero-adjacent
// default filled in by DefaultOptions.
type Options struct {
	// PebblePath is the pebble directory backing the disk manager. Left
	// empty with InMemory set true, the store lives only in memory.
	PebblePath string
	// InMemory backs the disk manager with vfs.NewMem(), for tests and
	// examples that should not touch the filesystem.
	InMemory bool
	// BufferPoolFrames is the fixed number of page frames the buffer
	// pool keeps resident.
	BufferPoolFrames int
	// CycleDetectionInterval is how often the lock manager's background
	// goroutine rebuilds the waits-for graph and looks for a cycle.
	CycleDetectionInterval time.Duration
}

// DefaultOptions returns a small in-memory configuration suitable for
// tests and examples.
func DefaultOptions() Options {
	return Options{
		InMemory:               true,
		BufferPoolFrames:       128,
		CycleDetectionInterval: 50 * time.Millisecond,
	}
}

// Engine owns one disk manager, one buffer pool drawn over it, and one
// lock manager shared by every index opened through it. BTree indexes
// are opened individually via btree.New against Pool and Disk, each keeping its own root page
// id entry in the disk manager's header directory.
type Engine struct {
	Disk  *disk.Manager
	Pool  *bufferpool.Manager
	Locks *lock.Manager
}

// Open brings up an Engine's storage and concurrency-control layers and
// starts the lock manager's background deadlock detector. Call Close
// when done.
func Open(opts Options) (*Engine, error) {
	d, err := disk.Open(disk.OpenOptions{Path: opts.PebblePath, InMemory: opts.InMemory})
	if err != nil {
		return nil, err
	}

	pool := bufferpool.NewManager(opts.BufferPoolFrames, d)
	locks := lock.New()
	locks.RunCycleDetection(context.Background(), opts.CycleDetectionInterval)

	return &Engine{Disk: d, Pool: pool, Locks: locks}, nil
}

// Close stops the deadlock detector and closes the underlying disk
// manager, flushing nothing beyond what the buffer pool has already
// written back — callers are responsible for unpinning and flushing any
// page they still hold pinned before calling Close.
func (e *Engine) Close() error {
	e.Locks.Stop()
	return e.Disk.Close()
}
