// Package upload streams CPU-side bytes into device resources through host-visible staging buffers
package upload

import (
	"github.com/vkngwrapper/stockpile/device"
	"github.com/vkngwrapper/stockpile/resource"
)

// Destination is the resource a task writes to. *resource.Buffer and *resource.Image both satisfy it.
type Destination interface {
	Name() string
	// IsReleased reports whether the destination's owner has let go of it. An upload into a released
	// destination is dropped, or if it was already recorded its completion is not reported.
	IsReleased() bool
}

// Task is one pending transfer. A task is handed to exactly one flush and its FinishCallback runs
// once the submission containing that flush has completed. A task keeps its destination alive until
// the uploader calls Release, so the destination's memory is never reused while a copy into it may
// still be executing.
type Task interface {
	// UploadSize is the number of staging bytes the task needs
	UploadSize() int
	Destination() Destination
	// UploadDevice copies the task's bytes into staging, which is the task's UploadSize bytes of the
	// mapped staging buffer starting at stagingOffset, and records the prepare, copy and finish
	// commands into cmd.
	UploadDevice(stagingOffset int, staging []byte, cmd device.CommandRecorder, stagingBuffer *resource.Buffer) error
	// FinishCallback marks the destination asset ready. The task drops its source bytes here.
	FinishCallback() error
	// Release drops the task's hold on its destination. The uploader calls it exactly once, when the
	// task is finished, dropped or discarded.
	Release() error
}
