package upload

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/device"
	"github.com/vkngwrapper/stockpile/memutils"
	"github.com/vkngwrapper/stockpile/resource"
)

const (
	DefaultStaticStagingSize = 8 * 1024 * 1024
	// StagingAlignment is the alignment of every task's offset into a staging buffer
	StagingAlignment = 16
)

// ErrDanglingDestination is reported for a task whose destination was released before it was uploaded
var ErrDanglingDestination = errors.New("upload destination was released")

type Options struct {
	// StaticStagingSize is the capacity of the staging buffer that lives as long as the uploader.
	// Zero selects DefaultStaticStagingSize.
	StaticStagingSize int
}

// stagingBuffer is a persistently mapped host-visible buffer. Dynamic staging buffers are released
// when their last task completes.
type stagingBuffer struct {
	buffer      *resource.Buffer
	mapped      []byte
	outstanding int
}

func createStaging(ctx *resource.Context, name string, size int) (*stagingBuffer, error) {
	buffer, err := resource.CreateBuffer(ctx, resource.BufferCreateInfo{
		Name:                 name,
		Usage:                core1_0.BufferUsageTransferSrc,
		MemoryFlags:          core1_0.MemoryPropertyHostVisible,
		PreferredMemoryFlags: core1_0.MemoryPropertyHostCoherent,
		Size:                 size,
	})
	if err != nil {
		return nil, err
	}

	mapped, err := buffer.Map()
	if err != nil {
		return nil, errors.CombineErrors(err, buffer.Release())
	}

	return &stagingBuffer{buffer: buffer, mapped: mapped}, nil
}

func (s *stagingBuffer) release() error {
	err := s.buffer.Unmap()
	if err != nil {
		return err
	}
	s.mapped = nil
	return s.buffer.Release()
}

// FlushResult is the set of tasks recorded by one Flush. It must be passed to Complete once the
// submission containing the recorded commands has finished executing.
type FlushResult struct {
	tasks   []Task
	dynamic []*stagingBuffer
	static  bool

	// Errors holds one error per task that was dropped during the flush
	Errors       []error
	StagingBytes int
}

// Uploader packs queued tasks into staging memory and records their transfers. Enqueue may be
// called from any goroutine. Everything else belongs to the thread that records command buffers.
type Uploader struct {
	logger *slog.Logger
	ctx    *resource.Context

	static         *stagingBuffer
	staticInFlight bool

	mutex   sync.Mutex
	pending []Task
}

func New(logger *slog.Logger, ctx *resource.Context, options Options) (*Uploader, error) {
	size := options.StaticStagingSize
	if size == 0 {
		size = DefaultStaticStagingSize
	}
	if size < 0 {
		return nil, memutils.ValidationErrorf("invalid static staging size %d", size)
	}

	static, err := createStaging(ctx, "upload.static", size)
	if err != nil {
		return nil, err
	}

	return &Uploader{
		logger: logger,
		ctx:    ctx,
		static: static,
	}, nil
}

func (u *Uploader) StaticStagingSize() int {
	return u.static.buffer.Size()
}

func (u *Uploader) Enqueue(tasks ...Task) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	u.pending = append(u.pending, tasks...)
}

// Pending is the number of tasks waiting for a flush
func (u *Uploader) Pending() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	return len(u.pending)
}

func (u *Uploader) takePending() []Task {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	queue := u.pending
	u.pending = nil
	return queue
}

// requeue puts tasks that did not fit back at the head of the queue
func (u *Uploader) requeue(tasks []Task) {
	if len(tasks) == 0 {
		return
	}

	u.mutex.Lock()
	defer u.mutex.Unlock()

	u.pending = append(tasks, u.pending...)
}

// Flush records queued tasks into cmd in the order they were enqueued. Tasks are packed into the
// static staging buffer until one does not fit in what remains; it and everything behind it wait for
// the next flush. A dynamic staging buffer, sized to exactly what it holds, is created when the static
// buffer cannot take the head of the queue: either the head task is larger than the static buffer, in
// which case it gets a buffer of its own, or the static buffer is still in use by a flush that has not
// been completed, in which case the dynamic buffer takes as many tasks as the static buffer would.
func (u *Uploader) Flush(cmd device.CommandRecorder) (FlushResult, error) {
	u.logger.Debug("Uploader::Flush")

	var result FlushResult
	queue := u.dropDangling(u.takePending(), &result)
	if len(queue) == 0 {
		return result, nil
	}

	if queue[0].UploadSize() > u.static.buffer.Size() {
		recorded, err := u.recordDynamic(cmd, queue[:1], &result)
		queue = queue[recorded:]
		if err != nil {
			u.requeue(queue)
			return result, err
		}
	}

	if len(queue) > 0 && u.staticInFlight {
		recorded, err := u.recordDynamic(cmd, u.fitStatic(queue), &result)
		queue = queue[recorded:]
		if err != nil {
			u.requeue(queue)
			return result, err
		}
	} else if len(queue) > 0 {
		recorded, err := u.record(cmd, u.static, queue, &result)
		queue = queue[recorded:]
		if u.static.outstanding > 0 {
			result.static = true
			u.staticInFlight = true
		}
		if err != nil {
			u.requeue(queue)
			return result, err
		}
	}

	u.requeue(queue)

	u.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Flushed uploads",
		slog.Int("tasks", len(result.tasks)),
		slog.Int("stagingBytes", result.StagingBytes),
		slog.Int("waiting", len(queue)),
	)
	return result, nil
}

// fitStatic returns the leading tasks that would have been packed into an idle static buffer
func (u *Uploader) fitStatic(queue []Task) []Task {
	size := 0
	for index, task := range queue {
		if size+task.UploadSize() > u.static.buffer.Size() {
			return queue[:index]
		}
		size += alignedSize(task)
	}
	return queue
}

// recordDynamic packs tasks into a new staging buffer just large enough to hold all of them
func (u *Uploader) recordDynamic(cmd device.CommandRecorder, tasks []Task, result *FlushResult) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}

	size := 0
	for _, task := range tasks {
		size += alignedSize(task)
	}

	dynamic, err := createStaging(u.ctx, "upload.dynamic", size)
	if err != nil {
		return 0, err
	}

	recorded, err := u.record(cmd, dynamic, tasks, result)
	if dynamic.outstanding > 0 {
		result.dynamic = append(result.dynamic, dynamic)
	} else {
		err = errors.CombineErrors(err, dynamic.release())
	}
	return recorded, err
}

func (u *Uploader) dropDangling(queue []Task, result *FlushResult) []Task {
	live := queue[:0]
	for _, task := range queue {
		destination := task.Destination()
		if !destination.IsReleased() {
			live = append(live, task)
			continue
		}

		u.drop(task, errors.Wrapf(ErrDanglingDestination, "destination %q", destination.Name()), result)
	}
	return live
}

// drop reports err for a task that will never be finished and lets go of its destination
func (u *Uploader) drop(task Task, err error, result *FlushResult) {
	u.logger.LogAttrs(context.Background(), slog.LevelError, "dropped upload task", slog.Any("error", err))
	result.Errors = append(result.Errors, err)

	if releaseErr := task.Release(); releaseErr != nil {
		result.Errors = append(result.Errors, releaseErr)
	}
}

func alignedSize(task Task) int {
	return memutils.AlignUp(task.UploadSize(), StagingAlignment)
}

// record packs tasks into staging back to back and returns how many of them it consumed. A task
// whose UploadDevice fails is consumed and reported in result.Errors. The returned error is fatal
// and comes from flushing the staging memory.
func (u *Uploader) record(cmd device.CommandRecorder, staging *stagingBuffer, tasks []Task, result *FlushResult) (int, error) {
	offset := 0
	consumed := 0
	for _, task := range tasks {
		size := task.UploadSize()
		if offset+size > len(staging.mapped) {
			break
		}
		consumed++

		err := task.UploadDevice(offset, staging.mapped[offset:offset+size], cmd, staging.buffer)
		if err != nil {
			u.drop(task, errors.Wrapf(err, "failed to upload to %q", task.Destination().Name()), result)
			continue
		}

		result.tasks = append(result.tasks, task)
		result.StagingBytes += size
		staging.outstanding++
		offset = memutils.AlignUp(offset+size, StagingAlignment)
	}

	if consumed == 0 {
		return 0, nil
	}
	return consumed, staging.buffer.Flush()
}

// Complete runs the finish callback of every task in result and returns the staging memory they
// used. Call it only after the submission containing the flush has finished executing. A task whose
// destination was released while its copy was in flight is not finished; it is reported as an
// ErrDanglingDestination instead.
func (u *Uploader) Complete(result FlushResult) error {
	u.logger.Debug("Uploader::Complete")

	var err error
	for _, task := range result.tasks {
		err = errors.CombineErrors(err, u.finish(task))
	}

	for _, dynamic := range result.dynamic {
		dynamic.outstanding = 0
		err = errors.CombineErrors(err, dynamic.release())
	}
	if result.static {
		u.static.outstanding = 0
		u.staticInFlight = false
	}

	return err
}

func (u *Uploader) finish(task Task) error {
	var err error
	if destination := task.Destination(); destination.IsReleased() {
		err = errors.Wrapf(ErrDanglingDestination, "destination %q was released during its upload", destination.Name())
		u.logger.LogAttrs(context.Background(), slog.LevelError, "abandoned upload task", slog.Any("error", err))
	} else {
		err = task.FinishCallback()
	}

	return errors.CombineErrors(err, task.Release())
}

// ExecuteImmediately uploads tasks through their own staging buffer, submits the transfer and waits
// for it to finish before running the finish callbacks. It does not touch the queue.
func (u *Uploader) ExecuteImmediately(tasks ...Task) (FlushResult, error) {
	u.logger.Debug("Uploader::ExecuteImmediately")

	var result FlushResult
	tasks = u.dropDangling(append([]Task(nil), tasks...), &result)
	if len(tasks) == 0 {
		return result, nil
	}

	size := 0
	for _, task := range tasks {
		size += alignedSize(task)
	}

	staging, err := createStaging(u.ctx, "upload.immediate", size)
	if err != nil {
		return result, errors.CombineErrors(err, releaseAll(tasks))
	}

	consumed := 0
	err = u.ctx.Device().SubmitImmediate(u.ctx.Device().QueueFamilies().Graphics, func(cmd device.CommandRecorder) error {
		var recordErr error
		consumed, recordErr = u.record(cmd, staging, tasks, &result)
		return recordErr
	})
	if err != nil {
		err = errors.Wrap(err, "immediate upload failed")
		err = errors.CombineErrors(err, releaseAll(result.tasks))
		err = errors.CombineErrors(err, releaseAll(tasks[consumed:]))
		return result, errors.CombineErrors(err, staging.release())
	}

	result.dynamic = append(result.dynamic, staging)
	return result, u.Complete(result)
}

func releaseAll(tasks []Task) error {
	var err error
	for _, task := range tasks {
		err = errors.CombineErrors(err, task.Release())
	}
	return err
}

// Destroy releases the static staging buffer. Tasks still queued are dropped without being finished.
// Every FlushResult must have been completed first.
func (u *Uploader) Destroy() error {
	u.logger.Debug("Uploader::Destroy")

	err := releaseAll(u.takePending())
	return errors.CombineErrors(err, u.static.release())
}
