// Package device declares the capabilities the engine needs from an
// accelerator: a command queue for buffers, transfers and barriers, and
// compiled tasks that can be launched on it. Drivers implement these
// interfaces; the engine never sees anything more concrete.
package device

import "context"

// Handle represents the eventual completion of an asynchronous operation.
type Handle interface {
	// Wait blocks until the operation completed and returns its error.
	Wait(ctx context.Context) error
}

// Buffer is a region of device memory.
type Buffer interface {
	Size() int64
	// Address is the device-side location of the first byte.
	Address() uint64
}

// Queue is an in-order command queue of one device. Operations enqueued on
// the same queue complete in issue order. The wait lists of the Enqueue
// methods may hold handles from other queues.
type Queue interface {
	Name() string

	CreateBuffer(ctx context.Context, size int64) (Buffer, error)

	// WriteBuffer and ReadBuffer transfer synchronously.
	WriteBuffer(ctx context.Context, buf Buffer, offset int64, src []byte) error
	ReadBuffer(ctx context.Context, buf Buffer, offset int64, dst []byte) error

	// EnqueueWriteBuffer must not be followed by writes to src, nor
	// EnqueueReadBuffer by reads of dst, until the returned handle completed.
	EnqueueWriteBuffer(ctx context.Context, buf Buffer, offset int64, src []byte, wait []Handle) (Handle, error)
	EnqueueReadBuffer(ctx context.Context, buf Buffer, offset int64, dst []byte, wait []Handle) (Handle, error)

	// EnqueueBarrier stalls the queue until every handle in wait completed.
	EnqueueBarrier(ctx context.Context, wait []Handle) (Handle, error)
}

// Launch describes the index space of a task launch.
type Launch struct {
	GlobalSize int
	LocalSize  int
}

// Frame locates the call frame holding a launch's arguments. Data is the host
// copy that was written to Address.
type Frame struct {
	Address uint64
	Data    []byte
}

// CompiledTask is executable code installed on one device.
type CompiledTask interface {
	Execute(ctx context.Context, frame Frame, launch Launch, wait []Handle) (Handle, error)
}

// CompletedHandle is a Handle that is already done.
type CompletedHandle struct{ Err error }

func (h CompletedHandle) Wait(context.Context) error { return h.Err }

// WaitAll waits for every handle in order and returns the first error.
func WaitAll(ctx context.Context, handles []Handle) error {
	for _, h := range handles {
		if err := h.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
