// Package adapter normalizes backend-supplied functions that may complete
// synchronously, asynchronously, both, or never, into a single completion
// that fires exactly once within a bounded wait.
package adapter

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// DefaultTimeout is used when Options.Timeout is not positive.
const DefaultTimeout = 1000 * time.Millisecond

// Done is the completion callback handed to a backend operation.
type Done[T any] func(value T, err error)

// Op is a backend operation. It either produces its outcome synchronously
// (pending is false, value or err is the result) or promises a later call
// of done (pending is true). A panic counts as a synchronous error.
type Op[T any] func(done Done[T]) (value T, pending bool, err error)

// Options configures a single Call.
type Options struct {
	// Name identifies the operation in errors and logs.
	Name string
	// Timeout bounds how long Call waits for an asynchronous completion.
	Timeout time.Duration
	// OnBlocked receives every completion that arrives after the outcome
	// was already decided. It may be nil.
	OnBlocked func(err error)
}

// Call runs op and delivers its outcome to done exactly once.
//
// The first of {synchronous return, panic, completion, timeout} decides the
// outcome. Every later signal is converted into an ErrBlocked error and
// passed to opts.OnBlocked instead of done. The timeout does not stop op,
// it only stops waiting for it.
func Call[T any](opts Options, op Op[T], done Done[T]) {
	inv := &invocation[T]{
		name:      opts.Name,
		done:      done,
		onBlocked: opts.OnBlocked,
	}

	value, pending, err := inv.run(op)
	inv.release()
	if pending {
		inv.arm(opts.Timeout)
		return
	}
	inv.settle(value, err)
}

type invocation[T any] struct {
	mu        sync.Mutex
	settled   bool
	running   bool
	held      bool
	heldValue T
	heldErr   error
	timer     *time.Timer
	name      string
	done      Done[T]
	onBlocked func(error)
}

// run calls op and converts a panic into a *PanicError. Only op itself is
// covered by the recover; completions arriving while op runs are held and
// delivered by release.
func (in *invocation[T]) run(op Op[T]) (value T, pending bool, err error) {
	in.mu.Lock()
	in.running = true
	in.mu.Unlock()

	defer func() {
		in.mu.Lock()
		in.running = false
		in.mu.Unlock()

		if r := recover(); r != nil {
			var zero T
			value, pending = zero, false
			err = &Error{
				Op:   in.name,
				Kind: KindPanic,
				Err:  &PanicError{Value: r, Stack: debug.Stack()},
			}
		}
	}()

	value, pending, err = op(in.complete)
	// A returned error is always a synchronous outcome.
	if err != nil {
		pending = false
		err = wrapBackend(in.name, err)
	}
	return value, pending, err
}

// complete is the callback handed to the backend.
func (in *invocation[T]) complete(value T, err error) {
	if err != nil {
		err = wrapBackend(in.name, err)
	}

	in.mu.Lock()
	if in.running && !in.settled {
		in.settled = true
		in.held = true
		in.heldValue, in.heldErr = value, err
		in.mu.Unlock()
		return
	}
	in.mu.Unlock()
	in.settle(value, err)
}

// release delivers a completion that arrived while op was running.
func (in *invocation[T]) release() {
	in.mu.Lock()
	if !in.held {
		in.mu.Unlock()
		return
	}
	value, err := in.heldValue, in.heldErr
	in.held = false
	var zero T
	in.heldValue, in.heldErr = zero, nil
	in.mu.Unlock()

	in.done(value, err)
}

// arm starts the timeout unless the outcome was already decided while op
// was running.
func (in *invocation[T]) arm(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.settled {
		return
	}
	in.timer = time.AfterFunc(timeout, in.expire)
}

func (in *invocation[T]) expire() {
	in.mu.Lock()
	if in.settled {
		in.mu.Unlock()
		return
	}
	in.settled = true
	in.mu.Unlock()

	var zero T
	in.done(zero, &Error{
		Op:   in.name,
		Kind: KindTimeout,
		Err:  fmt.Errorf("timed out waiting for asynchronous completion of %s", in.name),
	})
}

// settle delivers the outcome if nothing else has, otherwise reports the
// signal as blocked.
func (in *invocation[T]) settle(value T, err error) {
	in.mu.Lock()
	if in.settled {
		in.mu.Unlock()
		in.blocked(err)
		return
	}
	in.settled = true
	if in.timer != nil {
		in.timer.Stop()
	}
	in.mu.Unlock()

	in.done(value, err)
}

func (in *invocation[T]) blocked(cause error) {
	if in.onBlocked == nil {
		return
	}
	in.onBlocked(&Error{
		Op:   in.name,
		Kind: KindBlocked,
		Err:  fmt.Errorf("completion of %s has already been delivered", in.name),
		Late: cause,
	})
}

func wrapBackend(name string, err error) error {
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{Op: name, Kind: KindBackend, Err: err}
}
