package messaging

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Loop is a Subscription backed by one goroutine.
type Loop struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	stop   func() error
	err    error
}

// StartLoop runs fn in a goroutine bound to a child of ctx. fn must return
// once its context is cancelled. onStop, if set, runs after fn returns on
// the first Unsubscribe (release broker resources there).
func StartLoop(ctx context.Context, fn func(ctx context.Context), onStop func() error) *Loop {
	ctx, cancel := context.WithCancel(ctx)
	l := &Loop{cancel: cancel, done: make(chan struct{}), stop: onStop}
	go func() {
		defer close(l.done)
		fn(ctx)
	}()
	return l
}

// Unsubscribe cancels the loop and waits for it to exit.
func (l *Loop) Unsubscribe() error {
	l.once.Do(func() {
		l.cancel()
		<-l.done
		if l.stop != nil {
			l.err = l.stop()
		}
	})
	return l.err
}

// Done is closed once the loop goroutine has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Deliver calls handler and reports its failure to sink. A panicking
// handler is reported like a failing one. It returns the handler's error so
// adapters can decide whether to acknowledge.
func Deliver(ctx context.Context, handler Handler, sink ErrorSink, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
		}
		if err != nil && sink != nil {
			sink(ctx, env, err)
		}
	}()
	return handler(ctx, env)
}
