package search

import "context"

// executor bounds the number of concurrent in-flight calls. Waiting for a
// slot is cancellable through the caller's context, so a saturated search
// backend turns into backpressure instead of an unbounded request pile-up.
type executor struct {
	slots chan struct{}
}

func newExecutor(size int) *executor {
	return &executor{slots: make(chan struct{}, size)}
}

// Do runs fn once a slot is free. Returns ctx.Err() if the context is
// cancelled while waiting; fn is not invoked in that case.
func (e *executor) Do(ctx context.Context, fn func() error) error {
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.slots }()
	return fn()
}
