package leaderelection

import (
	"context"
	"sync"
)

// Duties is work that runs only while this instance leads, such as
// releasing stale claims. Start and Stop are idempotent.
type Duties struct {
	run func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDuties wraps run, which must return once its context is cancelled.
func NewDuties(run func(ctx context.Context)) *Duties {
	return &Duties{run: run}
}

// Start runs the duties in a new goroutine unless they already run.
func (d *Duties) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}

	dutyCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(dutyCtx)
	}()
}

// Stop cancels the running duties and waits for them to return.
func (d *Duties) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}
