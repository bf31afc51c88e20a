package chat

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of calls into one: each Submit replaces
// the pending function and restarts the quiet period; the latest
// function runs once the burst stops.
type Debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
	fn    func()
}

func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

func (d *Debouncer) Submit(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fn = fn
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	fn := d.fn
	d.fn = nil
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Flush runs any pending function immediately.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()

	d.fire()
}

// Stop drops any pending function without running it.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.fn = nil
}
