package livetree

import "time"

// DefaultDebounce is used when a profile does not set its own window.
const DefaultDebounce = 250 * time.Millisecond

// batcher turns the raw stream of mutation batches into "rescan now"
// signals. There is at most one pending request: a significant batch
// arriving while the timer runs restarts it rather than queueing another.
// It never touches the tree.
type batcher struct {
	window  time.Duration
	settled func(Key) bool
	timer   *time.Timer
	timerCh <-chan time.Time

	offered     int // batches seen
	significant int // batches that (re)started the timer
}

func newBatcher(window time.Duration, settled func(Key) bool) *batcher {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &batcher{window: window, settled: settled}
}

// isSignificant reports whether b carries at least one added node that is or
// contains a watched element, was not inserted by a transformer, and has
// not already been classified. The last two conditions keep our own
// insertions from re-triggering scans forever.
func (d *batcher) isSignificant(b Batch) bool {
	for _, a := range b.Added {
		if !a.Bearing || a.Owned {
			continue
		}
		if d.settled != nil && d.settled(a.Key) {
			continue
		}
		return true
	}
	return false
}

// offer inspects a batch and (re)starts the window timer when it is
// significant. It returns whether the timer was restarted.
func (d *batcher) offer(b Batch) bool {
	d.offered++
	if !d.isSignificant(b) {
		return false
	}
	d.significant++

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.NewTimer(d.window)
	d.timerCh = d.timer.C
	return true
}

// C returns the channel that fires once the window expires without a
// restart. It is nil while nothing is pending, so a select on it blocks.
func (d *batcher) C() <-chan time.Time {
	return d.timerCh
}

// fired clears the pending request after the engine consumed a signal.
func (d *batcher) fired() {
	d.timer = nil
	d.timerCh = nil
}

// pending reports whether a rescan is owed.
func (d *batcher) pending() bool { return d.timerCh != nil }

// stop cancels a pending request.
func (d *batcher) stop() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.fired()
}
