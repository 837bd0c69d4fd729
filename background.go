package genkv

// background.go runs flushes and merges on worker goroutines.
//
// Writes that fill a memory layer hand the repo to a worker for flushing.
// Flushes, released snapshots and a periodic tick ask the workers to look
// for merges; each worker walks the repos and merges whatever the picker
// selects. A repo is merged by at most one goroutine at a time.

import (
	"context"
	"sync"
	"time"
)

// backgroundWork owns the flush and merge workers.
type backgroundWork struct {
	m        *Manager
	workers  int
	interval time.Duration

	// Channels for coordination
	mergeCh    chan struct{}
	flushCh    chan *Repo
	shutdownCh chan struct{}
	done       sync.WaitGroup

	// ctx is cancelled on Stop so running jobs return early.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	paused    bool
	stopped   bool
	pauseCond *sync.Cond
}

func newBackgroundWork(m *Manager) *backgroundWork {
	ctx, cancel := context.WithCancel(context.Background())
	bg := &backgroundWork{
		m:          m,
		workers:    m.opts.MaxBackgroundMerges,
		interval:   m.opts.MergeInterval,
		mergeCh:    make(chan struct{}, 1),
		flushCh:    make(chan *Repo, 16),
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	bg.pauseCond = sync.NewCond(&bg.mu)
	return bg
}

// Start starts the workers.
func (bg *backgroundWork) Start() {
	for range bg.workers {
		bg.done.Add(1)
		go bg.loop()
	}
}

// Stop cancels running jobs and waits for the workers to exit.
func (bg *backgroundWork) Stop() {
	bg.mu.Lock()
	if bg.stopped {
		bg.mu.Unlock()
		return
	}
	bg.stopped = true
	bg.pauseCond.Broadcast()
	bg.mu.Unlock()

	bg.cancel()
	close(bg.shutdownCh)
	bg.done.Wait()
}

// Pause keeps workers from starting new jobs until Continue.
func (bg *backgroundWork) Pause() {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	bg.paused = true
}

// Continue resumes work after Pause.
func (bg *backgroundWork) Continue() {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	bg.paused = false
	bg.pauseCond.Broadcast()
}

// IsPaused reports whether background work is paused.
func (bg *backgroundWork) IsPaused() bool {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	return bg.paused
}

// waitIfPaused blocks while work is paused. It returns false once the
// workers are stopping.
func (bg *backgroundWork) waitIfPaused() bool {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	for bg.paused && !bg.stopped {
		bg.pauseCond.Wait()
	}
	return !bg.stopped
}

// MaybeScheduleMerge signals that a merge may be needed.
func (bg *backgroundWork) MaybeScheduleMerge() {
	select {
	case bg.mergeCh <- struct{}{}:
	default:
		// Already signaled
	}
}

// scheduleFlush queues r for a background flush. It returns false when no
// worker can take it.
func (bg *backgroundWork) scheduleFlush(r *Repo) bool {
	if bg.workers == 0 {
		return false
	}
	select {
	case bg.flushCh <- r:
		return true
	default:
		return false
	}
}

func (bg *backgroundWork) loop() {
	defer bg.done.Done()

	var tick <-chan time.Time
	if bg.interval > 0 {
		t := time.NewTicker(bg.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-bg.shutdownCh:
			return
		case r := <-bg.flushCh:
			bg.doFlushWork(r)
		case <-bg.mergeCh:
			bg.doMergeWork()
		case <-tick:
			bg.doMergeWork()
		}
	}
}

func (bg *backgroundWork) doFlushWork(r *Repo) {
	if !bg.waitIfPaused() {
		return
	}
	r.flushPending.Store(false)
	// Errors are logged and counted by flush; the layer stays frozen and
	// is retried by the next flush.
	_ = r.flush(bg.ctx)
}

// doMergeWork runs at most one merge per repo and asks for another round
// if anything was merged.
func (bg *backgroundWork) doMergeWork() {
	if !bg.waitIfPaused() {
		return
	}
	again := false
	for _, r := range bg.m.Repos() {
		if bg.ctx.Err() != nil {
			return
		}
		// A pause mid-round leaves the other repos for the next round.
		if bg.IsPaused() {
			again = true
			break
		}
		if r.Err() != nil || !r.mergeMu.TryLock() {
			continue
		}
		merged, _ := r.mergeLocked(bg.ctx, bg.m.picker)
		r.mergeMu.Unlock()
		again = again || merged
	}
	if again {
		bg.MaybeScheduleMerge()
	}
}
