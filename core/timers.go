package core

import (
	"sort"
	"sync"
	"time"
)

type handleKind uint8

const (
	handleTimer handleKind = iota
	handleIdle
)

// jobHandle identifies one scheduled callback: a clock timer or an idle
// job. The zero handle cancels nothing.
type jobHandle struct {
	kind handleKind
	id   uint64
}

func (h jobHandle) valid() bool { return h.id != 0 }

type idleJob struct {
	fn       func()
	fallback Timer
}

// scheduler hands out cancellable callbacks: clock timers plus idle jobs
// that run when the ingest loop reports an empty tick (with a timeout
// fallback so a busy pipeline still runs them). A callback that loses the
// claim race to a cancel never runs; callbacks execute without any
// pipeline lock held and re-acquire what they need.
type scheduler struct {
	clock Clock

	mu     sync.Mutex
	seq    uint64
	timers map[uint64]Timer
	idles  map[uint64]*idleJob
}

func newScheduler(clock Clock) *scheduler {
	return &scheduler{
		clock:  clock,
		timers: make(map[uint64]Timer),
		idles:  make(map[uint64]*idleJob),
	}
}

// after schedules fn once d has elapsed.
func (s *scheduler) after(d time.Duration, fn func()) jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := s.seq
	s.timers[id] = s.clock.AfterFunc(d, func() {
		if s.claimTimer(id) {
			fn()
		}
	})
	return jobHandle{kind: handleTimer, id: id}
}

// idle schedules fn for the next idle pulse. A positive timeout arms a
// fallback timer so fn runs even if the pipeline never goes idle.
func (s *scheduler) idle(timeout time.Duration, fn func()) jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := s.seq
	job := &idleJob{fn: fn}
	if timeout > 0 {
		job.fallback = s.clock.AfterFunc(timeout, func() {
			if claimed := s.claimIdle(id); claimed != nil {
				claimed.fn()
			}
		})
	}
	s.idles[id] = job
	return jobHandle{kind: handleIdle, id: id}
}

// pulse runs every queued idle job, oldest first.
func (s *scheduler) pulse() {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.idles))
	for id := range s.idles {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if job := s.claimIdle(id); job != nil {
			job.fn()
		}
	}
}

// cancel stops the callback behind h if it has not fired yet.
func (s *scheduler) cancel(h jobHandle) {
	if !h.valid() {
		return
	}
	switch h.kind {
	case handleTimer:
		s.mu.Lock()
		t, ok := s.timers[h.id]
		if ok {
			delete(s.timers, h.id)
		}
		s.mu.Unlock()
		if ok {
			t.Stop()
		}
	case handleIdle:
		s.claimIdle(h.id)
	}
}

// cancelAll drops every pending callback.
func (s *scheduler) cancelAll() {
	s.mu.Lock()
	timers := make([]Timer, 0, len(s.timers)+len(s.idles))
	for _, t := range s.timers {
		timers = append(timers, t)
	}
	for _, job := range s.idles {
		if job.fallback != nil {
			timers = append(timers, job.fallback)
		}
	}
	s.timers = make(map[uint64]Timer)
	s.idles = make(map[uint64]*idleJob)
	s.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

// pending reports outstanding callbacks, for tests and diagnostics.
func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers) + len(s.idles)
}

func (s *scheduler) claimTimer(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[id]; !ok {
		return false
	}
	delete(s.timers, id)
	return true
}

func (s *scheduler) claimIdle(id uint64) *idleJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.idles[id]
	if !ok {
		return nil
	}
	delete(s.idles, id)
	if job.fallback != nil {
		job.fallback.Stop()
	}
	return job
}
