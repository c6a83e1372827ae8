// Package sched splits work across cooperative priority tiers so a long
// backlog of low-priority tasks never starves interactive updates.
package sched

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tier orders a task relative to other queued work.
type Tier int

const (
	// Immediate tasks drain fully before any frame work runs.
	Immediate Tier = iota
	// High covers user-visible updates that should land this frame.
	High
	// Normal is the default tier.
	Normal
	// Low runs only when the frame has budget left over.
	Low
	// Idle runs last, after everything else.
	Idle

	tierCount
)

func (t Tier) String() string {
	switch t {
	case Immediate:
		return "immediate"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	case Idle:
		return "idle"
	}
	return "unknown"
}

const (
	frameInterval = 16 * time.Millisecond
	sliceBudget   = 5 * time.Millisecond
)

// Scheduler drains tiered task queues on a single worker goroutine. Within a
// tier tasks run FIFO; a tier yields to the next frame once its wall-clock
// slice is spent.
type Scheduler struct {
	mu     sync.Mutex
	queues [tierCount][]func()
	wake   chan struct{}
	done   chan struct{}
	stop   sync.Once

	log *zap.Logger
}

// New creates a Scheduler and starts its worker.
func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  log,
	}
	go s.loop()
	return s
}

// Schedule enqueues task at tier.
func (s *Scheduler) Schedule(tier Tier, task func()) {
	if tier < Immediate || tier >= tierCount {
		tier = Normal
	}
	s.mu.Lock()
	s.queues[tier] = append(s.queues[tier], task)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Clear drops all queued tasks at tier.
func (s *Scheduler) Clear(tier Tier) {
	s.mu.Lock()
	if tier >= Immediate && tier < tierCount {
		s.queues[tier] = nil
	}
	s.mu.Unlock()
}

// Stats reports queue depths by tier name.
func (s *Scheduler) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, int(tierCount))
	for t := Immediate; t < tierCount; t++ {
		out[t.String()] = len(s.queues[t])
	}
	return out
}

// Stop terminates the worker. Queued tasks are abandoned.
func (s *Scheduler) Stop() {
	s.stop.Do(func() { close(s.done) })
}

func (s *Scheduler) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for s.pending() {
			s.frame()
			select {
			case <-s.done:
				return
			case <-time.After(frameInterval):
			}
		}
	}
}

func (s *Scheduler) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t := Immediate; t < tierCount; t++ {
		if len(s.queues[t]) > 0 {
			return true
		}
	}
	return false
}

// frame drains Immediate fully, then gives each remaining tier a wall-clock
// slice in priority order. Lower tiers only run when the higher ones left
// budget on the table.
func (s *Scheduler) frame() {
	for {
		task, ok := s.pop(Immediate)
		if !ok {
			break
		}
		s.run(Immediate, task)
	}

	start := time.Now()
	for _, tier := range []Tier{High, Normal} {
		for time.Since(start) < sliceBudget {
			task, ok := s.pop(tier)
			if !ok {
				break
			}
			s.run(tier, task)
		}
	}

	// Idle remainder: only touched when no higher-tier work is queued.
	for _, tier := range []Tier{Low, Idle} {
		if s.higherPending(tier) {
			return
		}
		for time.Since(start) < sliceBudget {
			task, ok := s.pop(tier)
			if !ok {
				break
			}
			s.run(tier, task)
		}
	}
}

func (s *Scheduler) higherPending(tier Tier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t := Immediate; t < tier; t++ {
		if len(s.queues[t]) > 0 {
			return true
		}
	}
	return false
}

func (s *Scheduler) pop(tier Tier) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[tier]
	if len(q) == 0 {
		return nil, false
	}
	task := q[0]
	s.queues[tier] = q[1:]
	return task, true
}

func (s *Scheduler) run(tier Tier, task func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled task panic",
				zap.String("tier", tier.String()), zap.Any("panic", r))
		}
	}()
	task()
}

// Debounce returns a trigger that runs fn once input has been quiet for d,
// and a stop func that cancels any pending run.
func Debounce(fn func(), d time.Duration) (trigger func(), stop func()) {
	var mu sync.Mutex
	var timer *time.Timer

	trigger = func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(d, fn)
	}
	stop = func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}
	return trigger, stop
}

// Throttle returns a trigger that runs fn at most once per period, with a
// trailing call for triggers that arrived mid-window, and a stop func.
func Throttle(fn func(), period time.Duration) (trigger func(), stop func()) {
	var mu sync.Mutex
	var last time.Time
	var timer *time.Timer

	trigger = func() {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if since := now.Sub(last); since >= period {
			last = now
			go fn()
			return
		}
		if timer != nil {
			timer.Stop()
		}
		wait := period - now.Sub(last)
		timer = time.AfterFunc(wait, func() {
			mu.Lock()
			last = time.Now()
			mu.Unlock()
			fn()
		})
	}
	stop = func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}
	return trigger, stop
}
