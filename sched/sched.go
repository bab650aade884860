package sched

import (
	"sync"
	"sync/atomic"

	"github.com/brianmayclone/anyos-core/caps"
	"github.com/brianmayclone/anyos-core/ipc"
	"github.com/brianmayclone/anyos-core/klog"
	"github.com/brianmayclone/anyos-core/mem"
)

// Syscall-style sentinel return values.
const (
	ErrReturn    = ^uint32(0)     // generic failure
	StillRunning = ^uint32(0) - 1 // try_waitpid: target not terminated yet
	KilledExit   = ^uint32(0) - 1 // exit code recorded for killed threads
)

const defaultPriority = 100

// Scheduler owns the thread table and the single-CPU machine model. It is
// constructed in main and passed to the subsystems that need it; there is
// no package-level instance.
type Scheduler struct {
	mu sync.Mutex

	threads []*Thread
	ready   []int // indexes into threads, FIFO
	current int   // index of the Running thread, -1 when idle

	idleContext Context

	// cpu is the register state currently "on the core". The context
	// switch copies images in and out of it.
	cpu Context

	// intEnabled models RFLAGS.IF on the core. Schedule clears it on
	// entry (the timer interrupt gate did) and only the incoming
	// context's saved RFLAGS turns it back on — releasing the lock
	// never does. A naive unlock-then-switch would open a one-tick
	// window for a nested Schedule that corrupts the saved context.
	intEnabled bool

	nextTID uint32
	ticks   uint64

	totalTicks atomic.Uint32
	idleTicks  atomic.Uint32

	// debugTID mirrors the Running thread's TID without the lock, for
	// fault handlers.
	debugTID atomic.Uint32

	// tssKernelStack is what a real kernel would write into TSS.RSP0.
	tssKernelStack uint64

	compositorTID uint32

	mm    *mem.Manager
	bus   *ipc.EventBus
	pipes *ipc.PipeTable
}

// New creates an initialized scheduler. The idle context is the caller's
// hlt loop; it is switched to whenever no thread is runnable.
func New(mm *mem.Manager, bus *ipc.EventBus, pipes *ipc.PipeTable) *Scheduler {
	s := &Scheduler{
		current:    -1,
		nextTID:    1,
		intEnabled: true,
		mm:         mm,
		bus:        bus,
		pipes:      pipes,
	}

	klog.Printf("[OK] Scheduler initialized")

	return s
}

// Spawn creates a kernel thread starting at entry and puts it on the ready
// queue. Priority 0 inherits from the spawning thread.
func (s *Scheduler) Spawn(entry uint64, priority uint8, name string) uint32 {
	tid := s.addThread(entry, priority, name, Ready)

	s.bus.Emit(ipc.Event{Type: ipc.EvtProcessSpawned, A0: tid})

	return tid
}

// SpawnBlocked is Spawn but the thread starts Blocked, so it cannot be
// picked before its register image is filled in. Fork uses this.
func (s *Scheduler) SpawnBlocked(entry uint64, priority uint8, name string) uint32 {
	tid := s.addThread(entry, priority, name, Blocked)

	s.bus.Emit(ipc.Event{Type: ipc.EvtProcessSpawned, A0: tid})

	return tid
}

func (s *Scheduler) addThread(entry uint64, priority uint8, name string, state State) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if priority == 0 {
		priority = defaultPriority
		if s.current >= 0 {
			priority = s.threads[s.current].Priority
		}
	}

	tid := s.nextTID
	s.nextTID++

	t := &Thread{
		TID:            tid,
		Name:           name,
		State:          state,
		Priority:       priority,
		KernelStackTop: 0xFFFF_8000_0000_0000 + uint64(tid)*0x4000,
		Caps:           caps.All,
		CWD:            "/",
		FDs:            map[int]FD{},
	}
	t.Context.RIP = entry
	t.Context.RSP = t.KernelStackTop
	t.Context.RFLAGS = RFlagsIF | 0x2
	t.Context.CR3 = uint64(s.mm.KernelPD())

	if s.current >= 0 {
		t.ParentTID = s.threads[s.current].TID
	}

	idx := len(s.threads)
	s.threads = append(s.threads, t)

	if state == Ready {
		s.ready = append(s.ready, idx)
	}

	klog.Printf("  Spawned thread '%s' (TID=%d)", name, tid)

	return tid
}

// Tick is the timer interrupt: advance time, wake expired sleepers, then
// preempt via Schedule.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	s.ticks++

	for idx, t := range s.threads {
		if t.State == Blocked && t.sleeping && t.wakeAtTick <= s.ticks {
			t.sleeping = false
			t.State = Ready
			s.pushReady(idx)
		}
	}
	s.mu.Unlock()

	s.Schedule()
}

// Ticks returns the current tick count.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ticks
}

// TotalSchedTicks returns total Schedule invocations, for CPU load.
func (s *Scheduler) TotalSchedTicks() uint32 {
	return s.totalTicks.Load()
}

// IdleSchedTicks returns how many of those found nothing to run.
func (s *Scheduler) IdleSchedTicks() uint32 {
	return s.idleTicks.Load()
}

// DebugCurrentTID is the lock-free read of the last-scheduled TID, safe
// from fault handlers even while the scheduler lock is held.
func (s *Scheduler) DebugCurrentTID() uint32 {
	return s.debugTID.Load()
}

func (s *Scheduler) pushReady(idx int) {
	for _, r := range s.ready {
		if r == idx {
			return
		}
	}

	s.ready = append(s.ready, idx)
}

// reapTerminated removes terminated threads whose exit code has been
// consumed, patching ready-queue and current indexes. Runs with the lock
// held, from Schedule, so the departing thread's stack is no longer live.
func (s *Scheduler) reapTerminated() {
	i := 0
	for i < len(s.threads) {
		t := s.threads[i]
		if t.State != Terminated || t.hasExitCode {
			i++

			continue
		}

		s.threads = append(s.threads[:i], s.threads[i+1:]...)

		newReady := s.ready[:0]
		for _, idx := range s.ready {
			if idx == i {
				continue
			}
			if idx > i {
				idx--
			}
			newReady = append(newReady, idx)
		}
		s.ready = newReady

		if s.current == i {
			s.current = -1
		} else if s.current > i {
			s.current--
		}
		// Do not advance i: the next thread shifted into this slot.
	}
}

// pickNext scans the ready queue and removes the highest-priority Ready
// entry. FIFO order breaks ties.
func (s *Scheduler) pickNext() (int, bool) {
	best := -1
	bestPos := -1
	var bestPrio uint8

	for pos, idx := range s.ready {
		t := s.threads[idx]
		if t.State != Ready {
			continue
		}
		if best == -1 || t.Priority > bestPrio {
			best, bestPos, bestPrio = idx, pos, t.Priority
		}
	}

	if best == -1 {
		return 0, false
	}

	s.ready = append(s.ready[:bestPos], s.ready[bestPos+1:]...)

	return best, true
}

// Schedule performs one scheduling decision: reap, account the outgoing
// thread, rotate it to the ready tail, pick the best Ready thread, and
// context-switch to it (or to the idle context).
func (s *Scheduler) Schedule() {
	s.totalTicks.Add(1)

	// The timer gate cleared IF before entering us.
	s.intEnabled = false

	if !s.mu.TryLock() {
		// Scheduler is busy; skip this tick.
		return
	}

	s.reapTerminated()

	if s.current >= 0 {
		if cur := s.threads[s.current]; cur.State == Running {
			cur.CPUTicks++
		}
	} else {
		s.idleTicks.Add(1)
	}

	if s.current >= 0 {
		if cur := s.threads[s.current]; cur.State == Running {
			cur.State = Ready
			s.pushReady(s.current)
		}
	}

	var oldCtx, newCtx *Context

	next, ok := s.pickNext()
	if ok {
		prev := s.current
		s.current = next
		t := s.threads[next]
		t.State = Running

		s.debugTID.Store(t.TID)
		s.tssKernelStack = t.KernelStackTop

		switch {
		case prev >= 0 && prev != next:
			oldCtx, newCtx = &s.threads[prev].Context, &t.Context
		case prev < 0:
			oldCtx, newCtx = &s.idleContext, &t.Context
		}
	} else {
		s.idleTicks.Add(1)

		// The current thread is no longer runnable (Blocked or
		// Terminated): fall back to the idle context.
		if s.current >= 0 && s.threads[s.current].State != Running {
			oldCtx = &s.threads[s.current].Context
			newCtx = &s.idleContext
			s.current = -1
			s.debugTID.Store(0)
		}
	}

	// Release the lock WITHOUT re-enabling interrupts. IF comes back only
	// from the incoming context's saved RFLAGS, atomically with the
	// switch — the IRETQ discipline.
	s.mu.Unlock()

	if oldCtx != nil && newCtx != nil {
		s.contextSwitch(oldCtx, newCtx)
	}
}

// contextSwitch saves the core registers into old and loads next. A zero
// RIP means a corrupted context: the offending thread is terminated and
// never scheduled again instead of taking down the kernel.
func (s *Scheduler) contextSwitch(old, next *Context) {
	if next.RIP == 0 {
		klog.Printf("BUG: context switch to bad RIP=0 RSP=%#x CR3=%#x", next.RSP, next.CR3)

		if s.mu.TryLock() {
			if s.current >= 0 {
				s.threads[s.current].State = Terminated
				s.current = -1
			}
			s.mu.Unlock()
		}

		return
	}

	*old = s.cpu
	s.cpu = *next
	s.intEnabled = next.RFLAGS&RFlagsIF != 0
}

// InterruptsEnabled reports the modeled RFLAGS.IF of the core.
func (s *Scheduler) InterruptsEnabled() bool {
	return s.intEnabled
}

// TSSKernelStack returns the kernel stack top last written to the TSS.
func (s *Scheduler) TSSKernelStack() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tssKernelStack
}

// CurrentTID returns the Running thread's TID, 0 when idle.
func (s *Scheduler) CurrentTID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current < 0 {
		return 0
	}

	return s.threads[s.current].TID
}

// Current returns the Running thread, nil when idle.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current < 0 {
		return nil
	}

	return s.threads[s.current]
}

// Lookup finds a thread by TID. Lookups are O(n) over the live list.
func (s *Scheduler) Lookup(tid uint32) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lookupLocked(tid)
}

func (s *Scheduler) lookupLocked(tid uint32) *Thread {
	for _, t := range s.threads {
		if t.TID == tid {
			return t
		}
	}

	return nil
}

func (s *Scheduler) indexOf(tid uint32) int {
	for i, t := range s.threads {
		if t.TID == tid {
			return i
		}
	}

	return -1
}

// SetPriority changes a thread's priority. Takes effect at the next pick.
func (s *Scheduler) SetPriority(tid uint32, priority uint8) uint32 {
	if priority == 0 {
		return ErrReturn
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.lookupLocked(tid)
	if t == nil {
		return ErrReturn
	}

	t.Priority = priority

	return 0
}

// SetThreadUserInfo marks a thread as a user process: page directory, CR3,
// program break.
func (s *Scheduler) SetThreadUserInfo(tid uint32, pd mem.PhysAddr, brk mem.VirtAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.lookupLocked(tid)
	if t == nil {
		return
	}

	t.PageDirectory = pd
	t.Context.CR3 = uint64(pd)
	t.IsUser = true
	t.Brk = brk
}

// SetThreadArgs stores the argument string before a thread first runs.
func (s *Scheduler) SetThreadArgs(tid uint32, args string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := s.lookupLocked(tid); t != nil {
		t.Args = args
	}
}

// SetThreadStdoutPipe wires a thread's stdout to a pipe id (0 = none).
func (s *Scheduler) SetThreadStdoutPipe(tid, pipeID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := s.lookupLocked(tid); t != nil {
		t.StdoutPipe = pipeID
	}
}

// RegisterCompositor marks tid as the compositor. It becomes unkillable.
func (s *Scheduler) RegisterCompositor(tid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.compositorTID = tid
}

// SetCritical excludes the current thread from stack-recovery kills.
func (s *Scheduler) SetCritical() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current < 0 {
		return ErrReturn
	}

	s.threads[s.current].Critical = true

	return 0
}

// ListThreads snapshots all live threads for ps/sysinfo. Terminated
// threads are excluded.
func (s *Scheduler) ListThreads() []ThreadInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ThreadInfo, 0, len(s.threads))

	for _, t := range s.threads {
		if t.State == Terminated {
			continue
		}

		out = append(out, ThreadInfo{
			TID:      t.TID,
			Priority: t.Priority,
			State:    t.State.String(),
			Name:     t.Name,
			CPUTicks: t.CPUTicks,
		})
	}

	return out
}
