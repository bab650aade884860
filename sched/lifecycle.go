package sched

import (
	"github.com/brianmayclone/anyos-core/ipc"
)

// ExitCurrent terminates the Running thread with an exit code and wakes its
// waiter. The thread's resources are reclaimed later, from Schedule, once
// the exit code has been consumed — never while its stack is still live.
func (s *Scheduler) ExitCurrent(code uint32) {
	var tid uint32

	s.mu.Lock()
	if s.current >= 0 {
		t := s.threads[s.current]
		tid = t.TID
		t.State = Terminated
		t.exitCode = code
		t.hasExitCode = true

		s.wakeWaiterLocked(t)
	}
	s.mu.Unlock()

	s.bus.Emit(ipc.Event{Type: ipc.EvtProcessExited, A0: tid, A1: code})

	s.Schedule()
}

func (s *Scheduler) wakeWaiterLocked(t *Thread) {
	if t.WaitingTID == 0 {
		return
	}

	idx := s.indexOf(t.WaitingTID)
	if idx < 0 {
		return
	}

	if w := s.threads[idx]; w.State == Blocked {
		w.State = Ready
		s.pushReady(idx)
	}
}

// KillThread terminates a thread from outside. System threads — the idle
// context (TID 0) and the registered compositor — are rejected with a
// sentinel and state is untouched.
func (s *Scheduler) KillThread(tid uint32) uint32 {
	if tid == 0 {
		return ErrReturn
	}

	var (
		pdToDestroy = s.mm.KernelPD()
		havePD      bool
		isCurrent   bool
	)

	s.mu.Lock()

	if tid == s.compositorTID && s.compositorTID != 0 {
		s.mu.Unlock()

		return ErrReturn
	}

	idx := s.indexOf(tid)
	if idx < 0 {
		s.mu.Unlock()

		return ErrReturn
	}

	t := s.threads[idx]
	isCurrent = s.current == idx

	t.State = Terminated
	t.exitCode = KilledExit
	t.hasExitCode = true

	newReady := s.ready[:0]
	for _, r := range s.ready {
		if r != idx {
			newReady = append(newReady, r)
		}
	}
	s.ready = newReady

	if t.PageDirectory != 0 {
		pdToDestroy = t.PageDirectory
		havePD = true
		t.PageDirectory = 0
	}

	s.wakeWaiterLocked(t)

	for _, fd := range t.FDs {
		if fd.Kind == FDPipe {
			_ = s.pipes.Close(fd.ID)
		}
	}

	if isCurrent {
		s.current = -1
	}

	s.mu.Unlock()

	// Destroy the page directory outside the scheduler lock — and only
	// after the victim's CR3 can no longer be live on the core.
	if havePD {
		if isCurrent {
			s.cpu.CR3 = uint64(s.mm.KernelPD())
		}
		s.mm.DestroyUserPageDirectory(pdToDestroy)
	}

	s.bus.Emit(ipc.Event{Type: ipc.EvtProcessExited, A0: tid, A1: KilledExit})

	if isCurrent {
		s.Schedule()
	}

	return 0
}

// Waitpid waits for tid to terminate and returns its exit code, consuming
// it so the reaper may free the thread. If the target is still alive the
// caller is registered as its waiter and blocked; the syscall is retried
// when the caller is rescheduled, and returns StillRunning to the
// dispatcher in the meantime.
func (s *Scheduler) Waitpid(tid uint32) uint32 {
	s.mu.Lock()

	target := s.lookupLocked(tid)
	if target == nil {
		s.mu.Unlock()

		return ErrReturn
	}

	if target.State == Terminated {
		code := s.consumeExitLocked(target)
		s.mu.Unlock()

		return code
	}

	if s.current >= 0 {
		cur := s.threads[s.current]
		target.WaitingTID = cur.TID
		cur.State = Blocked
	}

	s.mu.Unlock()

	// The timer will skip us (Blocked) until the target's exit wakes us;
	// then the dispatcher re-enters Waitpid and consumes the code.
	s.Schedule()

	return StillRunning
}

// TryWaitpid is the non-blocking variant: exit code if terminated,
// StillRunning if alive, ErrReturn if unknown.
func (s *Scheduler) TryWaitpid(tid uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.lookupLocked(tid)
	if target == nil {
		return ErrReturn
	}

	if target.State != Terminated {
		return StillRunning
	}

	return s.consumeExitLocked(target)
}

func (s *Scheduler) consumeExitLocked(t *Thread) uint32 {
	code := t.exitCode
	t.exitCode = 0
	t.hasExitCode = false

	return code
}

// Sleep blocks the Running thread until the tick deadline. The timer IRQ
// wakes it.
func (s *Scheduler) Sleep(ms uint32) {
	const msPerTick = 10

	ticks := uint64(ms+msPerTick-1) / msPerTick
	if ticks == 0 {
		ticks = 1
	}

	s.mu.Lock()
	if s.current >= 0 {
		t := s.threads[s.current]
		t.State = Blocked
		t.sleeping = true
		t.wakeAtTick = s.ticks + ticks
	}
	s.mu.Unlock()

	s.Schedule()
}

// Yield gives up the rest of the time slice.
func (s *Scheduler) Yield() {
	s.Schedule()
}

// Block marks the Running thread Blocked (waiting on a pipe, IRQ, ...).
func (s *Scheduler) Block() {
	s.mu.Lock()
	if s.current >= 0 {
		s.threads[s.current].State = Blocked
	}
	s.mu.Unlock()

	s.Schedule()
}

// Wake moves a Blocked thread back to Ready.
func (s *Scheduler) Wake(tid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(tid)
	if idx < 0 {
		return
	}

	if t := s.threads[idx]; t.State == Blocked {
		t.sleeping = false
		t.State = Ready
		s.pushReady(idx)
	}
}

// ThreadCount returns the number of threads in the table, including
// not-yet-reaped terminated ones. Used by tests and sysinfo.
func (s *Scheduler) ThreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.threads)
}
