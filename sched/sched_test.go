package sched_test

import (
	"testing"

	"github.com/brianmayclone/anyos-core/ipc"
	"github.com/brianmayclone/anyos-core/klog"
	"github.com/brianmayclone/anyos-core/mem"
	"github.com/brianmayclone/anyos-core/sched"
)

func newKernel(t *testing.T) (*sched.Scheduler, *mem.Manager) {
	t.Helper()
	klog.SetMirror(false)

	mm, err := mem.New(16 << 20)
	if err != nil {
		t.Fatal(err)
	}

	s := sched.New(mm, ipc.NewEventBus(), ipc.NewPipeTable())

	return s, mm
}

func runningCount(s *sched.Scheduler) int {
	n := 0
	for _, ti := range s.ListThreads() {
		if ti.State == "running" {
			n++
		}
	}

	return n
}

func TestSpawnAndSchedule(t *testing.T) {
	t.Parallel()

	s, _ := newKernel(t)

	tid := s.Spawn(0x1000, 100, "worker")
	if tid == 0 {
		t.Fatal("Spawn returned 0")
	}

	if got := s.CurrentTID(); got != 0 {
		t.Fatalf("before first tick: current = %d, want idle", got)
	}

	s.Tick()

	if got := s.CurrentTID(); got != tid {
		t.Fatalf("after tick: current = %d, want %d", got, tid)
	}
}

func TestExactlyOneRunning(t *testing.T) {
	t.Parallel()

	s, _ := newKernel(t)

	s.Spawn(0x1000, 100, "a")
	s.Spawn(0x1000, 100, "b")
	s.Spawn(0x1000, 100, "c")

	for i := 0; i < 20; i++ {
		s.Tick()

		if n := runningCount(s); n != 1 {
			t.Fatalf("tick %d: %d threads Running, want 1", i, n)
		}
	}
}

func TestPriorityAlwaysWins(t *testing.T) {
	t.Parallel()

	s, _ := newKernel(t)

	a := s.Spawn(0x1000, 200, "a")
	s.Spawn(0x1000, 100, "b")

	for i := 0; i < 10; i++ {
		s.Tick()

		if got := s.CurrentTID(); got != a {
			t.Fatalf("tick %d: running %d, want high-priority %d", i, got, a)
		}
	}
}

func TestPriorityPreemptionShares(t *testing.T) {
	t.Parallel()

	s, _ := newKernel(t)

	a := s.Spawn(0x1000, 50, "a")
	b := s.Spawn(0x1000, 200, "b")

	for i := 0; i < 100; i++ {
		s.Tick()
	}

	ticksOf := func(tid uint32) uint32 {
		for _, ti := range s.ListThreads() {
			if ti.TID == tid {
				return ti.CPUTicks
			}
		}

		return 0
	}

	if at, bt := ticksOf(a), ticksOf(b); bt < 90 || at > 2 {
		t.Fatalf("phase 1: a=%d b=%d, want b to own the CPU", at, bt)
	}

	if rc := s.SetPriority(b, 10); rc != 0 {
		t.Fatalf("SetPriority: %#x", rc)
	}

	before := ticksOf(a)
	for i := 0; i < 100; i++ {
		s.Tick()
	}

	if grew := ticksOf(a) - before; grew < 90 {
		t.Fatalf("phase 2: a grew only %d ticks after deprioritizing b", grew)
	}
}

func TestExitWaitpid(t *testing.T) {
	t.Parallel()

	s, _ := newKernel(t)

	w := s.Spawn(0x1000, 100, "worker")
	s.Tick()

	s.ExitCurrent(7)

	// Terminated but not reaped: exit code still waiting for a consumer.
	if s.Lookup(w) == nil {
		t.Fatal("thread reaped before waitpid consumed the exit code")
	}

	if got := s.Waitpid(w); got != 7 {
		t.Fatalf("Waitpid = %d, want 7", got)
	}

	// Now the reaper may free it.
	s.Tick()

	if s.Lookup(w) != nil {
		t.Fatal("thread not reaped after exit code was consumed")
	}
}

func TestTryWaitpidSentinel(t *testing.T) {
	t.Parallel()

	s, _ := newKernel(t)

	w := s.Spawn(0x1000, 100, "worker")

	if got := s.TryWaitpid(w); got != sched.StillRunning {
		t.Fatalf("TryWaitpid(running) = %#x, want StillRunning", got)
	}

	if got := s.TryWaitpid(9999); got != sched.ErrReturn {
		t.Fatalf("TryWaitpid(unknown) = %#x, want ErrReturn", got)
	}
}

func TestKillCompositorRejected(t *testing.T) {
	t.Parallel()

	s, _ := newKernel(t)

	s.Spawn(0x1000, 100, "idle-helper")
	comp := s.Spawn(0x1000, 150, "compositor")
	s.RegisterCompositor(comp)

	before := s.ThreadCount()

	if got := s.KillThread(comp); got != sched.ErrReturn {
		t.Fatalf("KillThread(compositor) = %#x, want ErrReturn", got)
	}

	if got := s.KillThread(0); got != sched.ErrReturn {
		t.Fatalf("KillThread(idle) = %#x, want ErrReturn", got)
	}

	if s.ThreadCount() != before {
		t.Fatal("rejected kill mutated the thread table")
	}

	if ti := s.Lookup(comp); ti == nil || ti.State == sched.Terminated {
		t.Fatal("compositor state changed by rejected kill")
	}
}

func TestKillThread(t *testing.T) {
	t.Parallel()

	s, _ := newKernel(t)

	v := s.Spawn(0x1000, 100, "victim")

	if got := s.KillThread(v); got != 0 {
		t.Fatalf("KillThread = %#x", got)
	}

	if got := s.TryWaitpid(v); got != sched.KilledExit {
		t.Fatalf("exit code = %#x, want KilledExit", got)
	}
}

func TestSleepWakesOnDeadline(t *testing.T) {
	t.Parallel()

	s, _ := newKernel(t)

	w := s.Spawn(0x1000, 100, "sleeper")
	s.Tick()

	s.Sleep(30) // 3 ticks at 10ms/tick

	if ti := s.Lookup(w); ti.State != sched.Blocked {
		t.Fatalf("after Sleep: state %v, want Blocked", ti.State)
	}

	s.Tick()
	s.Tick()

	if ti := s.Lookup(w); ti.State == sched.Running {
		t.Fatal("woke before the deadline")
	}

	s.Tick()

	if got := s.CurrentTID(); got != w {
		t.Fatalf("after deadline: current = %d, want %d", got, w)
	}
}

func TestForkScenario(t *testing.T) {
	t.Parallel()

	s, mm := newKernel(t)

	parent := s.Spawn(0x1000, 100, "init")
	s.Tick()

	// Promote to a user process with one mapped page.
	pd, err := mm.NewUserPageDirectory()
	if err != nil {
		t.Fatal(err)
	}

	frame, err := mm.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	const va = mem.VirtAddr(0x4000_0000)
	if err := mm.MapPage(pd, va, frame, mem.FlagPresent|mem.FlagWritable|mem.FlagUser); err != nil {
		t.Fatal(err)
	}

	s.SetThreadUserInfo(parent, pd, 0x6000_0000)

	ff := &sched.ForkFrame{
		RAX: 57, RBX: 0x11, RDI: 0x22, RSI: 0x33,
		RIP: 0x40_1000, RSP: 0x7FFF_E000,
		RFLAGS: sched.RFlagsIF | 0x2,
		CS:     0x1B, SS: 0x23,
	}

	child := s.Fork(ff)
	if child == sched.ErrReturn || child == 0 {
		t.Fatalf("Fork = %#x", child)
	}

	ct := s.Lookup(child)
	if ct == nil {
		t.Fatal("child not in thread table")
	}

	// Child and parent differ only in TID and the syscall return value.
	if ct.Context.RAX != 0 {
		t.Errorf("child RAX = %#x, want 0", ct.Context.RAX)
	}

	if ct.Context.RBX != 0x11 || ct.Context.RDI != 0x22 || ct.Context.RSI != 0x33 {
		t.Error("child GPRs do not match the fork frame")
	}

	if ct.Context.RIP != 0x40_1000 || ct.Context.RSP != 0x7FFF_E000 {
		t.Error("child must resume past the syscall boundary")
	}

	if ct.PageDirectory == pd || ct.PageDirectory == 0 {
		t.Fatalf("child PD = %#x, want a fresh clone (parent %#x)", ct.PageDirectory, pd)
	}

	if ct.Context.CR3 != uint64(ct.PageDirectory) {
		t.Error("child CR3 does not point at its cloned directory")
	}

	// Child writes its magic, exits with 7; the parent must not see it.
	if err := mm.CopyToUser(ct.PageDirectory, va, []byte{0xEF, 0xBE, 0xAD, 0xDE}); err != nil {
		t.Fatal(err)
	}

	if got := s.Waitpid(child); got != sched.StillRunning {
		t.Fatalf("Waitpid(live child) = %#x, want blocking sentinel", got)
	}

	s.Tick() // child is the only runnable thread now

	if got := s.CurrentTID(); got != child {
		t.Fatalf("current = %d, want child %d", got, child)
	}

	s.ExitCurrent(7)
	s.Tick() // parent woken and scheduled

	if got := s.CurrentTID(); got != parent {
		t.Fatalf("current = %d, want parent %d", got, parent)
	}

	if got := s.Waitpid(child); got != 7 {
		t.Fatalf("Waitpid = %d, want 7", got)
	}

	got := make([]byte, 4)
	if err := mm.CopyFromUser(pd, va, got); err != nil {
		t.Fatal(err)
	}

	for i, b := range got {
		if b != 0 {
			t.Fatalf("parent memory changed at +%d: %#x", i, b)
		}
	}
}

func TestSignalPendingAndKill(t *testing.T) {
	t.Parallel()

	s, _ := newKernel(t)

	w := s.Spawn(0x1000, 100, "worker")
	s.Tick()

	if rc := s.SetSigHandler(15, 0xCAFE); rc != 0 {
		t.Fatalf("SetSigHandler = %#x", rc)
	}

	if rc := s.SignalThread(w, 15); rc != 0 {
		t.Fatalf("SignalThread = %#x", rc)
	}

	sig, handler, ok := s.TakePendingSignal(w)
	if !ok || sig != 15 || handler != 0xCAFE {
		t.Fatalf("TakePendingSignal = (%d, %#x, %v)", sig, handler, ok)
	}

	if _, _, ok := s.TakePendingSignal(w); ok {
		t.Fatal("signal delivered twice")
	}

	// SIGKILL is forced termination, not a handler invocation.
	if rc := s.SignalThread(w, sched.SIGKILL); rc != 0 {
		t.Fatalf("SignalThread(SIGKILL) = %#x", rc)
	}

	if got := s.TryWaitpid(w); got != sched.KilledExit {
		t.Fatalf("exit code = %#x, want KilledExit", got)
	}
}
