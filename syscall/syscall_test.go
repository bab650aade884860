package syscall_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/brianmayclone/anyos-core/caps"
	"github.com/brianmayclone/anyos-core/ipc"
	"github.com/brianmayclone/anyos-core/klog"
	"github.com/brianmayclone/anyos-core/mem"
	"github.com/brianmayclone/anyos-core/sched"
	"github.com/brianmayclone/anyos-core/syscall"
)

type fakeFS struct {
	opened []string
}

func (f *fakeFS) Open(path string, _ uint32) (uint32, error) {
	f.opened = append(f.opened, path)

	return uint32(len(f.opened)), nil
}

func (f *fakeFS) Read(uint32, []byte) (uint32, error)      { return 0, nil }
func (f *fakeFS) Write(_ uint32, d []byte) (uint32, error) { return uint32(len(d)), nil }
func (f *fakeFS) Close(uint32) error                       { return nil }
func (f *fakeFS) ReadFile(string) ([]byte, error)          { return nil, errors.New("not found") }

type fakeNet struct{ calls int }

func (n *fakeNet) Config(uint32, uint64) uint32 {
	n.calls++

	return 0
}

// newUserKernel boots a kernel with one running user thread whose user
// memory has a single mapped page at va.
func newUserKernel(t *testing.T) (*syscall.Kernel, uint32, mem.VirtAddr) {
	t.Helper()
	klog.SetMirror(false)

	mm, err := mem.New(16 << 20)
	if err != nil {
		t.Fatal(err)
	}

	s := sched.New(mm, ipc.NewEventBus(), ipc.NewPipeTable())
	k := syscall.NewKernel(s, mm, ipc.NewPipeTable(), ipc.NewShmTable(), ipc.NewEventBus())

	tid := s.Spawn(0x1000, 100, "app")
	s.Tick()

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

	s.SetThreadUserInfo(tid, pd, 0x6000_0000)

	thread := s.Lookup(tid)
	thread.NextMmap = 0x5000_0000

	return k, tid, va
}

func call(k *syscall.Kernel, num uint32, args ...uint64) uint32 {
	f := &syscall.Frame{RAX: uint64(num)}

	regs := []*uint64{&f.RDI, &f.RSI, &f.RDX, &f.R10, &f.R8, &f.R9}
	for i, a := range args {
		*regs[i] = a
	}

	return k.Dispatch(f)
}

func TestUnknownSyscall(t *testing.T) {
	t.Parallel()

	k, _, _ := newUserKernel(t)

	if got := call(k, 9999); got != syscall.ErrReturn {
		t.Fatalf("unknown syscall = %#x, want ErrReturn", got)
	}
}

func TestCapabilityDenial(t *testing.T) {
	// Scenario: a CLI process without NETWORK tries net_config but can
	// still open files. Not parallel: it inspects the shared klog ring.
	klog.Reset()

	k, tid, va := newUserKernel(t)

	fs := &fakeFS{}
	net := &fakeNet{}
	k.FS = fs
	k.Net = net

	thread := k.Sched.Lookup(tid)
	thread.Caps = caps.Default // filesystem|process|pipe|event|dll|thread

	if got := call(k, syscall.SysNetConfig, 0, 0); got != syscall.ErrReturn {
		t.Fatalf("net_config = %#x, want ErrReturn", got)
	}

	if net.calls != 0 {
		t.Fatal("handler ran despite capability failure")
	}

	if !bytes.Contains(klog.Bytes(), []byte("capability network required")) {
		t.Fatalf("kernel log missing denial: %q", klog.Bytes())
	}

	// open("/etc/hosts") succeeds with the same capability set.
	if err := k.Mem.CopyToUser(thread.PageDirectory, va, []byte("/etc/hosts\x00")); err != nil {
		t.Fatal(err)
	}

	if got := call(k, syscall.SysOpen, uint64(va), 0); got == syscall.ErrReturn {
		t.Fatal("open failed for a filesystem-capable process")
	}

	if len(fs.opened) != 1 || fs.opened[0] != "/etc/hosts" {
		t.Fatalf("FS saw %v", fs.opened)
	}
}

func TestRequiredCapTable(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		num  uint32
		want caps.Set
	}{
		{syscall.SysExit, 0},
		{syscall.SysSbrk, 0},
		{syscall.SysOpen, caps.Filesystem},
		{syscall.SysTCPConnect, caps.Network},
		{syscall.SysSpawn, caps.Process},
		{syscall.SysShmMap, caps.Shm},
		{syscall.SysGPUCommand, caps.Compositor},
		{syscall.SysDmesg, caps.System},
		{syscall.SysThreadCreate, caps.Thread},
		{syscall.SysPermStore, caps.ManagePerms},
		{syscall.SysPermCheck, 0},
	} {
		if got := syscall.RequiredCap(tt.num); got != tt.want {
			t.Errorf("RequiredCap(%d) = %#x, want %#x", tt.num, got, tt.want)
		}
	}
}

func TestSbrkGrowsMappedMemory(t *testing.T) {
	t.Parallel()

	k, tid, _ := newUserKernel(t)
	thread := k.Sched.Lookup(tid)

	oldBrk := call(k, syscall.SysSbrk, 0x2000)
	if oldBrk != 0x6000_0000 {
		t.Fatalf("sbrk returned %#x, want old brk", oldBrk)
	}

	if thread.Brk != 0x6000_2000 {
		t.Fatalf("brk = %#x", thread.Brk)
	}

	// The new range must actually be mapped.
	if _, ok := k.Mem.Translate(thread.PageDirectory, 0x6000_1000); !ok {
		t.Fatal("sbrk range not mapped")
	}
}

func TestMmapMunmap(t *testing.T) {
	t.Parallel()

	k, tid, _ := newUserKernel(t)
	thread := k.Sched.Lookup(tid)

	free := k.Mem.FreeFrames()

	addr := call(k, syscall.SysMmap, 2*4096)
	if addr == syscall.ErrReturn {
		t.Fatal("mmap failed")
	}

	if _, ok := k.Mem.Translate(thread.PageDirectory, mem.VirtAddr(addr)+4096); !ok {
		t.Fatal("mmap range not mapped")
	}

	if got := call(k, syscall.SysMunmap, uint64(addr), 2*4096); got != 0 {
		t.Fatalf("munmap = %#x", got)
	}

	if _, ok := k.Mem.Translate(thread.PageDirectory, mem.VirtAddr(addr)); ok {
		t.Fatal("still mapped after munmap")
	}

	if k.Mem.FreeFrames() < free-3 {
		t.Fatal("munmap leaked frames")
	}
}

func TestShmLifecycleViaSyscalls(t *testing.T) {
	t.Parallel()

	k, _, _ := newUserKernel(t)

	id := call(k, syscall.SysShmCreate, 8192)
	if id == syscall.ErrReturn || id == 0 {
		t.Fatalf("shm_create = %#x", id)
	}

	if got := call(k, syscall.SysShmMap, uint64(id)); got != id {
		t.Fatalf("shm_map = %#x", got)
	}

	if got := call(k, syscall.SysShmDestroy, uint64(id)); got != 0 {
		t.Fatalf("shm_destroy = %#x", got)
	}

	// Still mapped: the region must survive until the unmap.
	if !k.Shm.Exists(id) {
		t.Fatal("destroy ignored the live mapping")
	}

	if got := call(k, syscall.SysShmUnmap, uint64(id)); got != 0 {
		t.Fatalf("shm_unmap = %#x", got)
	}

	if k.Shm.Exists(id) {
		t.Fatal("region leaked after last unmap")
	}
}

func TestPermFirstLaunchFlow(t *testing.T) {
	t.Parallel()

	k, tid, va := newUserKernel(t)
	thread := k.Sched.Lookup(tid)

	if err := k.Mem.CopyToUser(thread.PageDirectory, va, []byte("com.anyos.surf\x00")); err != nil {
		t.Fatal(err)
	}

	want := caps.Network | caps.Display

	// First check: consent outstanding.
	if got := call(k, syscall.SysPermCheck, uint64(va), uint64(want)); got != syscall.PermNeeded {
		t.Fatalf("perm_check = %#x, want PermNeeded", got)
	}

	if pending := call(k, syscall.SysPermPendingInfo, uint64(va)); caps.Set(pending) != want {
		t.Fatalf("pending = %#x, want %#x", pending, uint32(want))
	}

	// Parent stores the grant (it holds MANAGE_PERMS by default here).
	if got := call(k, syscall.SysPermStore, uint64(va), uint64(want)); got != 0 {
		t.Fatalf("perm_store = %#x", got)
	}

	// Retry passes.
	if got := call(k, syscall.SysPermCheck, uint64(va), uint64(want)); got != 0 {
		t.Fatalf("perm_check after store = %#x", got)
	}
}

func TestKillZeroSignalAliasesSigkill(t *testing.T) {
	t.Parallel()

	k, _, _ := newUserKernel(t)

	victim := k.Sched.Spawn(0x2000, 50, "victim")

	if got := call(k, syscall.SysKill, uint64(victim), 0); got != 0 {
		t.Fatalf("kill = %#x", got)
	}

	if got := k.Sched.TryWaitpid(victim); got != sched.KilledExit {
		t.Fatalf("exit code = %#x, want KilledExit", got)
	}
}
