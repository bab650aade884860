package syscall

import (
	"sync"

	"github.com/brianmayclone/anyos-core/caps"
	"github.com/brianmayclone/anyos-core/ipc"
	"github.com/brianmayclone/anyos-core/klog"
	"github.com/brianmayclone/anyos-core/mem"
	"github.com/brianmayclone/anyos-core/sched"
)

// Result sentinels shared by all syscalls.
const (
	ErrReturn    = ^uint32(0)     // generic error
	StillRunning = ^uint32(0) - 1 // waitpid family: target alive
	PermNeeded   = ^uint32(0) - 2 // consent dialog required before retry
)

// Frame is the fixed register layout captured at the syscall gate: the
// number in RAX, arguments in RDI/RSI/RDX/R10/R8/R9, plus the IRETQ frame.
type Frame struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP, RSP, RFLAGS uint64

	CS, SS uint16
}

// Num returns the syscall number.
func (f *Frame) Num() uint32 {
	return uint32(f.RAX)
}

// Arg returns argument i (0..5) following the register convention.
func (f *Frame) Arg(i int) uint64 {
	switch i {
	case 0:
		return f.RDI
	case 1:
		return f.RSI
	case 2:
		return f.RDX
	case 3:
		return f.R10
	case 4:
		return f.R8
	case 5:
		return f.R9
	}

	return 0
}

// FileSystem is the mounted filesystem contract the core consumes. The
// implementation lives outside the core.
type FileSystem interface {
	Open(path string, flags uint32) (fd uint32, err error)
	Read(fd uint32, buf []byte) (uint32, error)
	Write(fd uint32, data []byte) (uint32, error)
	Close(fd uint32) error
	ReadFile(path string) ([]byte, error)
}

// Network is the network stack contract. Same deal: internals out of scope.
type Network interface {
	Config(op uint32, arg uint64) uint32
}

type handler func(k *Kernel, f *Frame) uint32

// Kernel ties the subsystems together and dispatches syscalls. Constructed
// once in main and passed around explicitly.
type Kernel struct {
	Sched *sched.Scheduler
	Mem   *mem.Manager
	Pipes *ipc.PipeTable
	Shm   *ipc.ShmTable
	Bus   *ipc.EventBus
	Perms *PermStore

	// FS and Net are optional collaborators; syscalls in their groups
	// fail with ErrReturn while unset.
	FS  FileSystem
	Net Network

	envMu sync.Mutex
	env   map[string]string

	handlers map[uint32]handler
}

// NewKernel wires the dispatcher over an existing scheduler and memory
// manager.
func NewKernel(s *sched.Scheduler, m *mem.Manager, pipes *ipc.PipeTable, shm *ipc.ShmTable, bus *ipc.EventBus) *Kernel {
	k := &Kernel{
		Sched: s,
		Mem:   m,
		Pipes: pipes,
		Shm:   shm,
		Bus:   bus,
		Perms: NewPermStore(),
		env:   map[string]string{},
	}

	k.handlers = map[uint32]handler{
		SysExit:       sysExit,
		SysGetpid:     sysGetpid,
		SysGetppid:    sysGetppid,
		SysYield:      sysYield,
		SysSleep:      sysSleep,
		SysKill:       sysKill,
		SysWaitpid:    sysWaitpid,
		SysTryWaitpid: sysTryWaitpid,
		SysSetPrio:    sysSetPriority,
		SysGetargs:    sysGetargs,
		SysFork:       sysFork,
		SysSpawn:      sysSpawn,
		SysExec:       sysExec,

		SysSbrk:   sysSbrk,
		SysMmap:   sysMmap,
		SysMunmap: sysMunmap,

		SysOpen:  sysOpen,
		SysRead:  sysRead,
		SysWrite: sysWrite,
		SysClose: sysClose,

		SysNetConfig: sysNetConfig,

		SysPipeCreate: sysPipeCreate,
		SysPipeOpen:   sysPipeOpen,
		SysPipeRead:   sysPipeRead,
		SysPipeWrite:  sysPipeWrite,
		SysPipeClose:  sysPipeClose,

		SysShmCreate:  sysShmCreate,
		SysShmMap:     sysShmMap,
		SysShmUnmap:   sysShmUnmap,
		SysShmDestroy: sysShmDestroy,

		SysEvtSysSubscribe:   sysEvtSubscribe,
		SysEvtSysPoll:        sysEvtPoll,
		SysEvtSysUnsubscribe: sysEvtUnsubscribe,

		SysRegisterCompositor: sysRegisterCompositor,

		SysDmesg:       sysDmesg,
		SysSetenv:      sysSetenv,
		SysGetenv:      sysGetenv,
		SysListenv:     sysListenv,
		SysSetCritical: sysSetCritical,
		SysSysinfo:     sysSysinfo,

		SysGetuid:  sysGetuid,
		SysGetgid:  sysGetgid,
		SysGetCaps: sysGetCaps,
		SysUptime:  sysUptime,
		SysTickHz:  sysTickHz,

		SysThreadCreate: sysThreadCreate,

		SysPermCheck:       sysPermCheck,
		SysPermStore:       sysPermStore,
		SysPermList:        sysPermList,
		SysPermDelete:      sysPermDelete,
		SysPermPendingInfo: sysPermPendingInfo,
	}

	return k
}

// Dispatch runs one syscall on behalf of the current thread. Unknown
// numbers and capability failures both return ErrReturn.
func (k *Kernel) Dispatch(f *Frame) uint32 {
	num := f.Num()

	required := RequiredCap(num)
	if required != 0 {
		cur := k.Sched.Current()
		if cur == nil {
			return ErrReturn
		}

		if !cur.Caps.Has(required) {
			klog.Printf("syscall %d from T%d: capability %s required",
				num, cur.TID, capName(required))

			return ErrReturn
		}
	}

	h, ok := k.handlers[num]
	if !ok {
		return ErrReturn
	}

	ret := h(k, f)

	// Signal delivery is sampled on the return path.
	if cur := k.Sched.Current(); cur != nil {
		if sig, handlerAddr, ok := k.Sched.TakePendingSignal(cur.TID); ok {
			klog.Printf("delivering signal %d to T%d handler=%#x", sig, cur.TID, handlerAddr)
		}
	}

	return ret
}

func capName(c caps.Set) string {
	if n := caps.Name(c); n != "" {
		return n
	}

	return "?"
}

// readUserString fetches a NUL-terminated string at (ptr, maxLen) through
// the current thread's page directory.
func (k *Kernel) readUserString(ptr uint64, maxLen int) (string, bool) {
	cur := k.Sched.Current()
	if cur == nil || cur.PageDirectory == 0 || ptr == 0 {
		return "", false
	}

	buf := make([]byte, maxLen)
	if err := k.Mem.CopyFromUser(cur.PageDirectory, mem.VirtAddr(ptr), buf); err != nil {
		return "", false
	}

	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), true
		}
	}

	return string(buf), true
}
