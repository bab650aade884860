package syscall

import (
	"github.com/brianmayclone/anyos-core/klog"
	"github.com/brianmayclone/anyos-core/mem"
)

const tickHz = 100

// sysDmesg copies the tail of the kernel log ring into the user buffer and
// returns the byte count.
func sysDmesg(k *Kernel, f *Frame) uint32 {
	cur := k.Sched.Current()
	if cur == nil {
		return ErrReturn
	}

	data := klog.Bytes()

	n := int(f.Arg(1))
	if n > len(data) {
		n = len(data)
	}

	// Newest messages win when the buffer is short.
	tail := data[len(data)-n:]

	if cur.PageDirectory != 0 && f.Arg(0) != 0 && n > 0 {
		if err := k.Mem.CopyToUser(cur.PageDirectory, mem.VirtAddr(f.Arg(0)), tail); err != nil {
			return ErrReturn
		}
	}

	return uint32(n)
}

func sysSetenv(k *Kernel, f *Frame) uint32 {
	key, ok := k.readUserString(f.Arg(0), 64)
	if !ok || key == "" {
		return ErrReturn
	}

	val, _ := k.readUserString(f.Arg(1), 256)

	k.envMu.Lock()
	k.env[key] = val
	k.envMu.Unlock()

	return 0
}

func sysGetenv(k *Kernel, f *Frame) uint32 {
	key, ok := k.readUserString(f.Arg(0), 64)
	if !ok {
		return ErrReturn
	}

	k.envMu.Lock()
	val, found := k.env[key]
	k.envMu.Unlock()

	if !found {
		return ErrReturn
	}

	cur := k.Sched.Current()

	n := int(f.Arg(2))
	if n > len(val) {
		n = len(val)
	}

	if cur != nil && cur.PageDirectory != 0 && f.Arg(1) != 0 && n > 0 {
		if err := k.Mem.CopyToUser(cur.PageDirectory, mem.VirtAddr(f.Arg(1)), []byte(val[:n])); err != nil {
			return ErrReturn
		}
	}

	return uint32(n)
}

func sysListenv(k *Kernel, _ *Frame) uint32 {
	k.envMu.Lock()
	defer k.envMu.Unlock()

	return uint32(len(k.env))
}

func sysSysinfo(k *Kernel, _ *Frame) uint32 {
	return uint32(len(k.Sched.ListThreads()))
}

func sysGetuid(k *Kernel, _ *Frame) uint32 {
	cur := k.Sched.Current()
	if cur == nil {
		return ErrReturn
	}

	return cur.UID
}

func sysGetgid(k *Kernel, _ *Frame) uint32 {
	cur := k.Sched.Current()
	if cur == nil {
		return ErrReturn
	}

	return cur.GID
}

func sysGetCaps(k *Kernel, _ *Frame) uint32 {
	cur := k.Sched.Current()
	if cur == nil {
		return ErrReturn
	}

	return uint32(cur.Caps)
}

func sysUptime(k *Kernel, _ *Frame) uint32 {
	return uint32(k.Sched.Ticks() * 1000 / tickHz)
}

func sysTickHz(_ *Kernel, _ *Frame) uint32 {
	return tickHz
}
