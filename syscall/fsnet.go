package syscall

import "github.com/brianmayclone/anyos-core/mem"

func sysOpen(k *Kernel, f *Frame) uint32 {
	if k.FS == nil {
		return ErrReturn
	}

	path, ok := k.readUserString(f.Arg(0), 256)
	if !ok {
		return ErrReturn
	}

	fd, err := k.FS.Open(path, uint32(f.Arg(1)))
	if err != nil {
		return ErrReturn
	}

	return fd
}

func sysRead(k *Kernel, f *Frame) uint32 {
	if k.FS == nil {
		return ErrReturn
	}

	cur := k.Sched.Current()
	if cur == nil {
		return ErrReturn
	}

	buf := make([]byte, f.Arg(2))

	n, err := k.FS.Read(uint32(f.Arg(0)), buf)
	if err != nil {
		return ErrReturn
	}

	if n > 0 && cur.PageDirectory != 0 {
		if err := k.Mem.CopyToUser(cur.PageDirectory, mem.VirtAddr(f.Arg(1)), buf[:n]); err != nil {
			return ErrReturn
		}
	}

	return n
}

func sysWrite(k *Kernel, f *Frame) uint32 {
	if k.FS == nil {
		return ErrReturn
	}

	cur := k.Sched.Current()
	if cur == nil {
		return ErrReturn
	}

	buf := make([]byte, f.Arg(2))
	if cur.PageDirectory != 0 {
		if err := k.Mem.CopyFromUser(cur.PageDirectory, mem.VirtAddr(f.Arg(1)), buf); err != nil {
			return ErrReturn
		}
	}

	n, err := k.FS.Write(uint32(f.Arg(0)), buf)
	if err != nil {
		return ErrReturn
	}

	return n
}

func sysClose(k *Kernel, f *Frame) uint32 {
	if k.FS == nil {
		return ErrReturn
	}

	if err := k.FS.Close(uint32(f.Arg(0))); err != nil {
		return ErrReturn
	}

	return 0
}

func sysNetConfig(k *Kernel, f *Frame) uint32 {
	if k.Net == nil {
		return ErrReturn
	}

	return k.Net.Config(uint32(f.Arg(0)), f.Arg(1))
}
