package syscall

import (
	"github.com/brianmayclone/anyos-core/mem"
)

func virtAddr(v uint64) mem.VirtAddr {
	return mem.VirtAddr(v)
}

// sysSbrk moves the program break by a signed increment and returns the
// old break. OOM surfaces as ErrReturn; there are no retries.
func sysSbrk(k *Kernel, f *Frame) uint32 {
	cur := k.Sched.Current()
	if cur == nil || !cur.IsUser {
		return ErrReturn
	}

	inc := int64(int32(uint32(f.Arg(0))))
	oldBrk := cur.Brk

	if inc == 0 {
		return uint32(oldBrk)
	}

	newBrk := mem.VirtAddr(int64(oldBrk) + inc)

	if inc > 0 {
		start := (oldBrk + mem.FrameSize - 1) &^ (mem.FrameSize - 1)
		end := (newBrk + mem.FrameSize - 1) &^ (mem.FrameSize - 1)

		for va := start; va < end; va += mem.FrameSize {
			frame, err := k.Mem.AllocFrame()
			if err != nil {
				return ErrReturn
			}

			if err := k.Mem.MapPage(cur.PageDirectory, va, frame,
				mem.FlagPresent|mem.FlagWritable|mem.FlagUser); err != nil {
				_ = k.Mem.FreeFrame(frame)

				return ErrReturn
			}
			cur.UserPages++
		}
	}

	cur.Brk = newBrk

	return uint32(oldBrk)
}

// sysMmap maps size bytes of fresh zeroed pages at the thread's next mmap
// address and returns it.
func sysMmap(k *Kernel, f *Frame) uint32 {
	cur := k.Sched.Current()
	if cur == nil || !cur.IsUser {
		return ErrReturn
	}

	size := f.Arg(0)
	if size == 0 {
		return ErrReturn
	}

	pages := int((size + mem.FrameSize - 1) / mem.FrameSize)
	base := cur.NextMmap

	for i := 0; i < pages; i++ {
		frame, err := k.Mem.AllocFrame()
		if err != nil {
			return ErrReturn
		}

		va := base + mem.VirtAddr(i*mem.FrameSize)
		if err := k.Mem.MapPage(cur.PageDirectory, va, frame,
			mem.FlagPresent|mem.FlagWritable|mem.FlagUser); err != nil {
			_ = k.Mem.FreeFrame(frame)

			return ErrReturn
		}
		cur.UserPages++
	}

	cur.NextMmap = base + mem.VirtAddr(pages*mem.FrameSize)

	return uint32(base)
}

// sysMunmap unmaps [addr, addr+size) and frees the backing frames.
func sysMunmap(k *Kernel, f *Frame) uint32 {
	cur := k.Sched.Current()
	if cur == nil || !cur.IsUser {
		return ErrReturn
	}

	addr := virtAddr(f.Arg(0)) &^ (mem.FrameSize - 1)
	pages := int((f.Arg(1) + mem.FrameSize - 1) / mem.FrameSize)

	for i := 0; i < pages; i++ {
		va := addr + mem.VirtAddr(i*mem.FrameSize)

		pte, ok := k.Mem.ReadPTE(cur.PageDirectory, va)
		if !ok {
			continue
		}

		_ = k.Mem.UnmapPage(cur.PageDirectory, va)
		_ = k.Mem.FreeFrame(mem.PhysAddr(pte & 0x000F_FFFF_FFFF_F000))
		cur.UserPages--
	}

	return 0
}
