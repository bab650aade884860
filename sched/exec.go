package sched

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/brianmayclone/anyos-core/caps"
	"github.com/brianmayclone/anyos-core/klog"
	"github.com/brianmayclone/anyos-core/mem"
)

var (
	ErrNotUserThread = errors.New("exec: current thread is not a user process")
	ErrBadBinary     = errors.New("exec: not a loadable binary")
)

const (
	userStackTop   = mem.VirtAddr(0x7FFF_F000)
	userStackPages = 4
	defaultBrk     = mem.VirtAddr(0x6000_0000)
	defaultMmap    = mem.VirtAddr(0x5000_0000)
)

// ExecCurrent replaces the Running thread's program: a fresh user page
// directory, the ELF image mapped into it, brk/mmap reset, non-standard
// FDs closed. On success the thread's saved context points at the new
// entry with a user-mode IRETQ frame; the old user image is destroyed.
func (s *Scheduler) ExecCurrent(binary []byte, args string) error {
	f, err := elf.NewFile(bytes.NewReader(binary))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadBinary, err)
	}

	newPD, err := s.mm.NewUserPageDirectory()
	if err != nil {
		return err
	}

	pages := 0

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}

		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil && p.Filesz > 0 {
			s.mm.DestroyUserPageDirectory(newPD)

			return fmt.Errorf("%w: segment read: %v", ErrBadBinary, err)
		}

		n, err := s.mapSegment(newPD, mem.VirtAddr(p.Vaddr), p.Memsz, data)
		if err != nil {
			s.mm.DestroyUserPageDirectory(newPD)

			return err
		}
		pages += n
	}

	// User stack just below the canonical top.
	for i := 0; i < userStackPages; i++ {
		frame, err := s.mm.AllocFrame()
		if err != nil {
			s.mm.DestroyUserPageDirectory(newPD)

			return err
		}

		va := userStackTop - mem.VirtAddr((i+1)*mem.FrameSize)
		if err := s.mm.MapPage(newPD, va, frame, mem.FlagPresent|mem.FlagWritable|mem.FlagUser); err != nil {
			_ = s.mm.FreeFrame(frame)
			s.mm.DestroyUserPageDirectory(newPD)

			return err
		}
		pages++
	}

	s.mu.Lock()

	if s.current < 0 {
		s.mu.Unlock()
		s.mm.DestroyUserPageDirectory(newPD)

		return ErrNotUserThread
	}

	t := s.threads[s.current]
	oldPD := t.PageDirectory

	t.PageDirectory = newPD
	t.IsUser = true
	t.Brk = defaultBrk
	t.NextMmap = defaultMmap
	t.UserPages = pages
	t.Args = args

	// Keep only stdio descriptors across exec.
	for n := range t.FDs {
		if n > 2 {
			if fd := t.FDs[n]; fd.Kind == FDPipe {
				_ = s.pipes.Close(fd.ID)
			}
			delete(t.FDs, n)
		}
	}

	// The IRETQ frame for the new program: user CS/SS, IF set, fresh
	// stack. ExecCurrent never returns to the old program on success.
	t.Context = Context{
		RIP:    f.Entry,
		RSP:    uint64(userStackTop),
		RFLAGS: RFlagsIF | 0x2,
		CS:     0x1B,
		SS:     0x23,
		CR3:    uint64(newPD),
	}
	s.cpu = t.Context

	name := t.Name
	s.mu.Unlock()

	if oldPD != 0 {
		s.mm.DestroyUserPageDirectory(oldPD)
	}

	klog.Printf("sys_exec: T%d reloaded '%s' entry=%#x", s.DebugCurrentTID(), name, f.Entry)

	return nil
}

// SpawnUser creates a new user process from an ELF image: fresh page
// directory, mapped segments and stack, CLI-default capabilities, and a
// user-mode entry frame. The thread is spawned Blocked and only woken
// once its image is complete.
func (s *Scheduler) SpawnUser(binary []byte, name, args string, priority uint8) (uint32, error) {
	f, err := elf.NewFile(bytes.NewReader(binary))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadBinary, err)
	}

	pd, err := s.mm.NewUserPageDirectory()
	if err != nil {
		return 0, err
	}

	pages := 0

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}

		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil && p.Filesz > 0 {
			s.mm.DestroyUserPageDirectory(pd)

			return 0, fmt.Errorf("%w: segment read: %v", ErrBadBinary, err)
		}

		n, err := s.mapSegment(pd, mem.VirtAddr(p.Vaddr), p.Memsz, data)
		if err != nil {
			s.mm.DestroyUserPageDirectory(pd)

			return 0, err
		}
		pages += n
	}

	for i := 0; i < userStackPages; i++ {
		frame, err := s.mm.AllocFrame()
		if err != nil {
			s.mm.DestroyUserPageDirectory(pd)

			return 0, err
		}

		va := userStackTop - mem.VirtAddr((i+1)*mem.FrameSize)
		if err := s.mm.MapPage(pd, va, frame, mem.FlagPresent|mem.FlagWritable|mem.FlagUser); err != nil {
			_ = s.mm.FreeFrame(frame)
			s.mm.DestroyUserPageDirectory(pd)

			return 0, err
		}
		pages++
	}

	tid := s.SpawnBlocked(f.Entry, priority, name)

	s.mu.Lock()

	t := s.lookupLocked(tid)
	t.PageDirectory = pd
	t.IsUser = true
	t.Brk = defaultBrk
	t.NextMmap = defaultMmap
	t.UserPages = pages
	t.Args = args
	t.Caps = caps.Default
	t.Context = Context{
		RIP:    f.Entry,
		RSP:    uint64(userStackTop),
		RFLAGS: RFlagsIF | 0x2,
		CS:     0x1B,
		SS:     0x23,
		CR3:    uint64(pd),
	}

	s.mu.Unlock()

	s.Wake(tid)

	return tid, nil
}

// mapSegment maps [vaddr, vaddr+memsz) and copies data into its head.
// Returns the number of pages mapped.
func (s *Scheduler) mapSegment(pd mem.PhysAddr, vaddr mem.VirtAddr, memsz uint64, data []byte) (int, error) {
	start := vaddr &^ (mem.FrameSize - 1)
	end := (vaddr + mem.VirtAddr(memsz) + mem.FrameSize - 1) &^ (mem.FrameSize - 1)
	pages := 0

	for va := start; va < end; va += mem.FrameSize {
		if _, mapped := s.mm.Translate(pd, va); mapped {
			continue
		}

		frame, err := s.mm.AllocFrame()
		if err != nil {
			return pages, err
		}

		if err := s.mm.MapPage(pd, va, frame, mem.FlagPresent|mem.FlagWritable|mem.FlagUser); err != nil {
			_ = s.mm.FreeFrame(frame)

			return pages, err
		}
		pages++
	}

	if len(data) > 0 {
		if err := s.mm.CopyToUser(pd, vaddr, data); err != nil {
			return pages, err
		}
	}

	return pages, nil
}
