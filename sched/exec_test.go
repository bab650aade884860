package sched_test

import (
	"encoding/binary"
	"testing"

	"github.com/brianmayclone/anyos-core/caps"
	"github.com/brianmayclone/anyos-core/mem"
)

// buildELF wraps code into a minimal ELF64 executable with one PT_LOAD
// segment at vaddr.
func buildELF(code []byte, vaddr uint64) []byte {
	const (
		ehsize = 64
		phsize = 56
	)

	buf := make([]byte, ehsize+phsize+len(code))

	// ELF header.
	copy(buf, []byte{0x7F, 'E', 'L', 'F', 2, 1, 1, 0})
	binary.LittleEndian.PutUint16(buf[16:], 2)  // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:], 62) // EM_X86_64
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint64(buf[24:], vaddr)  // e_entry
	binary.LittleEndian.PutUint64(buf[32:], ehsize) // e_phoff
	binary.LittleEndian.PutUint16(buf[52:], ehsize)
	binary.LittleEndian.PutUint16(buf[54:], phsize)
	binary.LittleEndian.PutUint16(buf[56:], 1) // e_phnum

	// Program header.
	ph := buf[ehsize:]
	binary.LittleEndian.PutUint32(ph[0:], 1)                    // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:], 5)                    // R+X
	binary.LittleEndian.PutUint64(ph[8:], ehsize+phsize)        // p_offset
	binary.LittleEndian.PutUint64(ph[16:], vaddr)               // p_vaddr
	binary.LittleEndian.PutUint64(ph[24:], vaddr)               // p_paddr
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(code)))   // p_filesz
	binary.LittleEndian.PutUint64(ph[40:], uint64(len(code)))   // p_memsz
	binary.LittleEndian.PutUint64(ph[48:], uint64(mem.FrameSize))

	copy(buf[ehsize+phsize:], code)

	return buf
}

func TestSpawnUser(t *testing.T) {
	t.Parallel()

	s, mm := newKernel(t)

	code := []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3} // mov eax, 42; ret
	elfBin := buildELF(code, 0x40_1000)

	tid, err := s.SpawnUser(elfBin, "hello", "-v", 0)
	if err != nil {
		t.Fatal(err)
	}

	thread := s.Lookup(tid)
	if thread == nil {
		t.Fatal("thread not created")
	}

	if !thread.IsUser || thread.PageDirectory == 0 {
		t.Fatal("not a user process")
	}

	if thread.Caps != caps.Default {
		t.Fatalf("caps = %#x, want CLI default", uint32(thread.Caps))
	}

	if thread.Context.RIP != 0x40_1000 {
		t.Fatalf("entry = %#x", thread.Context.RIP)
	}

	if thread.Context.CS != 0x1B || thread.Context.SS != 0x23 {
		t.Fatal("context missing user-mode selectors")
	}

	if thread.Args != "-v" {
		t.Fatalf("args = %q", thread.Args)
	}

	// The code must actually be mapped through the new directory.
	got := make([]byte, len(code))
	if err := mm.CopyFromUser(thread.PageDirectory, 0x40_1000, got); err != nil {
		t.Fatal(err)
	}

	for i := range code {
		if got[i] != code[i] {
			t.Fatalf("code byte %d = %#x, want %#x", i, got[i], code[i])
		}
	}

	// Schedulable after the wake.
	s.Tick()
	if s.CurrentTID() != tid {
		t.Fatal("spawned process not scheduled")
	}
}

func TestSpawnUserRejectsGarbage(t *testing.T) {
	t.Parallel()

	s, mm := newKernel(t)

	free := mm.FreeFrames()

	if _, err := s.SpawnUser([]byte("not an elf"), "x", "", 0); err == nil {
		t.Fatal("expected error")
	}

	if mm.FreeFrames() != free {
		t.Fatal("failed spawn leaked frames")
	}
}

func TestExecCurrentReplacesImage(t *testing.T) {
	t.Parallel()

	s, mm := newKernel(t)

	elfBin := buildELF([]byte{0xC3}, 0x40_1000)

	tid, err := s.SpawnUser(elfBin, "init", "", 0)
	if err != nil {
		t.Fatal(err)
	}

	s.Tick()

	oldPD := s.Lookup(tid).PageDirectory

	elf2 := buildELF([]byte{0x90, 0xC3}, 0x40_2000)
	if err := s.ExecCurrent(elf2, "--new"); err != nil {
		t.Fatal(err)
	}

	thread := s.Lookup(tid)

	if thread.PageDirectory == oldPD {
		t.Fatal("exec kept the old page directory")
	}

	if thread.Context.RIP != 0x40_2000 {
		t.Fatalf("entry = %#x, want the new image", thread.Context.RIP)
	}

	if thread.Args != "--new" {
		t.Fatalf("args = %q", thread.Args)
	}

	// The old image is gone: its VA is not mapped in the new directory.
	if _, ok := mm.Translate(thread.PageDirectory, 0x40_1000); ok {
		t.Fatal("old mapping survived exec")
	}
}
