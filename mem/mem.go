// Package mem owns physical frames and per-process page tables.
//
// All page tables live inside a flat physical RAM image, exactly as they
// would in the machine: a page-directory value is the physical address of a
// PML4 frame, and walks read and write little-endian PTEs in RAM. User page
// directories share the kernel half (PML4 entries 256..511) with the kernel
// root and own everything below it.
package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// FrameSize is the only supported page size.
	FrameSize = 4096

	entriesPerTable = 512
	entrySize       = 8

	// Index of the first kernel-half PML4 entry. Everything below is
	// user space and is owned by the page directory that maps it.
	kernelPML4Start = 256
)

// Page table entry flags.
const (
	FlagPresent  uint64 = 1 << 0
	FlagWritable uint64 = 1 << 1
	FlagUser     uint64 = 1 << 2
	FlagNoCache  uint64 = 1 << 4

	addrMask uint64 = 0x000F_FFFF_FFFF_F000
)

var (
	ErrOutOfMemory   = errors.New("out of physical frames")
	ErrNotMapped     = errors.New("virtual address not mapped")
	ErrFrameNotInUse = errors.New("frame is not in use")
)

type PhysAddr uint64

type VirtAddr uint64

// Manager is the physical frame allocator plus the page-table walker.
type Manager struct {
	ram   []byte
	free  []PhysAddr
	inUse map[PhysAddr]bool

	kernelPD PhysAddr

	// Bump allocator for kernel-space MMIO windows. Drivers get back
	// whatever range is chosen; nothing is at a fixed address.
	mmioNext VirtAddr
	mmioMap  map[VirtAddr]mmioWindow
}

type mmioWindow struct {
	phys  PhysAddr
	pages int
}

// New creates a manager over ramBytes of physical memory. Frame 0 is never
// handed out so that a zero PhysAddr always means "nothing".
func New(ramBytes int) (*Manager, error) {
	if ramBytes < 4*FrameSize || ramBytes%FrameSize != 0 {
		return nil, fmt.Errorf("ram size %#x: must be at least %d frames and a multiple of %d bytes", ramBytes, 4, FrameSize)
	}

	m := &Manager{
		ram:      make([]byte, ramBytes),
		inUse:    map[PhysAddr]bool{},
		mmioNext: 0xFFFF_FFFF_D000_0000,
		mmioMap:  map[VirtAddr]mmioWindow{},
	}

	// Build the free list high-to-low so early allocations come from low
	// memory, matching the identity-mapped DMA region convention.
	for pa := PhysAddr(ramBytes - FrameSize); pa >= FrameSize; pa -= FrameSize {
		m.free = append(m.free, pa)
	}

	pd, err := m.AllocFrame()
	if err != nil {
		return nil, err
	}

	m.kernelPD = pd

	return m, nil
}

// KernelPD returns the kernel root page directory. Loaded into CR3 before a
// user page directory may be destroyed.
func (m *Manager) KernelPD() PhysAddr {
	return m.kernelPD
}

// RAMSize returns the size of the physical image in bytes.
func (m *Manager) RAMSize() int {
	return len(m.ram)
}

// FreeFrames returns how many frames remain allocatable.
func (m *Manager) FreeFrames() int {
	return len(m.free)
}

// AllocFrame pops a zeroed 4 KiB frame off the free list.
func (m *Manager) AllocFrame() (PhysAddr, error) {
	if len(m.free) == 0 {
		return 0, ErrOutOfMemory
	}

	pa := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	m.inUse[pa] = true

	b := m.frame(pa)
	for i := range b {
		b[i] = 0
	}

	return pa, nil
}

// FreeFrame returns a frame to the free list. The caller upholds the
// no-dangling-references invariant; the manager only validates that the
// frame was actually in use.
func (m *Manager) FreeFrame(pa PhysAddr) error {
	if !m.inUse[pa] {
		return fmt.Errorf("free frame %#x: %w", uint64(pa), ErrFrameNotInUse)
	}

	delete(m.inUse, pa)
	m.free = append(m.free, pa)

	return nil
}

func (m *Manager) frame(pa PhysAddr) []byte {
	return m.ram[pa : pa+FrameSize]
}

func (m *Manager) readEntry(table PhysAddr, idx int) uint64 {
	off := uint64(table) + uint64(idx*entrySize)

	return binary.LittleEndian.Uint64(m.ram[off : off+entrySize])
}

func (m *Manager) writeEntry(table PhysAddr, idx int, v uint64) {
	off := uint64(table) + uint64(idx*entrySize)
	binary.LittleEndian.PutUint64(m.ram[off:off+entrySize], v)
}

func tableIndexes(va VirtAddr) [4]int {
	return [4]int{
		int(va>>39) & 0x1FF,
		int(va>>30) & 0x1FF,
		int(va>>21) & 0x1FF,
		int(va>>12) & 0x1FF,
	}
}

// MapPage installs va→pa in the given page directory, allocating
// intermediate tables as needed. Misaligned arguments are a caller bug.
func (m *Manager) MapPage(pd PhysAddr, va VirtAddr, pa PhysAddr, flags uint64) error {
	if uint64(va)%FrameSize != 0 || uint64(pa)%FrameSize != 0 {
		panic(fmt.Sprintf("mem: map %#x -> %#x: unaligned", uint64(va), uint64(pa)))
	}

	idx := tableIndexes(va)
	table := pd

	for level := 0; level < 3; level++ {
		e := m.readEntry(table, idx[level])
		if e&FlagPresent == 0 {
			next, err := m.AllocFrame()
			if err != nil {
				return err
			}
			// Intermediate entries carry the union of permissions;
			// the leaf PTE is authoritative.
			m.writeEntry(table, idx[level], uint64(next)|FlagPresent|FlagWritable|FlagUser)
			table = next
		} else {
			table = PhysAddr(e & addrMask)
		}
	}

	m.writeEntry(table, idx[3], uint64(pa)|flags)

	return nil
}

// UnmapPage clears the leaf PTE for va. The frame itself is not freed; the
// owner decides that.
func (m *Manager) UnmapPage(pd PhysAddr, va VirtAddr) error {
	table, ok := m.walkToLeaf(pd, va)
	if !ok {
		return fmt.Errorf("unmap %#x: %w", uint64(va), ErrNotMapped)
	}

	idx := tableIndexes(va)
	m.writeEntry(table, idx[3], 0)

	return nil
}

func (m *Manager) walkToLeaf(pd PhysAddr, va VirtAddr) (PhysAddr, bool) {
	idx := tableIndexes(va)
	table := pd

	for level := 0; level < 3; level++ {
		e := m.readEntry(table, idx[level])
		if e&FlagPresent == 0 {
			return 0, false
		}
		table = PhysAddr(e & addrMask)
	}

	return table, true
}

// ReadPTE returns the raw leaf PTE for va, or ok=false if any level of the
// walk is not present.
func (m *Manager) ReadPTE(pd PhysAddr, va VirtAddr) (uint64, bool) {
	table, ok := m.walkToLeaf(pd, va)
	if !ok {
		return 0, false
	}

	e := m.readEntry(table, tableIndexes(va)[3])
	if e&FlagPresent == 0 {
		return 0, false
	}

	return e, true
}

// Translate resolves va to a physical address through pd.
func (m *Manager) Translate(pd PhysAddr, va VirtAddr) (PhysAddr, bool) {
	e, ok := m.ReadPTE(pd, va)
	if !ok {
		return 0, false
	}

	return PhysAddr(e&addrMask) + PhysAddr(uint64(va)%FrameSize), true
}

// NewUserPageDirectory allocates a fresh PML4 whose kernel half aliases the
// kernel root. The user half starts empty.
func (m *Manager) NewUserPageDirectory() (PhysAddr, error) {
	pd, err := m.AllocFrame()
	if err != nil {
		return 0, err
	}

	for i := kernelPML4Start; i < entriesPerTable; i++ {
		m.writeEntry(pd, i, m.readEntry(m.kernelPD, i))
	}

	return pd, nil
}

// CloneUserPageDirectory deep-copies the user half of pd: new table frames,
// new data frames, page contents duplicated. The kernel half stays shared.
// On OOM no partial directory is left behind.
func (m *Manager) CloneUserPageDirectory(pd PhysAddr) (PhysAddr, error) {
	clone, err := m.NewUserPageDirectory()
	if err != nil {
		return 0, err
	}

	if err := m.cloneUserHalf(pd, clone); err != nil {
		m.DestroyUserPageDirectory(clone)

		return 0, err
	}

	return clone, nil
}

func (m *Manager) cloneUserHalf(src, dst PhysAddr) error {
	for i4 := 0; i4 < kernelPML4Start; i4++ {
		e4 := m.readEntry(src, i4)
		if e4&FlagPresent == 0 {
			continue
		}
		pdpt := PhysAddr(e4 & addrMask)

		for i3 := 0; i3 < entriesPerTable; i3++ {
			e3 := m.readEntry(pdpt, i3)
			if e3&FlagPresent == 0 {
				continue
			}
			pdTab := PhysAddr(e3 & addrMask)

			for i2 := 0; i2 < entriesPerTable; i2++ {
				e2 := m.readEntry(pdTab, i2)
				if e2&FlagPresent == 0 {
					continue
				}
				pt := PhysAddr(e2 & addrMask)

				for i1 := 0; i1 < entriesPerTable; i1++ {
					e1 := m.readEntry(pt, i1)
					if e1&FlagPresent == 0 {
						continue
					}

					va := VirtAddr(uint64(i4)<<39 | uint64(i3)<<30 | uint64(i2)<<21 | uint64(i1)<<12)

					newFrame, err := m.AllocFrame()
					if err != nil {
						return err
					}
					copy(m.frame(newFrame), m.frame(PhysAddr(e1&addrMask)))

					if err := m.MapPage(dst, va, newFrame, e1&^addrMask); err != nil {
						// The frame is not reachable from dst yet.
						_ = m.FreeFrame(newFrame)

						return err
					}
				}
			}
		}
	}

	return nil
}

// DestroyUserPageDirectory unmaps every user frame, returns the frames to
// the free list, and frees every table frame the directory owns, including
// the PML4 itself. The caller must have reloaded the kernel CR3 first.
func (m *Manager) DestroyUserPageDirectory(pd PhysAddr) int {
	freed := 0

	for i4 := 0; i4 < kernelPML4Start; i4++ {
		e4 := m.readEntry(pd, i4)
		if e4&FlagPresent == 0 {
			continue
		}
		pdpt := PhysAddr(e4 & addrMask)

		for i3 := 0; i3 < entriesPerTable; i3++ {
			e3 := m.readEntry(pdpt, i3)
			if e3&FlagPresent == 0 {
				continue
			}
			pdTab := PhysAddr(e3 & addrMask)

			for i2 := 0; i2 < entriesPerTable; i2++ {
				e2 := m.readEntry(pdTab, i2)
				if e2&FlagPresent == 0 {
					continue
				}
				pt := PhysAddr(e2 & addrMask)

				for i1 := 0; i1 < entriesPerTable; i1++ {
					e1 := m.readEntry(pt, i1)
					if e1&FlagPresent != 0 {
						_ = m.FreeFrame(PhysAddr(e1 & addrMask))
						freed++
					}
				}
				_ = m.FreeFrame(pt)
			}
			_ = m.FreeFrame(pdTab)
		}
		_ = m.FreeFrame(pdpt)
	}

	_ = m.FreeFrame(pd)

	return freed
}

// MapMMIO reserves a fresh kernel VA window for a device BAR and returns it.
// The driver must not assume anything about the value.
func (m *Manager) MapMMIO(phys PhysAddr, pages int) VirtAddr {
	va := m.mmioNext
	m.mmioNext += VirtAddr(pages * FrameSize)
	m.mmioMap[va] = mmioWindow{phys: phys, pages: pages}

	return va
}

// ReadPhys copies physical memory into buf.
func (m *Manager) ReadPhys(pa PhysAddr, buf []byte) {
	copy(buf, m.ram[pa:])
}

// WritePhys copies buf into physical memory.
func (m *Manager) WritePhys(pa PhysAddr, buf []byte) {
	copy(m.ram[pa:], buf)
}

// CopyToUser writes data at va through pd, page by page.
func (m *Manager) CopyToUser(pd PhysAddr, va VirtAddr, data []byte) error {
	for len(data) > 0 {
		pa, ok := m.Translate(pd, va)
		if !ok {
			return fmt.Errorf("copy to %#x: %w", uint64(va), ErrNotMapped)
		}

		n := FrameSize - int(uint64(va)%FrameSize)
		if n > len(data) {
			n = len(data)
		}

		copy(m.ram[pa:], data[:n])
		data = data[n:]
		va += VirtAddr(n)
	}

	return nil
}

// CopyFromUser reads len(buf) bytes at va through pd.
func (m *Manager) CopyFromUser(pd PhysAddr, va VirtAddr, buf []byte) error {
	for len(buf) > 0 {
		pa, ok := m.Translate(pd, va)
		if !ok {
			return fmt.Errorf("copy from %#x: %w", uint64(va), ErrNotMapped)
		}

		n := FrameSize - int(uint64(va)%FrameSize)
		if n > len(buf) {
			n = len(buf)
		}

		copy(buf[:n], m.ram[pa:])
		buf = buf[n:]
		va += VirtAddr(n)
	}

	return nil
}
