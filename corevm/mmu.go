package corevm

// AccessType classifies a linear-address access for fault reporting and
// permission checks.
type AccessType uint8

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExecute
)

// PagingMode is derived from CR0/CR4/EFER and resynced on every loop
// boundary.
type PagingMode uint8

const (
	PagingNone PagingMode = iota
	Paging32   PagingMode = iota // legacy 2-level
	Paging64   PagingMode = iota // 4-level long mode
)

// Mmu performs linear→physical translation. It holds no TLB: every
// access walks the live tables, so guest page-table writes take effect
// immediately.
type Mmu struct {
	mode PagingMode
}

// UpdateFromRegs derives the paging mode from control registers. Must be
// called after any write to CR0, CR4 or EFER.
func (m *Mmu) UpdateFromRegs(cr0, cr4, efer uint64) {
	switch {
	case cr0&CR0PG == 0:
		m.mode = PagingNone
	case efer&EFERLMA != 0:
		m.mode = Paging64
	default:
		m.mode = Paging32
	}
}

// Mode returns the current paging mode.
func (m *Mmu) Mode() PagingMode {
	return m.mode
}

func pfErrorCode(access AccessType, cpl uint8, present bool) uint32 {
	var ec uint32

	if present {
		ec |= 1
	}

	if access == AccessWrite {
		ec |= 2
	}

	if cpl == 3 {
		ec |= 4
	}

	if access == AccessExecute {
		ec |= 0x10
	}

	return ec
}

// TranslateLinear resolves a linear address to a physical one. Faults
// come back as ErrPageFault carrying the linear address for CR2.
func (m *Mmu) TranslateLinear(linear, cr3 uint64, access AccessType, cpl uint8, mem *GuestMemory) (uint64, error) {
	switch m.mode {
	case PagingNone:
		return linear, nil
	case Paging32:
		return m.translate32(linear, cr3, access, cpl, mem)
	default:
		return m.translate64(linear, cr3, access, cpl, mem)
	}
}

func (m *Mmu) translate32(linear, cr3 uint64, access AccessType, cpl uint8, mem *GuestMemory) (uint64, error) {
	lin := uint32(linear)

	pdeAddr := (cr3 & 0xFFFF_F000) + uint64(lin>>22)*4

	pde, err := mem.ReadU32(pdeAddr)
	if err != nil {
		return 0, errPF(linear, pfErrorCode(access, cpl, false))
	}

	if pde&1 == 0 {
		return 0, errPF(linear, pfErrorCode(access, cpl, false))
	}

	// 4 MiB page (PSE).
	if pde&0x80 != 0 {
		base := uint64(pde & 0xFFC0_0000)

		return base + uint64(lin&0x3F_FFFF), nil
	}

	pteAddr := uint64(pde&0xFFFF_F000) + uint64(lin>>12&0x3FF)*4

	pte, err := mem.ReadU32(pteAddr)
	if err != nil {
		return 0, errPF(linear, pfErrorCode(access, cpl, false))
	}

	if pte&1 == 0 {
		return 0, errPF(linear, pfErrorCode(access, cpl, false))
	}

	if access == AccessWrite && pte&2 == 0 && cpl == 3 {
		return 0, errPF(linear, pfErrorCode(access, cpl, true))
	}

	return uint64(pte&0xFFFF_F000) + uint64(lin&0xFFF), nil
}

func (m *Mmu) translate64(linear, cr3 uint64, access AccessType, cpl uint8, mem *GuestMemory) (uint64, error) {
	const entryAddrMask = 0x000F_FFFF_FFFF_F000

	table := cr3 & entryAddrMask
	shifts := []uint{39, 30, 21, 12}

	for level, shift := range shifts {
		idx := linear >> shift & 0x1FF

		entry, err := mem.ReadU64(table + idx*8)
		if err != nil {
			return 0, errPF(linear, pfErrorCode(access, cpl, false))
		}

		if entry&1 == 0 {
			return 0, errPF(linear, pfErrorCode(access, cpl, false))
		}

		// 2 MiB page at the PD level.
		if level == 2 && entry&0x80 != 0 {
			base := entry & 0x000F_FFFF_FFE0_0000

			return base + linear&0x1F_FFFF, nil
		}

		if level == 3 {
			if access == AccessWrite && entry&2 == 0 && cpl == 3 {
				return 0, errPF(linear, pfErrorCode(access, cpl, true))
			}

			return entry&entryAddrMask + linear&0xFFF, nil
		}

		table = entry & entryAddrMask
	}

	return 0, errPF(linear, pfErrorCode(access, cpl, false))
}
