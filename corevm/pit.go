package corevm

// Pit models the 8254 channel 0 well enough for firmware delay loops:
// mode/reload programming on ports 0x40/0x43, latch reads, and a Tick
// driven by the host batch loop.
type Pit struct {
	reload  uint16
	counter uint16
	latched uint16
	hasLatch bool

	accessMode uint8 // 1=lo, 2=hi, 3=lo/hi
	writeHi    bool
	readHi     bool

	running bool
}

func NewPit() *Pit {
	return &Pit{reload: 0xFFFF, counter: 0xFFFF}
}

// Tick advances channel 0 by one host step and reports whether the
// output fired (IRQ0 edge).
func (p *Pit) Tick() bool {
	if !p.running {
		return false
	}

	// One host tick sweeps a full reload period; the daemon calls this
	// a few times per batch to approximate the real rate.
	p.counter = p.reload

	return true
}

func (p *Pit) PortIn(port uint16, _ int) uint32 {
	if port != 0x40 {
		return 0
	}

	v := p.counter
	if p.hasLatch {
		v = p.latched
	}

	switch p.accessMode {
	case 1:
		p.hasLatch = false

		return uint32(v & 0xFF)
	case 2:
		p.hasLatch = false

		return uint32(v >> 8)
	default:
		if p.readHi {
			p.readHi = false
			p.hasLatch = false

			return uint32(v >> 8)
		}

		p.readHi = true

		return uint32(v & 0xFF)
	}
}

func (p *Pit) PortOut(port uint16, _ int, v uint32) {
	switch port {
	case 0x43:
		cmd := uint8(v)
		if cmd>>6 == 0 { // channel 0
			mode := cmd >> 4 & 3
			if mode == 0 { // latch
				p.latched = p.counter
				p.hasLatch = true

				return
			}
			p.accessMode = mode
			p.writeHi = false
		}

	case 0x40:
		switch p.accessMode {
		case 1:
			p.reload = p.reload&0xFF00 | uint16(v&0xFF)
			p.running = true
		case 2:
			p.reload = p.reload&0x00FF | uint16(v&0xFF)<<8
			p.running = true
		default:
			if p.writeHi {
				p.reload = p.reload&0x00FF | uint16(v&0xFF)<<8
				p.writeHi = false
				p.running = true
			} else {
				p.reload = p.reload&0xFF00 | uint16(v&0xFF)
				p.writeHi = true
			}
		}

		p.counter = p.reload
	}
}
