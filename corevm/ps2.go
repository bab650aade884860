package corevm

// Ps2 models the 8042 controller with a keyboard on port 1 and a mouse
// on port 2. Host-side input is queued as scancodes / packets; the guest
// drains port 0x60 and polls status on 0x64.
type Ps2 struct {
	queue []ps2Byte

	// Pending controller command awaiting its data byte on 0x60.
	pendingCmd uint8

	config uint8

	raiseIRQ func(line uint8)
}

type ps2Byte struct {
	value     uint8
	fromMouse bool
}

func NewPs2(raiseIRQ func(line uint8)) *Ps2 {
	return &Ps2{config: 0x45, raiseIRQ: raiseIRQ}
}

func (p *Ps2) enqueue(v uint8, mouse bool) {
	p.queue = append(p.queue, ps2Byte{value: v, fromMouse: mouse})

	if p.raiseIRQ == nil {
		return
	}

	if mouse {
		p.raiseIRQ(12)
	} else {
		p.raiseIRQ(1)
	}
}

// KeyPress queues a make code.
func (p *Ps2) KeyPress(scan uint8) {
	p.enqueue(scan, false)
}

// KeyRelease queues the break code.
func (p *Ps2) KeyRelease(scan uint8) {
	p.enqueue(scan|0x80, false)
}

// MouseMove queues a standard 3-byte packet.
func (p *Ps2) MouseMove(dx, dy int16, buttons uint8) {
	head := uint8(0x08) | buttons&7

	if dx < 0 {
		head |= 0x10
	}

	if dy < 0 {
		head |= 0x20
	}

	p.enqueue(head, true)
	p.enqueue(uint8(dx), true)
	p.enqueue(uint8(dy), true)
}

func (p *Ps2) PortIn(port uint16, _ int) uint32 {
	switch port {
	case 0x60:
		if len(p.queue) == 0 {
			return 0
		}

		b := p.queue[0]
		p.queue = p.queue[1:]

		return uint32(b.value)

	case 0x64:
		// Bit 0: output buffer full; bit 5: data is from the mouse.
		v := uint32(0x10)
		if len(p.queue) > 0 {
			v |= 0x01
			if p.queue[0].fromMouse {
				v |= 0x20
			}
		}

		return v
	}

	return 0
}

func (p *Ps2) PortOut(port uint16, _ int, v uint32) {
	b := uint8(v)

	switch port {
	case 0x64:
		switch b {
		case 0x20: // read config
			p.queue = append([]ps2Byte{{value: p.config}}, p.queue...)
		case 0x60, 0xD1, 0xD4: // write config / output port / mouse cmd
			p.pendingCmd = b
		case 0xAA: // self test
			p.queue = append([]ps2Byte{{value: 0x55}}, p.queue...)
		case 0xA8, 0xA7, 0xAE, 0xAD: // enable/disable ports
		}

	case 0x60:
		switch p.pendingCmd {
		case 0x60:
			p.config = b
		case 0xD4:
			// Command to the mouse: ack everything.
			p.enqueue(0xFA, true)
		default:
			// Command to the keyboard: ack.
			p.enqueue(0xFA, false)
		}

		p.pendingCmd = 0
	}
}
