package compositor

import "unsafe"

// GPU command ring opcodes. Each record is 9 words: op + 8 operands,
// submitted as one batch per flush.
const (
	GPUUpdate       uint32 = 1
	GPURectFill     uint32 = 2
	GPURectCopy     uint32 = 3
	GPUCursorMove   uint32 = 4
	GPUCursorShow   uint32 = 5
	GPUDefineCursor uint32 = 6
	GPUFlip         uint32 = 7
	GPUSync         uint32 = 8
)

// Cmd is one GPU command record.
type Cmd [9]uint32

// Submitter delivers a command batch to the display engine in a single
// IPC call.
type Submitter interface {
	Submit(cmds []Cmd)
}

// flushGPU submits the pending batch and clears the ring.
func (c *Compositor) flushGPU() {
	if len(c.gpuCmds) == 0 {
		return
	}

	if c.gpu != nil {
		c.gpu.Submit(c.gpuCmds)
	}

	c.gpuCmds = c.gpuCmds[:0]
}

// EnableDoubleBuffer switches to two alternating framebuffer pages
// committed by FLIP commands.
func (c *Compositor) EnableDoubleBuffer() {
	c.hwDoubleBuffer = true
	c.currentPage = 0
}

// EnableGPUAccel turns on the RECT_COPY drag fast path.
func (c *Compositor) EnableGPUAccel() {
	c.gpuAccel = true
}

// SetGMRActive records that the back buffer is registered as a GPU
// surface. RECT_COPY stays off while it is: the blit source would be the
// surface being composited into.
func (c *Compositor) SetGMRActive(active bool) {
	c.gmrActive = active
}

// EnableHWCursor switches the cursor to the hardware plane.
func (c *Compositor) EnableHWCursor() {
	c.hwCursor = true
	c.gpuCmds = append(c.gpuCmds, Cmd{GPUCursorShow, 1})
}

func (c *Compositor) HasHWCursor() bool {
	return c.hwCursor
}

// MoveHWCursor queues a cursor move; a no-op without a hardware cursor.
func (c *Compositor) MoveHWCursor(x, y int32) {
	if c.hwCursor {
		c.gpuCmds = append(c.gpuCmds, Cmd{GPUCursorMove, uint32(x), uint32(y)})
	}
}

// DefineHWCursor uploads an ARGB cursor image. The pixel data must stay
// valid until the next flush completes.
func (c *Compositor) DefineHWCursor(w, h, hotX, hotY uint32, pixels []uint32) {
	ptr := cursorPointer(pixels)

	c.gpuCmds = append(c.gpuCmds, Cmd{
		GPUDefineCursor, w, h, hotX, hotY,
		uint32(ptr), uint32(ptr >> 32), uint32(len(pixels)),
	})
}

// QueueGPUUpdate schedules a display-engine update of a region.
func (c *Compositor) QueueGPUUpdate(x, y, w, h uint32) {
	c.gpuCmds = append(c.gpuCmds, Cmd{GPUUpdate, x, y, w, h})
}

// SetAccelMoveHint annotates the next Compose with a window move.
func (c *Compositor) SetAccelMoveHint(h AccelMoveHint) {
	c.accelMoveHint = &h
}

// cursorPointer splits the cursor image address across two command words,
// matching the wire protocol the display engine expects.
func cursorPointer(pixels []uint32) uint64 {
	if len(pixels) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(&pixels[0])))
}
