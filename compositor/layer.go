package compositor

// Shadow geometry: offset down, quadratic falloff over the spread.
const (
	ShadowOffsetX int32 = 0
	ShadowOffsetY int32 = 4
	ShadowSpread  int32 = 8
)

// cornerRadius is the rounded-corner radius assumed for non-opaque window
// layers; the interior shrunk by it is treated as fully opaque for
// occlusion culling.
const cornerRadius int32 = 8

// Layer is one rectangle on screen. Its pixel source is exactly one of:
// an owned buffer, a shared-memory slice written by the client app, or a
// direct view into VRAM at a y-offset.
type Layer struct {
	ID            uint32
	X, Y          int32
	Width, Height uint32

	// Owned ARGB pixels (background, menubar, ...). Unused for SHM and
	// VRAM layers.
	Pixels []uint32

	// SHM-backed pixels. The owning app mutates these concurrently with
	// compositing; reads are race-tolerant per pixel.
	Shm   []uint32
	ShmID uint32

	// VRAM view: the layer reads directly from the framebuffer at row
	// VRAMYOf.
	IsVRAM  bool
	VRAMYOf uint32

	Opaque     bool
	Visible    bool
	HasShadow  bool
	BlurBehind bool
	BlurRadius uint32
	Dirty      bool

	shadow *shadowCache
}

// PixelSlice returns the pixels to composite from. SHM wins over owned.
func (l *Layer) PixelSlice() []uint32 {
	if l.Shm != nil {
		count := int(l.Width * l.Height)
		if count > len(l.Shm) {
			count = len(l.Shm)
		}

		return l.Shm[:count]
	}

	return l.Pixels
}

func (l *Layer) Bounds() Rect {
	return Rect{X: l.X, Y: l.Y, Width: l.Width, Height: l.Height}
}

// ShadowBounds grows the bounds by the shadow spread and offset.
func (l *Layer) ShadowBounds() Rect {
	return Rect{
		X:      l.X + ShadowOffsetX - ShadowSpread,
		Y:      l.Y - ShadowSpread + ShadowOffsetY,
		Width:  l.Width + uint32(ShadowSpread*2),
		Height: l.Height + uint32(ShadowSpread*2),
	}
}

// DamageBounds is the region to redraw when this layer changes.
func (l *Layer) DamageBounds() Rect {
	if l.HasShadow {
		return l.Bounds().Union(l.ShadowBounds())
	}

	return l.Bounds()
}

// AccelMoveHint tells Compose a layer moved from OldBounds to NewBounds,
// enabling the GPU RECT_COPY drag fast path.
type AccelMoveHint struct {
	LayerID   uint32
	OldBounds Rect
	NewBounds Rect
}
