package compositor

// BackgroundColor fills damage not covered by any opaque layer.
const BackgroundColor uint32 = 0xFF1E1E1E

// mergeDamageThreshold caps the damage list; beyond it everything folds
// into the bounding union.
const mergeDamageThreshold = 128

// Compositor owns the z-ordered layer list, the damage list, and the back
// buffer. It runs in its own process; layers are single-owner and the GPU
// ring is append-only between composes.
type Compositor struct {
	// fb is the framebuffer: fbHeight rows per page, two pages in
	// double-buffered mode. Rows are fbPitch/4 words apart.
	fb       []uint32
	fbWidth  uint32
	fbHeight uint32
	fbPitch  uint32

	backBuffer []uint32

	layers      []*Layer
	nextLayerID uint32

	focusedLayerID uint32

	damage            []Rect
	compositingDamage []Rect
	prevDamage        []Rect

	hwDoubleBuffer bool
	currentPage    uint32

	gpuAccel bool
	// gmrActive disables RECT_COPY: in GMR mode the back buffer itself
	// is registered as the GPU surface, and a blit would clobber
	// freshly composited content.
	gmrActive bool

	hwCursor bool

	gpuCmds []Cmd
	gpu     Submitter

	accelMoveHint *AccelMoveHint
	resizeOutline *Rect

	blurTemp []uint32
}

// New creates a compositor over a framebuffer of width x height pixels
// with the given pitch in bytes. fb must hold at least pitch/4*height
// words (twice that for double buffering).
func New(fb []uint32, width, height, pitch uint32, gpu Submitter) *Compositor {
	return &Compositor{
		fb:          fb,
		fbWidth:     width,
		fbHeight:    height,
		fbPitch:     pitch,
		backBuffer:  make([]uint32, width*height),
		layers:      make([]*Layer, 0, 32),
		nextLayerID: 1,
		damage:      make([]Rect, 0, 32),
		prevDamage:  make([]Rect, 0, 32),
		gpuCmds:     make([]Cmd, 0, 32),
		gpu:         gpu,
	}
}

func (c *Compositor) Width() uint32  { return c.fbWidth }
func (c *Compositor) Height() uint32 { return c.fbHeight }

// BackBuffer exposes the composited pixels for tests and screen capture.
func (c *Compositor) BackBuffer() []uint32 { return c.backBuffer }

// ── layer management ──

// AddLayer creates an owned-pixel layer at the top of the z-order.
func (c *Compositor) AddLayer(x, y int32, w, h uint32, opaque bool) uint32 {
	id := c.nextLayerID
	c.nextLayerID++

	c.layers = append(c.layers, &Layer{
		ID: id, X: x, Y: y, Width: w, Height: h,
		Pixels: make([]uint32, w*h),
		Opaque: opaque, Visible: true, Dirty: true,
	})

	return id
}

// AddShmLayer creates a layer whose pixels live in a shared-memory region
// also mapped by the owning app. The region must stay mapped until the
// layer is removed.
func (c *Compositor) AddShmLayer(x, y int32, w, h uint32, opaque bool, shmID uint32, shm []uint32) uint32 {
	id := c.nextLayerID
	c.nextLayerID++

	c.layers = append(c.layers, &Layer{
		ID: id, X: x, Y: y, Width: w, Height: h,
		Shm: shm, ShmID: shmID,
		Opaque: opaque, Visible: true, Dirty: true,
	})

	return id
}

// AddVRAMLayer creates a layer that reads directly from the framebuffer
// at a y-offset. It must not overlap the back buffer's page range.
func (c *Compositor) AddVRAMLayer(x, y int32, w, h uint32, vramY uint32) uint32 {
	id := c.nextLayerID
	c.nextLayerID++

	c.layers = append(c.layers, &Layer{
		ID: id, X: x, Y: y, Width: w, Height: h,
		IsVRAM: true, VRAMYOf: vramY,
		Opaque: true, Visible: true, Dirty: true,
	})

	return id
}

// RemoveLayer drops a layer and damages its last footprint.
func (c *Compositor) RemoveLayer(id uint32) {
	idx, ok := c.layerIndex(id)
	if !ok {
		return
	}

	c.damage = append(c.damage, c.layers[idx].DamageBounds())
	c.layers = append(c.layers[:idx], c.layers[idx+1:]...)

	if c.focusedLayerID == id {
		c.focusedLayerID = 0
	}
}

func (c *Compositor) layerIndex(id uint32) (int, bool) {
	for i, l := range c.layers {
		if l.ID == id {
			return i, true
		}
	}

	return 0, false
}

// Layer returns a layer by id for direct pixel access.
func (c *Compositor) Layer(id uint32) *Layer {
	if idx, ok := c.layerIndex(id); ok {
		return c.layers[idx]
	}

	return nil
}

// MoveLayer repositions a layer, damaging both footprints.
func (c *Compositor) MoveLayer(id uint32, newX, newY int32) {
	idx, ok := c.layerIndex(id)
	if !ok {
		return
	}

	l := c.layers[idx]
	c.damage = append(c.damage, l.DamageBounds())
	l.X, l.Y = newX, newY
	c.damage = append(c.damage, l.DamageBounds())
}

// RaiseLayer moves a layer to the top of the z-order.
func (c *Compositor) RaiseLayer(id uint32) {
	idx, ok := c.layerIndex(id)
	if !ok || idx == len(c.layers)-1 {
		return
	}

	l := c.layers[idx]
	c.layers = append(c.layers[:idx], c.layers[idx+1:]...)
	c.layers = append(c.layers, l)
	c.damage = append(c.damage, l.DamageBounds())
}

// SetVisible toggles a layer, damaging its bounds on change.
func (c *Compositor) SetVisible(id uint32, visible bool) {
	idx, ok := c.layerIndex(id)
	if !ok {
		return
	}

	if l := c.layers[idx]; l.Visible != visible {
		l.Visible = visible
		c.damage = append(c.damage, l.DamageBounds())
	}
}

// MarkDirty schedules a layer for recomposition next frame.
func (c *Compositor) MarkDirty(id uint32) {
	if idx, ok := c.layerIndex(id); ok {
		c.layers[idx].Dirty = true
	}
}

// SetFocus changes the focus layer (shadows render stronger on it).
// Exactly one layer holds focus.
func (c *Compositor) SetFocus(id uint32) {
	if _, ok := c.layerIndex(id); !ok {
		return
	}

	if c.focusedLayerID == id {
		return
	}

	for _, prev := range []uint32{c.focusedLayerID, id} {
		if idx, ok := c.layerIndex(prev); ok {
			c.damage = append(c.damage, c.layers[idx].DamageBounds())
		}
	}

	c.focusedLayerID = id
}

// ResizeLayer reallocates an owned layer's pixels and invalidates the
// shadow cache (it depends on the dimensions).
func (c *Compositor) ResizeLayer(id uint32, newW, newH uint32) {
	idx, ok := c.layerIndex(id)
	if !ok {
		return
	}

	l := c.layers[idx]
	c.damage = append(c.damage, l.DamageBounds())

	l.Width, l.Height = newW, newH
	if l.Shm == nil && !l.IsVRAM {
		l.Pixels = make([]uint32, newW*newH)
	}
	l.shadow = nil
	l.Dirty = true
}

// SetResizeOutline draws a rubber-band rect as an overlay; nil clears it.
func (c *Compositor) SetResizeOutline(r *Rect) {
	if r != nil {
		c.damage = append(c.damage, *r)
	} else if c.resizeOutline != nil {
		c.damage = append(c.damage, *c.resizeOutline)
	}

	c.resizeOutline = r
}

// ── damage tracking ──

// AddDamage schedules a screen region for recomposition.
func (c *Compositor) AddDamage(r Rect) {
	clipped := r.ClipToScreen(c.fbWidth, c.fbHeight)
	if !clipped.IsEmpty() {
		c.damage = append(c.damage, clipped)
	}
}

// DamageAll forces a full-screen recomposition.
func (c *Compositor) DamageAll() {
	c.damage = append(c.damage, Rect{Width: c.fbWidth, Height: c.fbHeight})
}

func (c *Compositor) collectDirtyDamage() {
	for _, l := range c.layers {
		if l.Dirty {
			c.damage = append(c.damage, l.DamageBounds())
			l.Dirty = false
		}
	}
}

func (c *Compositor) mergeDamageIfNeeded() {
	if len(c.damage) <= mergeDamageThreshold {
		return
	}

	merged := c.damage[0]
	for _, r := range c.damage[1:] {
		merged = merged.Union(r)
	}

	c.damage = c.damage[:0]

	clipped := merged.ClipToScreen(c.fbWidth, c.fbHeight)
	if !clipped.IsEmpty() {
		c.damage = append(c.damage, clipped)
	}
}
