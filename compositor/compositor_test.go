package compositor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianmayclone/anyos-core/compositor"
)

const (
	screenW = 320
	screenH = 240
)

type recordingGPU struct {
	batches [][]compositor.Cmd
}

func (g *recordingGPU) Submit(cmds []compositor.Cmd) {
	batch := make([]compositor.Cmd, len(cmds))
	copy(batch, cmds)
	g.batches = append(g.batches, batch)
}

func (g *recordingGPU) ops() []uint32 {
	var out []uint32
	for _, b := range g.batches {
		for _, c := range b {
			out = append(out, c[0])
		}
	}

	return out
}

func newCompositor(pages uint32) (*compositor.Compositor, *recordingGPU, []uint32) {
	gpu := &recordingGPU{}
	fb := make([]uint32, screenW*screenH*pages)
	c := compositor.New(fb, screenW, screenH, screenW*4, gpu)

	return c, gpu, fb
}

func fillLayer(c *compositor.Compositor, id, color uint32) {
	l := c.Layer(id)
	for i := range l.Pixels {
		l.Pixels[i] = color
	}
	c.MarkDirty(id)
}

func pixel(buf []uint32, x, y int) uint32 {
	return buf[y*screenW+x]
}

func TestRectAlgebra(t *testing.T) {
	t.Parallel()

	a := compositor.NewRect(0, 0, 100, 100)
	b := compositor.NewRect(50, 50, 100, 100)

	got, ok := a.Intersect(b)
	require.True(t, ok)
	assert.Equal(t, compositor.NewRect(50, 50, 50, 50), got)

	assert.Equal(t, compositor.NewRect(0, 0, 150, 150), a.Union(b))

	_, ok = a.Intersect(compositor.NewRect(200, 200, 10, 10))
	assert.False(t, ok)

	assert.Equal(t, compositor.NewRect(10, 10, 80, 80), a.Shrink(10))
	assert.True(t, a.FullyContains(compositor.NewRect(10, 10, 20, 20)))
	assert.False(t, a.FullyContains(b))

	clipped := compositor.NewRect(-10, -10, 50, 50).ClipToScreen(100, 100)
	assert.Equal(t, compositor.NewRect(0, 0, 40, 40), clipped)
}

func TestSubtractProducesDisjointCover(t *testing.T) {
	t.Parallel()

	r := compositor.NewRect(0, 0, 100, 100)
	hole := compositor.NewRect(25, 25, 50, 50)

	parts := compositor.Subtract(r, hole)
	require.Len(t, parts, 4)

	// The parts plus the hole must tile r exactly: area check plus
	// pairwise disjointness.
	area := hole.Width * hole.Height
	for i, p := range parts {
		area += p.Width * p.Height

		for j, q := range parts {
			if i == j {
				continue
			}
			_, overlap := p.Intersect(q)
			assert.False(t, overlap, "parts %d and %d overlap", i, j)
		}
	}

	assert.Equal(t, r.Width*r.Height, area)

	// Disjoint rects: subtraction is the identity.
	parts = compositor.Subtract(r, compositor.NewRect(500, 500, 10, 10))
	require.Len(t, parts, 1)
	assert.Equal(t, r, parts[0])
}

func TestDamageScenario(t *testing.T) {
	t.Parallel()

	c, _, _ := newCompositor(1)

	l1 := c.AddLayer(0, 0, 100, 100, true)
	l2 := c.AddLayer(50, 50, 100, 100, true)
	fillLayer(c, l1, 0xFF00FF00) // green
	fillLayer(c, l2, 0xFFFF0000) // red

	c.AddDamage(compositor.NewRect(0, 0, 200, 200))
	require.True(t, c.Compose())

	c.AddDamage(compositor.NewRect(80, 80, 5, 5))
	require.True(t, c.Compose())
	assert.Equal(t, uint32(0xFFFF0000), pixel(c.BackBuffer(), 82, 82))

	c.RemoveLayer(l2)
	c.AddDamage(compositor.NewRect(0, 0, 200, 200))
	require.True(t, c.Compose())
	assert.Equal(t, uint32(0xFF00FF00), pixel(c.BackBuffer(), 82, 82))
}

func TestComposeReturnsFalseWithoutDamage(t *testing.T) {
	t.Parallel()

	c, _, _ := newCompositor(1)

	id := c.AddLayer(0, 0, 10, 10, true)
	fillLayer(c, id, 0xFFFFFFFF)

	assert.True(t, c.Compose())
	assert.False(t, c.Compose(), "second compose with no new damage must be a no-op")
}

func TestAddRemoveRestoresBackground(t *testing.T) {
	t.Parallel()

	c, _, _ := newCompositor(1)
	c.DamageAll()
	require.True(t, c.Compose())

	before := make([]uint32, len(c.BackBuffer()))
	copy(before, c.BackBuffer())

	id := c.AddLayer(30, 30, 40, 40, true)
	fillLayer(c, id, 0xFFAA5500)
	require.True(t, c.Compose())
	assert.NotEqual(t, before[35*screenW+35], pixel(c.BackBuffer(), 35, 35))

	c.RemoveLayer(id)
	require.True(t, c.Compose())

	assert.Equal(t, before, c.BackBuffer())
}

func TestAlphaBlendIdentityUnderOcclusion(t *testing.T) {
	t.Parallel()

	// A fully-opaque layer covering the damage rect must yield the same
	// pixels whether or not lower layers were composited.
	render := func(withLower bool) []uint32 {
		c, _, _ := newCompositor(1)

		if withLower {
			low := c.AddLayer(0, 0, 200, 200, true)
			fillLayer(c, low, 0xFF123456)
		}

		top := c.AddLayer(10, 10, 100, 100, true)
		fillLayer(c, top, 0xFFCAFE00)

		c.AddDamage(compositor.NewRect(20, 20, 30, 30))
		c.Compose()

		out := make([]uint32, 30*30)
		for y := 0; y < 30; y++ {
			for x := 0; x < 30; x++ {
				out[y*30+x] = pixel(c.BackBuffer(), 20+x, 20+y)
			}
		}

		return out
	}

	assert.Equal(t, render(false), render(true))
}

func TestAlphaBlendSemantics(t *testing.T) {
	t.Parallel()

	// 50% white over black.
	got := compositor.AlphaBlend(0x80FFFFFF, 0xFF000000)
	r := (got >> 16) & 0xFF
	assert.InDelta(t, 128, int(r), 2)

	// Fully transparent leaves dst; fully opaque replaces it.
	assert.Equal(t, uint32(0xFF112233), compositor.AlphaBlend(0x00FFFFFF, 0xFF112233))
	assert.Equal(t, uint32(0xFFABCDEF), compositor.AlphaBlend(0xFFABCDEF, 0xFF112233))
}

func TestTransparentLayerBlends(t *testing.T) {
	t.Parallel()

	c, _, _ := newCompositor(1)

	bg := c.AddLayer(0, 0, screenW, screenH, true)
	fillLayer(c, bg, 0xFF000000)

	overlay := c.AddLayer(0, 0, 50, 50, false)
	fillLayer(c, overlay, 0x80FFFFFF)

	c.DamageAll()
	require.True(t, c.Compose())

	got := pixel(c.BackBuffer(), 10, 10)
	assert.InDelta(t, 128, int((got>>16)&0xFF), 2)

	// Outside the overlay: pure background.
	assert.Equal(t, uint32(0xFF000000), pixel(c.BackBuffer(), 100, 100))
}

func TestShmLayerReflectsClientWrites(t *testing.T) {
	t.Parallel()

	c, _, _ := newCompositor(1)

	shm := make([]uint32, 64*64)
	for i := range shm {
		shm[i] = 0xFF0000FF
	}

	id := c.AddShmLayer(0, 0, 64, 64, true, 7, shm)
	c.MarkDirty(id)
	require.True(t, c.Compose())
	assert.Equal(t, uint32(0xFF0000FF), pixel(c.BackBuffer(), 5, 5))

	// The app scribbles into its mapping; the compositor picks it up on
	// the next damage without copies.
	shm[5*64+5] = 0xFF00FF00
	c.MarkDirty(id)
	require.True(t, c.Compose())
	assert.Equal(t, uint32(0xFF00FF00), pixel(c.BackBuffer(), 5, 5))
}

func TestMoveLayerEquivalentSequences(t *testing.T) {
	t.Parallel()

	run := func(viaTwoComposes bool) []uint32 {
		c, _, _ := newCompositor(1)

		bg := c.AddLayer(0, 0, screenW, screenH, true)
		fillLayer(c, bg, 0xFF202020)

		win := c.AddLayer(10, 10, 60, 60, true)
		fillLayer(c, win, 0xFFDDEEFF)

		c.DamageAll()
		c.Compose()

		c.MoveLayer(win, 100, 50)
		if viaTwoComposes {
			c.Compose()
			c.MoveLayer(win, 150, 90)
			c.Compose()
		} else {
			c.MoveLayer(win, 150, 90)
			c.Compose()
		}

		out := make([]uint32, len(c.BackBuffer()))
		copy(out, c.BackBuffer())

		return out
	}

	assert.Equal(t, run(true), run(false))
}

func TestFlushWritesFramebuffer(t *testing.T) {
	t.Parallel()

	c, _, fb := newCompositor(1)

	id := c.AddLayer(0, 0, 16, 16, true)
	fillLayer(c, id, 0xFF314159)
	require.True(t, c.Compose())

	assert.Equal(t, uint32(0xFF314159), fb[3*screenW+3])
}

func TestGPUUpdateQueuedPerDamageRect(t *testing.T) {
	t.Parallel()

	c, gpu, _ := newCompositor(1)

	id := c.AddLayer(0, 0, 16, 16, true)
	fillLayer(c, id, 0xFFFFFFFF)
	require.True(t, c.Compose())

	ops := gpu.ops()
	require.NotEmpty(t, ops)
	assert.Contains(t, ops, compositor.GPUUpdate)
}

func TestDoubleBufferReplaysPreviousDamage(t *testing.T) {
	t.Parallel()

	c, gpu, fb := newCompositor(2)
	c.EnableDoubleBuffer()

	bg := c.AddLayer(0, 0, screenW, screenH, true)
	fillLayer(c, bg, 0xFF101010)
	c.DamageAll()
	require.True(t, c.Compose())

	// Frame 1 flushed to page 1 (back page while page 0 shows).
	assert.Equal(t, uint32(0xFF101010), fb[screenH*screenW+0])

	win := c.AddLayer(20, 20, 10, 10, true)
	fillLayer(c, win, 0xFFEE0000)
	require.True(t, c.Compose())

	// Frame 2 went to page 0 and must include frame 1's replayed
	// damage plus the new window.
	assert.Equal(t, uint32(0xFF101010), fb[0])
	assert.Equal(t, uint32(0xFFEE0000), fb[22*screenW+22])

	assert.Contains(t, gpu.ops(), compositor.GPUFlip)
}

func TestRectCopyFastPath(t *testing.T) {
	t.Parallel()

	c, gpu, _ := newCompositor(1)
	c.EnableGPUAccel()

	bg := c.AddLayer(0, 0, screenW, screenH, true)
	fillLayer(c, bg, 0xFF333333)

	win := c.AddLayer(10, 10, 50, 50, true)
	fillLayer(c, win, 0xFFABCDEF)

	c.DamageAll()
	require.True(t, c.Compose())

	old := c.Layer(win).Bounds()
	c.MoveLayer(win, 40, 10)
	c.SetAccelMoveHint(compositor.AccelMoveHint{
		LayerID:   win,
		OldBounds: old,
		NewBounds: c.Layer(win).Bounds(),
	})

	require.True(t, c.Compose())

	assert.Contains(t, gpu.ops(), compositor.GPURectCopy)

	// The exposed strip must be background again in the back buffer.
	assert.Equal(t, uint32(0xFF333333), pixel(c.BackBuffer(), 12, 12))
	assert.Equal(t, uint32(0xFFABCDEF), pixel(c.BackBuffer(), 45, 12))
}

func TestShadowDrawsOutsideWindowOnly(t *testing.T) {
	t.Parallel()

	c, _, _ := newCompositor(1)

	bg := c.AddLayer(0, 0, screenW, screenH, true)
	fillLayer(c, bg, 0xFFFFFFFF)

	win := c.AddLayer(100, 100, 40, 40, true)
	fillLayer(c, win, 0xFF00AA00)
	c.Layer(win).HasShadow = true
	c.SetFocus(win)

	c.DamageAll()
	require.True(t, c.Compose())

	// Inside the window: untouched layer color.
	assert.Equal(t, uint32(0xFF00AA00), pixel(c.BackBuffer(), 110, 110))

	// Just below the bottom edge (shadow offset is downward): darker
	// than the white background.
	below := pixel(c.BackBuffer(), 120, 142)
	assert.Less(t, below&0xFF, uint32(0xFF))

	// Far away: pristine background.
	assert.Equal(t, uint32(0xFFFFFFFF), pixel(c.BackBuffer(), 30, 30))
}

func TestBlurBehindChangesBackdrop(t *testing.T) {
	t.Parallel()

	c, _, _ := newCompositor(1)

	// High-contrast checkerboard background.
	bg := c.AddLayer(0, 0, screenW, screenH, true)
	l := c.Layer(bg)
	for y := 0; y < screenH; y++ {
		for x := 0; x < screenW; x++ {
			if (x+y)%2 == 0 {
				l.Pixels[y*screenW+x] = 0xFFFFFFFF
			} else {
				l.Pixels[y*screenW+x] = 0xFF000000
			}
		}
	}
	c.MarkDirty(bg)

	panel := c.AddLayer(50, 50, 60, 60, false)
	fillLayer(c, panel, 0x20FFFFFF)
	c.Layer(panel).BlurBehind = true
	c.Layer(panel).BlurRadius = 4

	c.DamageAll()
	require.True(t, c.Compose())

	// Under the panel the checkerboard must have been averaged toward
	// gray; outside it stays binary.
	under := pixel(c.BackBuffer(), 80, 80) & 0xFF
	assert.Greater(t, under, uint32(0x20))
	assert.Less(t, under, uint32(0xE0))

	outside := pixel(c.BackBuffer(), 10, 10) & 0xFF
	assert.True(t, outside == 0 || outside == 0xFF)
}

func TestRaiseLayerChangesOrder(t *testing.T) {
	t.Parallel()

	c, _, _ := newCompositor(1)

	a := c.AddLayer(0, 0, 50, 50, true)
	b := c.AddLayer(0, 0, 50, 50, true)
	fillLayer(c, a, 0xFF0000AA)
	fillLayer(c, b, 0xFFAA0000)

	c.DamageAll()
	require.True(t, c.Compose())
	assert.Equal(t, uint32(0xFFAA0000), pixel(c.BackBuffer(), 5, 5))

	c.RaiseLayer(a)
	require.True(t, c.Compose())
	assert.Equal(t, uint32(0xFF0000AA), pixel(c.BackBuffer(), 5, 5))
}
