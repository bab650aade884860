package compositor

// Compose recomposites every damaged region into the back buffer and
// flushes it out. Returns true if anything was drawn.
func (c *Compositor) Compose() bool {
	c.collectDirtyDamage()

	hint := c.accelMoveHint
	c.accelMoveHint = nil

	if len(c.damage) == 0 {
		return false
	}

	c.mergeDamageIfNeeded()

	for i := range c.damage {
		c.damage[i] = c.damage[i].ClipToScreen(c.fbWidth, c.fbHeight)
	}

	kept := c.damage[:0]
	for _, r := range c.damage {
		if !r.IsEmpty() {
			kept = append(kept, r)
		}
	}
	c.damage = kept

	if len(c.damage) == 0 {
		return false
	}

	// Swap damage into compositingDamage so c.damage keeps its capacity
	// for next frame's pushes.
	c.damage, c.compositingDamage = c.compositingDamage[:0], c.damage

	// RECT_COPY drag fast path. Not in double-buffered mode (the blit
	// targets the visible page) and not in GMR mode.
	if hint != nil && c.gpuAccel && !c.hwDoubleBuffer && !c.gmrActive {
		if idx, ok := c.layerIndex(hint.LayerID); ok {
			l := c.layers[idx]
			if l.Opaque || (l.Width > 16 && l.Height > 16) {
				c.composeWithRectCopy(hint)

				return true
			}
		}
	}

	for _, r := range c.compositingDamage {
		c.compositeRect(r)
	}

	if c.resizeOutline != nil {
		c.drawOutline(*c.resizeOutline)
	}

	if c.hwDoubleBuffer {
		backOffset := uint32(0)
		if c.currentPage == 0 {
			backOffset = c.fbHeight
		}

		// Replay the previous frame's damage into the new back page
		// before flipping, then flush this frame's.
		for _, r := range c.prevDamage {
			c.flushRegion(r, backOffset)
		}
		for _, r := range c.compositingDamage {
			c.flushRegion(r, backOffset)
		}

		c.gpuCmds = append(c.gpuCmds, Cmd{GPUFlip})
		c.currentPage = 1 - c.currentPage

		c.prevDamage, c.compositingDamage = c.compositingDamage, c.prevDamage[:0]
	} else {
		for _, r := range c.compositingDamage {
			c.flushRegion(r, 0)
			c.gpuCmds = append(c.gpuCmds, Cmd{GPUUpdate, uint32(r.X), uint32(r.Y), r.Width, r.Height})
		}
		c.compositingDamage = c.compositingDamage[:0]
	}

	c.flushGPU()

	return true
}

// composeWithRectCopy handles a window drag with a GPU blit: copy
// old→new in VRAM, composite only the newly exposed strips, and repair
// the cases the blit cannot get right.
func (c *Compositor) composeWithRectCopy(hint *AccelMoveHint) {
	oldB := hint.OldBounds.ClipToScreen(c.fbWidth, c.fbHeight)
	newB := hint.NewBounds.ClipToScreen(c.fbWidth, c.fbHeight)

	if oldB.IsEmpty() || newB.IsEmpty() {
		c.compositingDamage = c.compositingDamage[:0]

		return
	}

	exposed := Subtract(oldB, newB)

	for _, r := range exposed {
		if !r.IsEmpty() {
			c.compositeRect(r)
		}
	}
	c.compositeRect(newB)

	if c.resizeOutline != nil {
		c.drawOutline(*c.resizeOutline)
	}

	c.gpuCmds = append(c.gpuCmds, Cmd{
		GPURectCopy,
		uint32(oldB.X), uint32(oldB.Y),
		uint32(newB.X), uint32(newB.Y),
		newB.Width, newB.Height,
	})
	c.gpuCmds = append(c.gpuCmds, Cmd{GPUSync})
	c.flushGPU()

	for _, r := range exposed {
		if !r.IsEmpty() {
			c.flushRegion(r, 0)
			c.gpuCmds = append(c.gpuCmds, Cmd{GPUUpdate, uint32(r.X), uint32(r.Y), r.Width, r.Height})
		}
	}

	// If any layer above the moved window overlapped the OLD position,
	// the blit dragged its blended pixels to the new position. The
	// conservative repair is a full flush of newB from the back buffer;
	// resizes always need it.
	needFullFlush := oldB.Width != newB.Width || oldB.Height != newB.Height

	if idx, ok := c.layerIndex(hint.LayerID); ok {
		if !needFullFlush {
			for li := idx + 1; li < len(c.layers); li++ {
				if !c.layers[li].Visible {
					continue
				}

				above := c.layers[li].DamageBounds()
				if _, hit := oldB.Intersect(above); hit {
					needFullFlush = true

					break
				}
				if _, hit := newB.Intersect(above); hit {
					needFullFlush = true

					break
				}
			}
		}

		if !needFullFlush && !c.layers[idx].Opaque {
			// Rounded corners: the blit copied stale corner pixels;
			// re-flush the top and bottom strips.
			top := NewRect(newB.X, newB.Y, newB.Width, uint32(cornerRadius))
			c.flushRegion(top, 0)
			c.gpuCmds = append(c.gpuCmds, Cmd{GPUUpdate, uint32(top.X), uint32(top.Y), top.Width, top.Height})

			bot := NewRect(newB.X, newB.Bottom()-cornerRadius, newB.Width, uint32(cornerRadius))
			c.flushRegion(bot, 0)
			c.gpuCmds = append(c.gpuCmds, Cmd{GPUUpdate, uint32(bot.X), uint32(bot.Y), bot.Width, bot.Height})
		}
	}

	if needFullFlush {
		c.flushRegion(newB, 0)
	}

	c.gpuCmds = append(c.gpuCmds, Cmd{GPUUpdate, uint32(newB.X), uint32(newB.Y), newB.Width, newB.Height})

	c.compositingDamage = c.compositingDamage[:0]
	c.flushGPU()
}

// compositeRect renders all layers intersecting rect into the back
// buffer, bottom-up from the topmost fully-opaque cover.
func (c *Compositor) compositeRect(rect Rect) {
	bbStride := int(c.fbWidth)

	// Occlusion culling: topmost layer whose opaque interior fully
	// contains the rect becomes the base; everything below is skipped.
	baseLayer := 0
	skipBgClear := false

	for li := len(c.layers) - 1; li >= 0; li-- {
		l := c.layers[li]
		if !l.Visible {
			continue
		}

		bounds := l.Bounds()
		if l.Opaque {
			if bounds.FullyContains(rect) {
				baseLayer = li
				skipBgClear = true

				break
			}
		} else {
			inner := bounds.Shrink(cornerRadius)
			if !inner.IsEmpty() && inner.FullyContains(rect) {
				baseLayer = li
				skipBgClear = true

				break
			}
		}
	}

	if !skipBgClear {
		rx, ry := int(rect.X), int(rect.Y)
		rw, rh := int(rect.Width), int(rect.Height)

		for row := 0; row < rh; row++ {
			y := ry + row
			if y >= int(c.fbHeight) {
				break
			}

			off := y*bbStride + rx
			end := off + rw
			if end > len(c.backBuffer) {
				end = len(c.backBuffer)
			}

			fill(c.backBuffer[off:end], BackgroundColor)
		}
	}

	pitchStride := int(c.fbPitch / 4)

	for li := baseLayer; li < len(c.layers); li++ {
		l := c.layers[li]
		if !l.Visible {
			continue
		}

		if _, hit := rect.Intersect(l.DamageBounds()); !hit {
			continue
		}

		if l.HasShadow {
			c.drawShadow(rect, li)
		}

		if l.BlurBehind && l.BlurRadius > 0 {
			if area, ok := rect.Intersect(l.Bounds()); ok {
				blurBackBufferRegion(
					c.backBuffer, c.fbWidth, c.fbHeight,
					area.X, area.Y, area.Width, area.Height,
					l.BlurRadius, 2, &c.blurTemp,
				)
			}
		}

		overlap, ok := rect.Intersect(l.Bounds())
		if !ok {
			continue
		}

		var (
			pixels []uint32
			lw     int
		)

		if l.IsVRAM {
			pixels = c.fb[int(l.VRAMYOf)*pitchStride:]
			lw = pitchStride
		} else {
			pixels = l.PixelSlice()
			lw = int(l.Width)
		}

		sx := int(overlap.X - l.X)
		sy := int(overlap.Y - l.Y)

		if l.Opaque {
			c.blitOpaque(pixels, lw, sx, sy, overlap, bbStride)
		} else {
			c.blendRuns(pixels, lw, sx, sy, overlap, bbStride)
		}
	}
}

// blitOpaque row-copies an opaque layer region into the back buffer.
func (c *Compositor) blitOpaque(pixels []uint32, lw, sx, sy int, overlap Rect, bbStride int) {
	w := int(overlap.Width)

	for row := 0; row < int(overlap.Height); row++ {
		srcOff := (sy+row)*lw + sx
		dstOff := (int(overlap.Y)+row)*bbStride + int(overlap.X)

		n := w
		if srcOff+n > len(pixels) {
			n = len(pixels) - srcOff
		}
		if dstOff+n > len(c.backBuffer) {
			n = len(c.backBuffer) - dstOff
		}
		if n <= 0 {
			continue
		}

		copy(c.backBuffer[dstOff:dstOff+n], pixels[srcOff:srcOff+n])
	}
}

// blendRuns alpha-blends a layer region with run scanning: contiguous
// opaque runs bulk-copy, transparent runs are skipped, and only
// partial-alpha pixels pay for AlphaBlend.
func (c *Compositor) blendRuns(pixels []uint32, lw, sx, sy int, overlap Rect, bbStride int) {
	rowWidth := int(overlap.Width)

	for row := 0; row < int(overlap.Height); row++ {
		srcOff := (sy+row)*lw + sx
		dstOff := (int(overlap.Y)+row)*bbStride + int(overlap.X)

		col := 0
		for col < rowWidth {
			si := srcOff + col
			if si >= len(pixels) {
				break
			}

			src := pixels[si]
			a := src >> 24

			switch {
			case a >= 255:
				runStart := col
				col++
				for col < rowWidth {
					si2 := srcOff + col
					if si2 >= len(pixels) || pixels[si2]>>24 < 255 {
						break
					}
					col++
				}

				runLen := col - runStart
				ss := srcOff + runStart
				ds := dstOff + runStart

				if ss+runLen > len(pixels) {
					runLen = len(pixels) - ss
				}
				if ds+runLen > len(c.backBuffer) {
					runLen = len(c.backBuffer) - ds
				}
				if runLen > 0 {
					copy(c.backBuffer[ds:ds+runLen], pixels[ss:ss+runLen])
				}

			case a > 0:
				di := dstOff + col
				if di < len(c.backBuffer) {
					c.backBuffer[di] = AlphaBlend(src, c.backBuffer[di])
				}
				col++

			default:
				col++
				for col < rowWidth {
					si2 := srcOff + col
					if si2 >= len(pixels) || pixels[si2]>>24 != 0 {
						break
					}
					col++
				}
			}
		}
	}
}

// drawShadow paints a layer's pre-baked shadow alphas into the damage
// rect, skipping the window interior.
func (c *Compositor) drawShadow(rect Rect, layerIdx int) {
	l := c.layers[layerIdx]

	if l.shadow == nil || l.shadow.layerW != l.Width || l.shadow.layerH != l.Height {
		l.shadow = computeShadowCache(l.Width, l.Height)
	}

	alphas := l.shadow.unfocusedAlphas
	if c.focusedLayerID == l.ID {
		alphas = l.shadow.focusedAlphas
	}

	shadowOX := l.X + ShadowOffsetX - ShadowSpread
	shadowOY := l.Y + ShadowOffsetY - ShadowSpread

	shadowRect := Rect{
		X: shadowOX, Y: shadowOY,
		Width:  l.Width + uint32(ShadowSpread*2),
		Height: l.Height + uint32(ShadowSpread*2),
	}

	overlap, ok := rect.Intersect(shadowRect)
	if !ok {
		return
	}

	bbStride := int(c.fbWidth)
	cacheW := int(l.shadow.cacheW)

	// Interior skip uses the actual window rect, not the shadow's
	// offset position: the strip below the window is shadow territory.
	winX0, winX1 := l.X, l.X+int32(l.Width)
	winY0, winY1 := l.Y, l.Y+int32(l.Height)

	for row := 0; row < int(overlap.Height); row++ {
		py := overlap.Y + int32(row)
		cy := int(py - shadowOY)
		cacheRow := cy * cacheW
		bbRow := int(py) * bbStride

		x0 := overlap.X
		x1 := overlap.X + int32(overlap.Width)

		if py >= winY0 && py < winY1 {
			if left := min32(winX0, x1); x0 < left {
				c.shadowSpan(alphas, cacheRow, bbRow, shadowOX, x0, left)
			}
			if right := max32(winX1, x0); right < x1 {
				c.shadowSpan(alphas, cacheRow, bbRow, shadowOX, right, x1)
			}
		} else {
			c.shadowSpan(alphas, cacheRow, bbRow, shadowOX, x0, x1)
		}
	}
}

// shadowSpan blends one horizontal run of cached shadow alphas.
func (c *Compositor) shadowSpan(alphas []uint8, cacheRow, bbRow int, shadowOX, x0, x1 int32) {
	for px := x0; px < x1; px++ {
		idx := cacheRow + int(px-shadowOX)
		if idx < 0 || idx >= len(alphas) {
			break
		}

		a := uint32(alphas[idx])
		if a == 0 {
			continue
		}

		di := bbRow + int(px)
		if di >= 0 && di < len(c.backBuffer) {
			c.backBuffer[di] = shadowBlend(a, c.backBuffer[di])
		}
	}
}

// drawOutline draws the 2px resize rubber band on the back buffer.
func (c *Compositor) drawOutline(outline Rect) {
	const (
		color     = uint32(0xFF4A9EFF)
		thickness = int32(2)
	)

	bbStride := int(c.fbWidth)

	hline := func(y int32) {
		if y < 0 || y >= int32(c.fbHeight) {
			return
		}

		x0 := max32(outline.X, 0)
		x1 := min32(outline.Right(), int32(c.fbWidth))
		for x := x0; x < x1; x++ {
			c.backBuffer[int(y)*bbStride+int(x)] = color
		}
	}

	vline := func(x int32) {
		if x < 0 || x >= int32(c.fbWidth) {
			return
		}

		y0 := max32(outline.Y, 0)
		y1 := min32(outline.Bottom(), int32(c.fbHeight))
		for y := y0; y < y1; y++ {
			c.backBuffer[int(y)*bbStride+int(x)] = color
		}
	}

	for t := int32(0); t < thickness; t++ {
		hline(outline.Y + t)
		hline(outline.Bottom() - 1 - t)
		vline(outline.X + t)
		vline(outline.Right() - 1 - t)
	}
}

// flushRegion copies a back-buffer region to the framebuffer, pitch-aware,
// at a page y-offset.
func (c *Compositor) flushRegion(rect Rect, yOffset uint32) {
	bbStride := int(c.fbWidth)
	fbStride := int(c.fbPitch / 4)

	x := int(max32(rect.X, 0))
	y := int(max32(rect.Y, 0))

	w := int(rect.Width)
	if x+w > int(c.fbWidth) {
		w = int(c.fbWidth) - x
	}

	h := int(rect.Height)
	if y+h > int(c.fbHeight) {
		h = int(c.fbHeight) - y
	}

	for row := 0; row < h; row++ {
		srcOff := (y+row)*bbStride + x
		dstOff := (y+row+int(yOffset))*fbStride + x

		if dstOff+w > len(c.fb) {
			break
		}

		copy(c.fb[dstOff:dstOff+w], c.backBuffer[srcOff:srcOff+w])
	}
}

// fill sets every word of dst to v; the compiler vectorizes this loop.
func fill(dst []uint32, v uint32) {
	for i := range dst {
		dst[i] = v
	}
}
