package accounting

// HeapBitmap 聚合全堆的存活性记账：
// 所有连续空间的位图，加上非连续（大对象）空间的对象集合。
// 不被任何位图覆盖且不在任何集合中的地址不是合法堆对象。
type HeapBitmap struct {
	bitmaps []*SpaceBitmap
	sets    []*ObjectSet
}

// NewHeapBitmap 创建空的聚合位图
func NewHeapBitmap() *HeapBitmap {
	return &HeapBitmap{}
}

// AddBitmap 登记一个连续空间位图
func (h *HeapBitmap) AddBitmap(b *SpaceBitmap) {
	h.bitmaps = append(h.bitmaps, b)
}

// RemoveBitmap 移除一个连续空间位图
func (h *HeapBitmap) RemoveBitmap(b *SpaceBitmap) {
	for i, cur := range h.bitmaps {
		if cur == b {
			h.bitmaps = append(h.bitmaps[:i], h.bitmaps[i+1:]...)
			return
		}
	}
}

// ReplaceBitmap 原位替换（用于交换标记/存活位图对）
func (h *HeapBitmap) ReplaceBitmap(old, new *SpaceBitmap) {
	for i, cur := range h.bitmaps {
		if cur == old {
			h.bitmaps[i] = new
			return
		}
	}
}

// AddObjectSet 登记一个非连续空间的对象集合
func (h *HeapBitmap) AddObjectSet(s *ObjectSet) {
	h.sets = append(h.sets, s)
}

// RemoveObjectSet 移除对象集合
func (h *HeapBitmap) RemoveObjectSet(s *ObjectSet) {
	for i, cur := range h.sets {
		if cur == s {
			h.sets = append(h.sets[:i], h.sets[i+1:]...)
			return
		}
	}
}

// ReplaceObjectSet 原位替换对象集合
func (h *HeapBitmap) ReplaceObjectSet(old, new *ObjectSet) {
	for i, cur := range h.sets {
		if cur == old {
			h.sets[i] = new
			return
		}
	}
}

// BitmapFor 返回覆盖 addr 的连续空间位图，没有则返回 nil
func (h *HeapBitmap) BitmapFor(addr uintptr) *SpaceBitmap {
	for _, b := range h.bitmaps {
		if b.HasAddress(addr) {
			return b
		}
	}
	return nil
}

// Test 全堆测试：连续空间位图或非连续集合
func (h *HeapBitmap) Test(addr uintptr) bool {
	if b := h.BitmapFor(addr); b != nil {
		return b.Test(addr)
	}
	for _, s := range h.sets {
		if s.Test(addr) {
			return true
		}
	}
	return false
}

// Set 全堆置位，返回之前是否已置。
// 未被任何位图覆盖的地址归入第一个对象集合（堆只有一个大对象空间）。
func (h *HeapBitmap) Set(addr uintptr) bool {
	if b := h.BitmapFor(addr); b != nil {
		return b.Set(addr)
	}
	if len(h.sets) > 0 {
		return h.sets[0].Set(addr)
	}
	return false
}

// Clear 全堆清位
func (h *HeapBitmap) Clear(addr uintptr) {
	if b := h.BitmapFor(addr); b != nil {
		b.Clear(addr)
		return
	}
	for _, s := range h.sets {
		s.Clear(addr)
	}
}

// Walk 访问所有连续位图与集合中的对象
func (h *HeapBitmap) Walk(fn func(addr uintptr)) {
	for _, b := range h.bitmaps {
		b.Walk(fn)
	}
	for _, s := range h.sets {
		s.Walk(fn)
	}
}
