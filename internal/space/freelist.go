package space

import (
	"sort"
	"sync"

	"github.com/tangzhangming/aster/internal/mem"
	"github.com/tangzhangming/aster/internal/object"
)

// freeChunk 空闲块，offset 相对空间 Begin
type freeChunk struct {
	off  uintptr
	size uintptr
}

// FreeListSpace 空闲链表分配空间（malloc 风格）。
//
// 按最佳适配在有序空闲链表上分配，释放时与邻块合并。
// 足迹上限独立于映射容量，增长不允许超过容量。
// zygote 分裂时已用前缀退役为 zygote 空间，余下部分成为新的分配空间。
type FreeListSpace struct {
	continuousSpace

	mu        sync.Mutex
	free      []freeChunk         // 按 off 升序
	sizes     map[uintptr]uintptr // 对象地址 -> 分配大小
	footprint uintptr             // 足迹上限
	allocated uintptr             // 已分配字节
	objects   int64               // 已分配对象数
	highWater uintptr             // 历史最高使用末端（相对 Begin）
	canAlloc  bool                // zygote 空间禁止分配
}

// NewFreeListSpace 创建空闲链表空间
func NewFreeListSpace(name string, begin, initialFootprint, capacity uintptr) (*FreeListSpace, error) {
	m, err := mem.MapAnonymous(name, capacity)
	if err != nil {
		return nil, err
	}
	s := newFreeListSpaceFrom(name, begin, m.Data(), m)
	s.footprint = initialFootprint
	if s.footprint > capacity {
		s.footprint = capacity
	}
	return s, nil
}

func newFreeListSpaceFrom(name string, begin uintptr, data []byte, mapping *mem.Mapping) *FreeListSpace {
	s := &FreeListSpace{
		continuousSpace: newContinuousSpace(name, RetentionAlwaysCollect, begin, data, mapping),
		sizes:           make(map[uintptr]uintptr),
		canAlloc:        true,
	}
	s.free = []freeChunk{{off: 0, size: s.capacity}}
	s.footprint = s.capacity
	return s
}

// End 当前使用末端
func (s *FreeListSpace) End() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begin + s.highWater
}

// FootprintLimit 当前足迹上限
func (s *FreeListSpace) FootprintLimit() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.footprint
}

// SetFootprintLimit 调整足迹上限，收紧不低于已分配量，放宽不超过容量
func (s *FreeListSpace) SetFootprintLimit(limit uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > s.capacity {
		limit = s.capacity
	}
	if limit < s.allocated {
		limit = s.allocated
	}
	s.footprint = limit
}

// Alloc 最佳适配分配。超过足迹上限返回 ok=false，由堆决定 GC 或增长。
func (s *FreeListSpace) Alloc(size uintptr) (uintptr, uintptr, bool) {
	aligned := object.AlignUp(size)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.canAlloc || s.allocated+aligned > s.footprint {
		return 0, 0, false
	}
	// 最佳适配：最小的能装下的块
	best := -1
	for i, c := range s.free {
		if c.size >= aligned && (best < 0 || c.size < s.free[best].size) {
			best = i
		}
	}
	if best < 0 {
		return 0, 0, false
	}
	c := s.free[best]
	if c.size == aligned {
		s.free = append(s.free[:best], s.free[best+1:]...)
	} else {
		s.free[best] = freeChunk{off: c.off + aligned, size: c.size - aligned}
	}
	addr := s.begin + c.off
	s.sizes[addr] = aligned
	s.allocated += aligned
	s.objects++
	if end := c.off + aligned; end > s.highWater {
		s.highWater = end
	}
	return addr, aligned, true
}

// Free 释放单个对象并与邻块合并，返回回收字节数
func (s *FreeListSpace) Free(addr uintptr) uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, ok := s.sizes[addr]
	if !ok {
		return 0
	}
	delete(s.sizes, addr)
	s.allocated -= size
	s.objects--
	s.insertFree(freeChunk{off: addr - s.begin, size: size})
	clear(s.bytes[addr-s.begin : addr-s.begin+size])
	return size
}

// insertFree 有序插入并与前后邻块合并。调用方持有 s.mu。
func (s *FreeListSpace) insertFree(c freeChunk) {
	i := sort.Search(len(s.free), func(i int) bool { return s.free[i].off > c.off })
	s.free = append(s.free, freeChunk{})
	copy(s.free[i+1:], s.free[i:])
	s.free[i] = c
	// 与后块合并
	if i+1 < len(s.free) && s.free[i].off+s.free[i].size == s.free[i+1].off {
		s.free[i].size += s.free[i+1].size
		s.free = append(s.free[:i+1], s.free[i+2:]...)
	}
	// 与前块合并
	if i > 0 && s.free[i-1].off+s.free[i-1].size == s.free[i].off {
		s.free[i-1].size += s.free[i].size
		s.free = append(s.free[:i], s.free[i+1:]...)
	}
}

// AllocAt 从空闲链表里挖出指定区间 [addr, addr+size)，压实安置用。
// 区间必须完整落在某个空闲块内，否则返回 false
func (s *FreeListSpace) AllocAt(addr, size uintptr) bool {
	aligned := object.AlignUp(size)
	off := addr - s.begin
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.free), func(i int) bool { return s.free[i].off+s.free[i].size > off })
	if i == len(s.free) || s.free[i].off > off || off+aligned > s.free[i].off+s.free[i].size {
		return false
	}
	c := s.free[i]
	s.free = append(s.free[:i], s.free[i+1:]...)
	if tail := c.off + c.size - (off + aligned); tail > 0 {
		s.insertFree(freeChunk{off: off + aligned, size: tail})
	}
	if head := off - c.off; head > 0 {
		s.insertFree(freeChunk{off: c.off, size: head})
	}
	s.sizes[addr] = aligned
	s.allocated += aligned
	s.objects++
	if off+aligned > s.highWater {
		s.highWater = off + aligned
	}
	return true
}

// AllocationSize 查询某对象的分配大小
func (s *FreeListSpace) AllocationSize(addr uintptr) uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizes[addr]
}

// BytesAllocated 账面已分配字节
func (s *FreeListSpace) BytesAllocated() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocated
}

// ObjectsAllocated 账面对象数
func (s *FreeListSpace) ObjectsAllocated() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects
}

// LargestContiguousRun 最大连续空闲块，用于 OOM 诊断
func (s *FreeListSpace) LargestContiguousRun() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var largest uintptr
	for _, c := range s.free {
		if c.size > largest {
			largest = c.size
		}
	}
	return largest
}

// Trim 把使用末端之后的页还给内核，返回账面回收字节数
func (s *FreeListSpace) Trim() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapping == nil || s.highWater >= s.capacity {
		return 0
	}
	s.mapping.DontNeed(s.highWater, s.capacity)
	return s.capacity - s.highWater
}

// Reset 整体清空：全部分配作废、空闲链表恢复为单个大块、
// 位图清空。只能在无 mutator 持有空间内地址时调用。
func (s *FreeListSpace) Reset() {
	s.mu.Lock()
	clear(s.bytes[:s.highWater])
	s.free = []freeChunk{{off: 0, size: s.capacity}}
	s.sizes = make(map[uintptr]uintptr)
	s.allocated = 0
	s.objects = 0
	s.highWater = 0
	s.mu.Unlock()
	s.live.Reset()
	s.mark.Reset()
}

// SetCanAlloc 开关分配能力（zygote 空间退役后关闭）
func (s *FreeListSpace) SetCanAlloc(ok bool) {
	s.mu.Lock()
	s.canAlloc = ok
	s.mu.Unlock()
}

// SetRetention 调整保留策略（zygote 退役时改为 full-collect）
func (s *FreeListSpace) SetRetention(p GCRetentionPolicy) {
	s.policy = p
}

// CreateZygoteSpace 把本空间的已用前缀退役为 zygote 空间，
// 返回覆盖余下容量的新分配空间。调用后本空间：
//   - 容量收缩到已用末端
//   - 保留策略改为 full-collect
//   - 禁止继续分配
func (s *FreeListSpace) CreateZygoteSpace(allocName string) *FreeListSpace {
	s.mu.Lock()
	defer s.mu.Unlock()
	split := object.AlignUp(s.highWater)
	if split > s.capacity {
		split = s.capacity
	}
	rest := s.bytes[split:]
	s.bytes = s.bytes[:split]
	s.capacity = split
	s.footprint = split
	s.canAlloc = false
	s.policy = RetentionFullCollect
	// 位图随容量收缩，余下地址带交给新空间的位图
	s.live.Shrink(split)
	s.mark.Shrink(split)
	// 丢弃分裂点之后的空闲块
	trimmed := s.free[:0]
	for _, c := range s.free {
		if c.off >= split {
			continue
		}
		if c.off+c.size > split {
			c.size = split - c.off
		}
		if c.size > 0 {
			trimmed = append(trimmed, c)
		}
	}
	s.free = trimmed

	return newFreeListSpaceFrom(allocName, s.begin+split, rest, nil)
}
