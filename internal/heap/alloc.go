package heap

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/aster/internal/collector"
	"github.com/tangzhangming/aster/internal/object"
	"github.com/tangzhangming/aster/internal/sched"
	"github.com/tangzhangming/aster/internal/space"
)

// TLAB 整块切出的大小
const tlabSize uintptr = 16 << 10

// OutOfMemoryError 堆穷尽：完整 GC 加清软引用后仍放不下这次分配
type OutOfMemoryError struct {
	AllocSize      uintptr
	BytesAllocated uint64
	Footprint      uint64
	GrowthLimit    uintptr
	LargestRun     uintptr
	Space          string
}

func (e *OutOfMemoryError) Error() string {
	msg := fmt.Sprintf("out of memory: failed to allocate %d bytes in %s (allocated %d, footprint %d, growth limit %d)",
		e.AllocSize, e.Space, e.BytesAllocated, e.Footprint, e.GrowthLimit)
	if e.LargestRun > 0 && e.LargestRun < e.AllocSize {
		msg += fmt.Sprintf("; largest contiguous free run is %d bytes, heap may be fragmented", e.LargestRun)
	}
	return msg
}

// ==============================================
// 分配入口
// ==============================================

// Allocate 分配一个对象并写好头。快路径无锁；空间不足时进入
// 慢路径，按收集计划逐级升档触发 GC 再重试
func (h *Heap) Allocate(self *sched.Thread, classID uint32, length uint32) (uintptr, error) {
	size := object.AlignUp(h.classes.ObjectSize(classID, length))

	if size >= uintptr(h.cfg.Heap.LargeObjectThreshold) {
		return h.allocLargeObject(self, classID, length, size)
	}

	addr, allocated := h.tryAlloc(self, size)
	if addr == 0 {
		var err error
		addr, allocated, err = h.allocateInternalWithGc(self, size)
		if err != nil {
			return 0, err
		}
	}
	h.finishAllocation(self, addr, allocated, classID, length)
	return addr, nil
}

// tryAlloc 快路径：足迹约束下从当前分配器拿内存
func (h *Heap) tryAlloc(self *sched.Thread, size uintptr) (addr, allocated uintptr) {
	if h.bytesAllocated.Load()+uint64(size) > h.footprint.Load() {
		return 0, 0
	}
	switch h.allocator {
	case AllocatorBumpPointer:
		bump := h.fromSpace.(*space.BumpPointerSpace)
		// 块内分配的字节在切块时就已记过账
		if a, ok := self.AllocTLAB(size); ok {
			return a, 0
		}
		// 私有块用完，切新块再试；切不出退化为直接碰撞
		if start, end, ok := bump.AllocBlock(tlabSize + size); ok {
			bump.RecordObjects(self.TakeTLABObjects())
			self.SetTLAB(start, end)
			if a, ok := self.AllocTLAB(size); ok {
				return a, end - start
			}
		}
		if a, n, ok := bump.Alloc(size); ok {
			return a, n
		}
	default:
		if a, n, ok := h.allocSpace().Alloc(size); ok {
			return a, n
		}
	}
	return 0, 0
}

// allocSpace 当前空闲链表分配目标（zygote 分裂后是分裂出的新空间）
func (h *Heap) allocSpace() *space.FreeListSpace {
	return h.main
}

// finishAllocation 写对象头、记账、进分配栈、检查并发收集触发线
func (h *Heap) finishAllocation(self *sched.Thread, addr, allocated uintptr, classID, length uint32) {
	data, base, ok := h.resolveBytes(addr)
	if !ok {
		fatalf("allocation %#x landed outside the heap", addr)
	}
	space.WriteHeader(data, addr-base, classID, length)

	newBytes := h.bytesAllocated.Add(uint64(allocated))
	h.objectsAllocated.Add(1)

	h.pushOnAllocStack(self, addr)

	if h.cfg.GC.Concurrent && newBytes >= h.concurrentStartBytes.Load() {
		h.RequestConcurrentGC()
	}
}

// pushOnAllocStack 失败说明栈满，强制一轮收集把栈冲掉再推
func (h *Heap) pushOnAllocStack(self *sched.Thread, addr uintptr) {
	for !h.allocStack.PushBack(addr) {
		h.CollectGarbage(self, collector.GcTypeSticky, "allocation stack overflow", false)
	}
}

// allocLargeObject 大对象直接走独立空间，不占连续空间的足迹碎片
func (h *Heap) allocLargeObject(self *sched.Thread, classID, length uint32, size uintptr) (uintptr, error) {
	alloc := func() (uintptr, uintptr) {
		if h.bytesAllocated.Load()+uint64(size) > h.footprint.Load() {
			return 0, 0
		}
		if a, n, ok := h.los.Alloc(size); ok {
			return a, n
		}
		return 0, 0
	}
	addr, allocated := alloc()
	if addr == 0 {
		var err error
		addr, allocated, err = h.allocRetryWithGc(self, size, alloc, "large object space")
		if err != nil {
			return 0, err
		}
	}
	h.finishAllocation(self, addr, allocated, classID, length)
	return addr, nil
}

// ==============================================
// 慢路径
// ==============================================

// allocateInternalWithGc 常规对象的 GC 重试
func (h *Heap) allocateInternalWithGc(self *sched.Thread, size uintptr) (uintptr, uintptr, error) {
	return h.allocRetryWithGc(self, size, func() (uintptr, uintptr) {
		return h.tryAlloc(self, size)
	}, h.allocSpaceName())
}

func (h *Heap) allocSpaceName() string {
	if h.allocator == AllocatorBumpPointer {
		return h.fromSpace.Name()
	}
	return h.allocSpace().Name()
}

// allocRetryWithGc 分配失败的升档序列：
//  1. 等正在进行的收集结束再试（它可能已经腾出空间）
//  2. 按收集计划从弱到强逐档 GC，每档后重试
//  3. 放宽足迹到增长上限再试
//  4. 最后一搏：完整收集并清软引用
//  5. 仍失败则 OOM
func (h *Heap) allocRetryWithGc(self *sched.Thread, size uintptr, alloc func() (uintptr, uintptr), spaceName string) (uintptr, uintptr, error) {
	if last := h.WaitForGcToComplete(self); last != collector.GcTypeNone {
		if a, n := alloc(); a != 0 {
			return a, n, nil
		}
	}

	for _, gcType := range h.plan {
		ran := h.CollectGarbage(self, gcType, "alloc", false)
		if ran == collector.GcTypeNone {
			continue
		}
		if a, n := alloc(); a != 0 {
			return a, n, nil
		}
	}

	// 收集救不了就放宽足迹
	if h.growFootprintForAllocation(size) {
		if a, n := alloc(); a != 0 {
			return a, n, nil
		}
	}

	h.log.Warn("forcing collection of soft references for allocation",
		zap.Uintptr("size", size))
	h.CollectGarbage(self, collector.GcTypeFull, "alloc hard", true)
	if a, n := alloc(); a != 0 {
		return a, n, nil
	}

	return 0, 0, &OutOfMemoryError{
		AllocSize:      size,
		BytesAllocated: h.bytesAllocated.Load(),
		Footprint:      h.footprint.Load(),
		GrowthLimit:    uintptr(h.cfg.Heap.GrowthLimit),
		LargestRun:     h.largestContiguousRun(),
		Space:          spaceName,
	}
}

// growFootprintForAllocation 把足迹抬高到至少放得下这次分配，
// 不超过增长上限
func (h *Heap) growFootprintForAllocation(size uintptr) bool {
	limit := uint64(h.cfg.Heap.GrowthLimit)
	for {
		cur := h.footprint.Load()
		want := h.bytesAllocated.Load() + uint64(size)
		if want <= cur {
			return true
		}
		if want > limit {
			return false
		}
		if h.footprint.CompareAndSwap(cur, want) {
			h.applyFootprint(want)
			return true
		}
	}
}

// applyFootprint 足迹传导到空闲链表空间的内部上限
func (h *Heap) applyFootprint(footprint uint64) {
	if h.allocator == AllocatorFreeList {
		h.allocSpace().SetFootprintLimit(uintptr(footprint))
	}
}

func (h *Heap) largestContiguousRun() uintptr {
	if h.allocator == AllocatorFreeList {
		return h.allocSpace().LargestContiguousRun()
	}
	return 0
}
