package collector

import (
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/aster/internal/accounting"
	"github.com/tangzhangming/aster/internal/object"
	"github.com/tangzhangming/aster/internal/sched"
	"github.com/tangzhangming/aster/internal/space"
)

// SemiSpace 半空间复制收集器（移动式，整轮 stop-the-world）。
//
// 标记阶段先在 from 空间的标记位图上算出存活集，然后按地址
// 升序逐个确定转发目的地（zygote 压实时在装箱器的洞里最佳适配，
// 平时直接碰撞进 to 空间），字节原样拷贝，最后统一改写根与
// 全部存活对象里的引用。完成后 from 空间整体清空，由堆把
// 两个半空间的角色对调。
//
// generational 模式只搬 from 空间、不清扫其余空间，作为轻量
// 的新生代回收；full 模式同时清扫空闲链表空间与大对象空间。
// MovableSpace 可以作为复制收集两端的空间：连续、可分配、
// 且支持整体清空
type MovableSpace interface {
	space.ContinuousSpace
	space.AllocSpace
	Reset()
}

// BinTarget 装箱安置的目标空间：安置结果要进它的分配账
type BinTarget interface {
	space.ContinuousSpace
	AllocAt(addr, size uintptr) bool
}

type SemiSpace struct {
	base
	generational bool

	from MovableSpace
	to   MovableSpace

	// zygote 压实：代替 to 空间的装箱目标
	bins      *BinPacker
	binTarget BinTarget

	forward map[uintptr]uintptr
	moved   uintptr
	movedN  int64
}

// NewSemiSpace 创建半空间收集器，generational 模式跳过整堆清扫
func NewSemiSpace(heap Heap, log *zap.Logger, generational bool) *SemiSpace {
	name := "semi-space"
	if generational {
		name = "generational " + name
	}
	return &SemiSpace{
		base:         newBase(name, heap, log, 64*1024),
		generational: generational,
	}
}

func (s *SemiSpace) Type() GcType { return GcTypeFull }

func (s *SemiSpace) Kind() CollectorType {
	if s.generational {
		return CollectorTypeGenerationalSemiSpace
	}
	return CollectorTypeSemiSpace
}

func (s *SemiSpace) IsConcurrent() bool { return false }

// SetSpaces 每轮运行前由堆指定 from/to 半空间
func (s *SemiSpace) SetSpaces(from, to MovableSpace) {
	s.from = from
	s.to = to
	s.bins = nil
	s.binTarget = nil
}

// SetBins 改用装箱目标（zygote 压实），装不下时回落到 to 空间
func (s *SemiSpace) SetBins(target BinTarget, bins *BinPacker) {
	s.binTarget = target
	s.bins = bins
}

// Run 整轮 stop-the-world 的复制收集
func (s *SemiSpace) Run(self *sched.Thread, clearSoftReferences bool) Result {
	start := time.Now()
	r := Result{Type: GcTypeFull}
	threads := s.heap.Threads()

	p := time.Now()
	threads.SuspendAll(self)
	s.heap.RevokeAllThreadLocalBuffers()

	s.initializePhase()
	s.markRoots()
	s.markReachable()
	s.heap.ProcessReferences(clearSoftReferences, s.isMarked, s.markObject)
	s.drainMarkStack(s.markObject)

	s.forwardInAddressOrder()
	s.fixReferences()
	s.heap.NotifyMoved(s.forward)

	if !s.generational {
		s.sweepSpaces(&r)
		s.swapBitmaps()
	}

	// from 空间未被转发的就是垃圾，整体清空
	r.FreedBytes += s.from.BytesAllocated() - s.moved
	r.FreedObjects += s.from.ObjectsAllocated() - s.movedN
	s.from.Reset()

	s.heap.LiveStack().Reset()
	s.heap.RecordFree(r.TotalFreedObjects(), r.TotalFreedBytes())

	threads.ResumeAll(self)
	r.Pauses = append(r.Pauses, time.Since(p))
	r.Duration = time.Since(start)
	s.record(r)
	s.log.Info("collection finished",
		zap.Int64("moved_objects", s.movedN),
		zap.Uint64("moved_bytes", uint64(s.moved)),
		zap.Int64("freed_objects", r.TotalFreedObjects()),
		zap.Uint64("freed_bytes", uint64(r.TotalFreedBytes())),
		zap.Duration("duration", r.Duration))
	return r
}

func (s *SemiSpace) initializePhase() {
	s.markStack.Reset()
	s.forward = make(map[uintptr]uintptr)
	s.moved = 0
	s.movedN = 0

	s.immune = s.immune[:0]
	for _, sp := range s.heap.ContinuousSpaces() {
		if sp == space.ContinuousSpace(s.from) || sp == space.ContinuousSpace(s.to) {
			sp.MarkBitmap().Reset()
			continue
		}
		switch sp.Retention() {
		case space.RetentionNeverCollect, space.RetentionFullCollect:
			s.immune = append(s.immune, sp)
			sp.MarkBitmap().CopyFrom(sp.LiveBitmap())
		default:
			sp.MarkBitmap().Reset()
		}
	}
	los := s.heap.LargeObjects()
	los.MarkObjects().Reset()

	// 自上轮收集以来的分配全部落入存活位图，供清扫与装箱使用
	s.heap.SwapStacks()
	s.heap.MarkAllocStackAsLive(s.heap.LiveStack())
}

// markObject 标记但不搬移：from 空间的对象记在 from 的标记位图上
func (s *SemiSpace) markObject(ref uintptr) {
	if ref == 0 || s.inImmune(ref) {
		return
	}
	if s.from.Contains(ref) {
		if !s.from.MarkBitmap().Set(ref) {
			s.push(ref)
		}
		return
	}
	if !s.heap.MarkBitmap().Set(ref) {
		s.push(ref)
	}
}

func (s *SemiSpace) markRoots() {
	s.heap.VisitRoots(func(ref uintptr) uintptr {
		s.markObject(ref)
		return ref
	})
}

func (s *SemiSpace) markReachable() {
	scanner := refScanner{s.heap}
	for _, sp := range s.immune {
		if table := s.heap.ModUnionTableFor(sp); table != nil {
			// 上轮收集以来写脏的卡先拉进表里，豁免空间新存入的
			// 引用才会被标记并转发
			table.ClearCards()
			table.UpdateAndMarkReferences(scanner, s.markObject)
		}
	}
	s.drainMarkStack(s.markObject)
}

func (s *SemiSpace) isMarked(addr uintptr) bool {
	if s.inImmune(addr) {
		return true
	}
	if s.from.Contains(addr) {
		return s.from.MarkBitmap().Test(addr)
	}
	return s.heap.MarkBitmap().Test(addr)
}

// forwardInAddressOrder 按地址升序给 from 空间的每个存活对象
// 找安置点并拷贝字节
func (s *SemiSpace) forwardInAddressOrder() {
	s.from.MarkBitmap().Walk(func(obj uintptr) {
		size := s.heap.ObjectSize(obj)
		aligned := object.AlignUp(size)
		dst, ok := s.forwardDest(aligned)
		if !ok {
			fatalf("semi-space out of forwarding room: object %#x size %d", obj, size)
			return
		}
		s.heap.CopyObject(dst, obj, size)
		s.forward[obj] = dst
		s.moved += aligned
		s.movedN++
	})
}

// forwardDest 先试装箱器的洞（绝不放进更小的洞），再碰撞进 to 空间
func (s *SemiSpace) forwardDest(aligned uintptr) (uintptr, bool) {
	if s.bins != nil {
		if addr, ok := s.bins.Alloc(aligned); ok {
			if !s.binTarget.AllocAt(addr, aligned) {
				fatalf("bin placement %#x+%d not free in %s", addr, aligned, s.binTarget.Name())
			}
			s.binTarget.LiveBitmap().Set(addr)
			s.binTarget.MarkBitmap().Set(addr)
			return addr, true
		}
	}
	if s.to != nil {
		if addr, _, ok := s.to.Alloc(aligned); ok {
			s.to.LiveBitmap().Set(addr)
			s.to.MarkBitmap().Set(addr)
			return addr, true
		}
	}
	return 0, false
}

// fixReferences 统一改写：根、搬迁后的对象、其余空间的存活对象、
// 豁免空间 mod-union 表记住的卡上的对象
func (s *SemiSpace) fixReferences() {
	fix := func(ref uintptr) uintptr {
		if dst, ok := s.forward[ref]; ok {
			return dst
		}
		return ref
	}
	fixObject := func(obj uintptr) {
		s.heap.VisitReferences(obj, func(_, ref uintptr) uintptr {
			return fix(ref)
		})
	}

	s.heap.VisitRoots(fix)
	for _, dst := range s.forward {
		fixObject(dst)
	}
	for _, sp := range s.heap.ContinuousSpaces() {
		if sp == space.ContinuousSpace(s.from) || sp == space.ContinuousSpace(s.to) || s.isImmuneSpace(sp) {
			continue
		}
		sp.MarkBitmap().Walk(fixObject)
	}
	s.heap.LargeObjects().MarkObjects().Walk(fixObject)
	for _, sp := range s.immune {
		if table := s.heap.ModUnionTableFor(sp); table != nil {
			table.VisitObjects(fixObject)
		}
	}
}

func (s *SemiSpace) isImmuneSpace(sp space.ContinuousSpace) bool {
	for _, im := range s.immune {
		if im == sp {
			return true
		}
	}
	return false
}

// sweepSpaces full 模式下清扫空闲链表空间与大对象空间
func (s *SemiSpace) sweepSpaces(r *Result) {
	for _, sp := range s.heap.ContinuousSpaces() {
		if sp == space.ContinuousSpace(s.from) || sp == space.ContinuousSpace(s.to) || s.isImmuneSpace(sp) {
			continue
		}
		alloc, ok := sp.(space.AllocSpace)
		if !ok {
			continue
		}
		accounting.SweepWalk(sp.LiveBitmap(), sp.MarkBitmap(), sp.Begin(), sp.End(),
			func(addr uintptr) {
				if bytes := alloc.Free(addr); bytes > 0 {
					r.FreedObjects++
					r.FreedBytes += bytes
				}
			})
	}
	losObjs, losBytes := s.heap.LargeObjects().Sweep(false)
	r.FreedLargeObjects += losObjs
	r.FreedLargeObjectBytes += losBytes
}
