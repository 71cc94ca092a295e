package collector

import (
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/aster/internal/accounting"
	"github.com/tangzhangming/aster/internal/sched"
	"github.com/tangzhangming/aster/internal/space"
)

// MarkSweep 非移动标记-清扫收集器。
//
// 力度由 gcType 决定：
//
//	full    从头追踪全部空间（镜像空间除外，走 mod-union 表）
//	partial 额外豁免 zygote 空间，要求 zygote 已存在
//	sticky  把上轮的存活位图整体当作旧生代，只追踪并回收
//	        上轮收集之后分配的对象（存活栈里的那些）
//
// 并发模式下标记与 mutator 交错执行，只有两次短暂停：
// 根枚举一次，收尾复查脏卡一次；写屏障弄脏的卡保证并发期间
// 的存储不会漏标。
type MarkSweep struct {
	base
	gcType     GcType
	concurrent bool
}

// NewMarkSweep 创建一个可复用的标记-清扫收集器实例
func NewMarkSweep(heap Heap, log *zap.Logger, gcType GcType, concurrent bool) *MarkSweep {
	name := gcType.String() + " mark-sweep"
	if concurrent {
		name = "concurrent " + name
	}
	return &MarkSweep{
		base:       newBase(name, heap, log, 64*1024),
		gcType:     gcType,
		concurrent: concurrent,
	}
}

func (s *MarkSweep) Type() GcType        { return s.gcType }
func (s *MarkSweep) Kind() CollectorType { return CollectorTypeMarkSweep }
func (s *MarkSweep) IsConcurrent() bool  { return s.concurrent }

// Run 执行一轮收集。partial 在 zygote 尚不存在时返回 GcTypeNone
// 哨兵，不进入任何阶段，调用方应以更强力度重试。
func (s *MarkSweep) Run(self *sched.Thread, clearSoftReferences bool) Result {
	if s.gcType == GcTypePartial && !s.heap.HasZygote() {
		return Result{Type: GcTypeNone}
	}
	start := time.Now()
	r := Result{Type: s.gcType}
	threads := s.heap.Threads()

	if s.concurrent {
		// 暂停一：初始化 + 根枚举
		p1 := time.Now()
		threads.SuspendAll(self)
		s.initializePhase()
		s.heap.ProcessCards()
		s.markRoots()
		threads.ResumeAll(self)
		r.Pauses = append(r.Pauses, time.Since(p1))

		// 并发标记
		s.markReachable(accounting.CardAged)

		// 暂停二：复查并发期间弄脏的卡，并入并发期间的分配
		p2 := time.Now()
		threads.SuspendAll(self)
		s.markRoots()
		s.scanDirtyCards(accounting.CardDirty)
		s.drainMarkStack(s.markObject)
		s.heap.SwapStacks()
		if s.gcType != GcTypeSticky {
			s.heap.MarkAllocStackAsLive(s.heap.LiveStack())
		}
		threads.ResumeAll(self)
		r.Pauses = append(r.Pauses, time.Since(p2))

		// 并发回收
		s.reclaimPhase(clearSoftReferences, &r)
	} else {
		p := time.Now()
		threads.SuspendAll(self)
		s.initializePhase()
		s.heap.ProcessCards()
		s.heap.SwapStacks()
		if s.gcType != GcTypeSticky {
			s.heap.MarkAllocStackAsLive(s.heap.LiveStack())
		}
		s.markRoots()
		s.markReachable(accounting.CardAged)
		s.reclaimPhase(clearSoftReferences, &r)
		threads.ResumeAll(self)
		r.Pauses = append(r.Pauses, time.Since(p))
	}

	r.Duration = time.Since(start)
	s.record(r)
	s.log.Info("collection finished",
		zap.Stringer("type", r.Type),
		zap.Int64("freed_objects", r.TotalFreedObjects()),
		zap.Uint64("freed_bytes", uint64(r.TotalFreedBytes())),
		zap.Duration("max_pause", r.MaxPause()),
		zap.Duration("duration", r.Duration))
	return r
}

// initializePhase 计算豁免集并准备标记位图
func (s *MarkSweep) initializePhase() {
	s.markStack.Reset()
	s.immune = s.immune[:0]
	for _, sp := range s.heap.ContinuousSpaces() {
		switch sp.Retention() {
		case space.RetentionNeverCollect:
			s.immune = append(s.immune, sp)
			sp.MarkBitmap().CopyFrom(sp.LiveBitmap())
		case space.RetentionFullCollect:
			if s.gcType == GcTypeFull {
				sp.MarkBitmap().Reset()
			} else {
				s.immune = append(s.immune, sp)
				sp.MarkBitmap().CopyFrom(sp.LiveBitmap())
			}
		default:
			if s.gcType == GcTypeSticky {
				// 旧生代整体视为已标记
				sp.MarkBitmap().CopyFrom(sp.LiveBitmap())
			} else {
				sp.MarkBitmap().Reset()
			}
		}
	}
	los := s.heap.LargeObjects()
	if s.gcType == GcTypeSticky {
		los.MarkObjects().CopyFrom(los.LiveObjects())
	} else {
		los.MarkObjects().Reset()
	}
}

// markObject 置标记位，首次标记的对象进入工作栈
func (s *MarkSweep) markObject(ref uintptr) {
	if ref == 0 || s.inImmune(ref) {
		return
	}
	if !s.heap.MarkBitmap().Set(ref) {
		s.push(ref)
	}
}

// markRoots 枚举并标记全部根引用（非移动收集器不改写根）
func (s *MarkSweep) markRoots() {
	s.heap.VisitRoots(func(ref uintptr) uintptr {
		s.markObject(ref)
		return ref
	})
}

// markReachable 豁免空间走 mod-union 表，sticky 额外扫老化卡
// 捕捉旧生代指向新生代的引用，然后排空工作栈
func (s *MarkSweep) markReachable(stickyMinAge uint32) {
	scanner := refScanner{s.heap}
	for _, sp := range s.immune {
		if table := s.heap.ModUnionTableFor(sp); table != nil {
			table.UpdateAndMarkReferences(scanner, s.markObject)
		}
	}
	if s.gcType == GcTypeSticky {
		s.scanDirtyCards(stickyMinAge)
	}
	s.drainMarkStack(s.markObject)
}

// scanDirtyCards 对每个非豁免空间扫卡龄不低于 minAge 的卡上的
// 已标记对象，标记它们的引用
func (s *MarkSweep) scanDirtyCards(minAge uint32) {
	ct := s.heap.CardTable()
	for _, sp := range s.heap.ContinuousSpaces() {
		if s.isImmuneSpace(sp) {
			continue
		}
		ct.Scan(sp.MarkBitmap(), sp.Begin(), sp.End(), minAge, func(obj uintptr) {
			s.heap.ScanReferences(obj, func(_, ref uintptr) uintptr {
				if ref != 0 {
					s.markObject(ref)
				}
				return ref
			})
		})
	}
}

func (s *MarkSweep) isImmuneSpace(sp space.ContinuousSpace) bool {
	for _, im := range s.immune {
		if im == sp {
			return true
		}
	}
	return false
}

// reclaimPhase 引用处理、清扫、位图交换
func (s *MarkSweep) reclaimPhase(clearSoftReferences bool, r *Result) {
	s.heap.ProcessReferences(clearSoftReferences, s.isMarked, s.markObject)
	s.drainMarkStack(s.markObject)

	if s.gcType == GcTypeSticky {
		s.sweepArray(r)
	} else {
		s.sweepSpaces(r)
	}

	s.swapBitmaps()
	s.heap.LiveStack().Reset()
	s.heap.RecordFree(r.TotalFreedObjects(), r.TotalFreedBytes())
}

func (s *MarkSweep) isMarked(addr uintptr) bool {
	return s.inImmune(addr) || s.heap.MarkBitmap().Test(addr)
}

// sweepSpaces 逐空间释放存活位图有、标记位图没有的对象
func (s *MarkSweep) sweepSpaces(r *Result) {
	for _, sp := range s.heap.ContinuousSpaces() {
		if s.isImmuneSpace(sp) {
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

// sweepArray sticky 路径：只有存活栈里的对象（上轮收集之后
// 分配的）是回收候选，未标记的直接释放
func (s *MarkSweep) sweepArray(r *Result) {
	los := s.heap.LargeObjects()
	spaces := s.heap.ContinuousSpaces()
	for _, addr := range s.heap.LiveStack().Slice() {
		if s.inImmune(addr) || s.heap.MarkBitmap().Test(addr) {
			continue
		}
		if los.Contains(addr) {
			if bytes := los.Free(addr); bytes > 0 {
				r.FreedLargeObjects++
				r.FreedLargeObjectBytes += bytes
			}
			continue
		}
		for _, sp := range spaces {
			if !sp.Contains(addr) {
				continue
			}
			if alloc, ok := sp.(space.AllocSpace); ok {
				if bytes := alloc.Free(addr); bytes > 0 {
					r.FreedObjects++
					r.FreedBytes += bytes
				}
			}
			break
		}
	}
}
