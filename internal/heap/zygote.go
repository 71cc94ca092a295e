package heap

import (
	"go.uber.org/zap"

	"github.com/tangzhangming/aster/internal/accounting"
	"github.com/tangzhangming/aster/internal/collector"
	"github.com/tangzhangming/aster/internal/sched"
	"github.com/tangzhangming/aster/internal/space"
)

// PreZygoteFork 进程分化前的一次性堆整理：
//   - 先整堆收一轮并把空闲末端还给内核，垃圾不能被退役进
//     所有子进程共享的空间
//   - 指针碰撞配置再把半空间的存活对象压实进空闲链表空间的洞里
//   - 把空闲链表空间的已用前缀退役为 zygote 空间（禁分配、只在
//     完整收集中回收），余下容量成为新的分配空间
//   - 给 zygote 空间挂 mod-union 表并清掉它地址带上的卡，
//     此后它对新分配空间的引用走表不走整空间扫描
//
// 只在第一次调用时生效
func (h *Heap) PreZygoteFork(self *sched.Thread) {
	if h.zygote != nil {
		return
	}

	h.CollectGarbage(self, collector.GcTypeFull, "pre-zygote fork", false)
	h.Trim()

	self.TransitionFromRunnableToSuspended(sched.StateWaitingPerformingGC)
	defer self.TransitionFromSuspendedToRunnable()
	h.startGC("pre-zygote fork")
	defer h.finishGC()

	if h.allocator == AllocatorBumpPointer {
		h.compactIntoMain(self)
	}

	h.threads.SuspendAll(self)

	// 分配栈落入存活位图，分裂后 zygote 的存活视图才完整
	h.MarkAllocStackAsLive(h.allocStack)
	h.allocStack.Reset()
	h.liveStack.Reset()

	zygote := h.main
	h.main = zygote.CreateZygoteSpace("main alloc space")
	h.zygote = zygote
	h.addContinuousSpace(h.main)
	h.applyFootprint(h.footprint.Load())

	h.modUnion[zygote] = accounting.NewModUnionTable("zygote mod-union table",
		h.cardTable, zygote.Begin(), zygote.Limit(),
		func() *accounting.SpaceBitmap { return zygote.LiveBitmap() })
	h.cardTable.ClearCardRange(zygote.Begin(), zygote.Limit())

	// 堆形态变了，旧累计数据失去参考价值
	for _, c := range h.collectors {
		c.ResetCumulativeStats()
	}

	h.threads.ResumeAll(self)

	h.log.Info("zygote space created",
		zap.Uint64("zygote_bytes", uint64(zygote.BytesAllocated())),
		zap.Int64("zygote_objects", zygote.ObjectsAllocated()))
}

// compactIntoMain 把当前半空间的存活对象装箱进空闲链表空间的
// 空洞（最佳适配，装不下的碰撞进另一个半空间兜底），之后回到
// 空闲链表分配
func (h *Heap) compactIntoMain(self *sched.Thread) {
	// 装箱依赖完整的存活位图
	h.threads.SuspendAll(self)
	h.MarkAllocStackAsLive(h.allocStack)
	h.allocStack.Reset()
	bins := collector.BuildBins(h.main.LiveBitmap(), h.main.Begin(), h.main.Limit(), h.ObjectSize)
	h.threads.ResumeAll(self)

	ss := h.semiSpaceCollector(false)
	from := h.fromSpace
	ss.SetSpaces(from, h.otherBumpSpace())
	ss.SetBins(h.main, bins)
	ss.Run(self, false)
	ss.SetBins(nil, nil)

	h.changeAllocator(AllocatorFreeList)
	h.fromSpace = h.main

	// 压实后长期停留在标记-清扫配置
	h.collectorType = collector.CollectorTypeMarkSweep
	h.plan = []collector.GcType{collector.GcTypeSticky, collector.GcTypePartial, collector.GcTypeFull}
}

// semiSpaceCollector 取装配好的半空间收集器
func (h *Heap) semiSpaceCollector(generational bool) *collector.SemiSpace {
	want := collector.CollectorTypeSemiSpace
	if generational {
		want = collector.CollectorTypeGenerationalSemiSpace
	}
	for _, c := range h.collectors {
		if ss, ok := c.(*collector.SemiSpace); ok && c.Kind() == want {
			return ss
		}
	}
	fatalf("no semi-space collector registered")
	return nil
}

// otherBumpSpace 与当前分配目标配对的另一个半空间
func (h *Heap) otherBumpSpace() *space.BumpPointerSpace {
	if h.fromSpace == collector.MovableSpace(h.bump1) {
		return h.bump2
	}
	return h.bump1
}

// RevokeAllThreadLocalBuffers 撤销全部线程的私有分配块并结算
// 块内对象数。只能在整体暂停下由收集器调用：搬空半空间后旧块
// 地址全部失效
func (h *Heap) RevokeAllThreadLocalBuffers() {
	if h.allocator != AllocatorBumpPointer {
		return
	}
	bump, ok := h.fromSpace.(*space.BumpPointerSpace)
	if !ok {
		return
	}
	h.threads.ForEach(func(t *sched.Thread) {
		bump.RecordObjects(t.TakeTLABObjects())
		t.SetTLAB(0, 0)
	})
}
