package heap

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/aster/internal/collector"
	"github.com/tangzhangming/aster/internal/sched"
)

// ==============================================
// 收集编排
// ==============================================

// CollectGarbage 同步执行一轮指定力度的收集，返回实际执行的
// 收集类型。同一时刻只有一轮收集在跑；竞争者在 GCComplete 条件
// 变量上等待。partial 在 zygote 分裂前自动升为 full
func (h *Heap) CollectGarbage(self *sched.Thread, gcType collector.GcType, cause string, clearSoftReferences bool) collector.GcType {
	if gcType == collector.GcTypePartial && !h.HasZygote() {
		gcType = collector.GcTypeFull
	}
	if h.collectorType != collector.CollectorTypeMarkSweep {
		gcType = collector.GcTypeFull
	}

	self.TransitionFromRunnableToSuspended(sched.StateWaitingPerformingGC)
	defer self.TransitionFromSuspendedToRunnable()

	h.startGC(cause)

	if h.cfg.GC.VerifyPreGC {
		h.verifyHeapSuspended(self, "pre-gc")
	}

	c := h.findCollector(gcType)
	if c == nil {
		fatalf("no collector for type %s with %s", gcType, h.collectorType)
	}

	// 地址被固定时移动式收集降级为非移动的完整标记-清扫
	var movedTo collector.MovableSpace
	if ss, ok := c.(*collector.SemiSpace); ok {
		if h.movingGCDisabled() {
			c = h.findMarkSweep(collector.GcTypeFull)
		} else {
			to := collector.MovableSpace(h.otherBumpSpace())
			ss.SetSpaces(h.fromSpace, to)
			movedTo = to
		}
	}

	start := time.Now()
	result := c.Run(self, clearSoftReferences)

	if movedTo != nil {
		h.fromSpace = movedTo
	}

	if h.cfg.GC.VerifyPostGC {
		h.verifyHeapSuspended(self, "post-gc")
	}

	h.gcCount.Add(1)
	h.totalGcTime.Add(result.Duration)
	if result.Type != collector.GcTypeNone {
		h.lastGcType = result.Type
		h.growForUtilization(result)
		h.updateConcurrentStartBytes(result.Duration)
	}
	h.lastGcEnd = time.Now()
	h.bytesAllocAtLastGc = h.bytesAllocated.Load()

	if long := time.Duration(h.cfg.GC.LongPauseMS) * time.Millisecond; long > 0 && h.careAboutPauseTimes.Load() {
		for _, p := range result.Pauses {
			if p > long {
				h.log.Warn("long garbage collection pause",
					zap.String("collector", c.Name()),
					zap.String("cause", cause),
					zap.Duration("pause", p),
					zap.Duration("total", time.Since(start)))
			}
		}
	}

	h.finishGC()
	h.deliverClearedReferences()
	return result.Type
}

// findCollector 按当前收集器家族与力度选收集器
func (h *Heap) findCollector(gcType collector.GcType) collector.GarbageCollector {
	wantConcurrent := h.cfg.GC.Concurrent && h.collectorType == collector.CollectorTypeMarkSweep
	for _, c := range h.collectors {
		if c.Kind() != h.collectorType {
			continue
		}
		if h.collectorType == collector.CollectorTypeMarkSweep {
			if c.Type() == gcType && c.IsConcurrent() == wantConcurrent {
				return c
			}
		} else {
			return c
		}
	}
	return nil
}

// findMarkSweep 指定力度的标记-清扫收集器（非并发）
func (h *Heap) findMarkSweep(gcType collector.GcType) collector.GarbageCollector {
	for _, c := range h.collectors {
		if c.Kind() == collector.CollectorTypeMarkSweep && c.Type() == gcType && !c.IsConcurrent() {
			return c
		}
	}
	return nil
}

// startGC 占住收集执行权，有收集在跑就等它结束
func (h *Heap) startGC(cause string) {
	sched.Locks.GCComplete.Lock()
	defer sched.Locks.GCComplete.Unlock()
	for h.gcRunning {
		h.gcCompleteCond.Wait()
	}
	h.gcRunning = true
	h.gcCause = cause
}

// finishGC 释放收集执行权并唤醒等待者
func (h *Heap) finishGC() {
	sched.Locks.GCComplete.Lock()
	h.gcRunning = false
	h.gcCause = ""
	sched.Locks.GCComplete.Unlock()
	h.gcCompleteCond.Broadcast()
}

// WaitForGcToComplete 等正在进行的收集结束，返回最近一轮的类型。
// 没有收集在跑时立即返回 GcTypeNone
func (h *Heap) WaitForGcToComplete(self *sched.Thread) collector.GcType {
	sched.Locks.GCComplete.Lock()
	if !h.gcRunning {
		sched.Locks.GCComplete.Unlock()
		return collector.GcTypeNone
	}
	self.TransitionFromRunnableToSuspended(sched.StateWaitingForGCToComplete)
	for h.gcRunning {
		h.gcCompleteCond.Wait()
	}
	last := h.lastGcType
	sched.Locks.GCComplete.Unlock()
	self.TransitionFromSuspendedToRunnable()
	return last
}

// ==============================================
// 足迹增长与并发触发线
// ==============================================

// growForUtilization 按目标利用率调整足迹，并定下一轮收集力度。
// 非 sticky 收集之后按利用率重算目标；sticky 收集腾出的空间够用
// 就继续 sticky，不够就下一轮升档
func (h *Heap) growForUtilization(result collector.Result) {
	ba := h.bytesAllocated.Load()
	minFree := uint64(h.cfg.GC.MinFree)
	maxFree := uint64(h.cfg.GC.MaxFree)
	growthLimit := uint64(h.cfg.Heap.GrowthLimit)

	if result.Type != collector.GcTypeSticky {
		target := uint64(float64(ba) / h.cfg.GC.TargetUtilization)
		if target < ba+minFree {
			target = ba + minFree
		}
		if target > ba+maxFree {
			target = ba + maxFree
		}
		if target > growthLimit {
			target = growthLimit
		}
		h.footprint.Store(target)
		h.applyFootprint(target)
		h.nextGcType = collector.GcTypeSticky
		return
	}

	if ba+minFree <= h.footprint.Load() {
		h.nextGcType = collector.GcTypeSticky
	} else if h.HasZygote() {
		h.nextGcType = collector.GcTypePartial
	} else {
		h.nextGcType = collector.GcTypeFull
	}
}

// updateConcurrentStartBytes 由分配速率估算并发收集的提前量：
// 收集期间预计会新分配 allocRate×duration 字节，提前这么多触发
// 能让并发收集赶在足迹耗尽前完成。钳位防御异常速率
func (h *Heap) updateConcurrentStartBytes(gcDuration time.Duration) {
	if !h.cfg.GC.Concurrent {
		h.concurrentStartBytes.Store(math.MaxUint64)
		return
	}
	remaining := maxConcurrentRemaining
	if gcDuration > 0 {
		elapsed := time.Since(h.lastGcEnd)
		if elapsed > 0 {
			allocated := h.bytesAllocated.Load() - min64(h.bytesAllocAtLastGc, h.bytesAllocated.Load())
			rate := float64(allocated) / elapsed.Seconds()
			remaining = uintptr(rate * gcDuration.Seconds())
		}
	}
	if remaining < minConcurrentRemaining {
		remaining = minConcurrentRemaining
	}
	if remaining > maxConcurrentRemaining {
		remaining = maxConcurrentRemaining
	}
	footprint := h.footprint.Load()
	if uint64(remaining) >= footprint {
		h.concurrentStartBytes.Store(0)
		return
	}
	h.concurrentStartBytes.Store(footprint - uint64(remaining))
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// ==============================================
// 后台并发收集
// ==============================================

// RequestConcurrentGC 请求后台守护线程发起一轮并发收集。
// 非阻塞，已有请求未消化时合并
func (h *Heap) RequestConcurrentGC() {
	select {
	case h.daemonTrigger <- struct{}{}:
	default:
	}
}

// concurrentGCDaemon 后台收集守护线程：平时以本地代码状态停在
// 通道上（对挂起协议不可见），收到请求后转入运行态执行收集
func (h *Heap) concurrentGCDaemon() {
	self := h.threads.Register("gc daemon")
	self.TransitionFromRunnableToSuspended(sched.StateNative)
	defer close(h.daemonDone)
	for {
		select {
		case <-h.daemonStop:
			self.TransitionFromSuspendedToRunnable()
			h.threads.Unregister(self)
			return
		case <-h.daemonTrigger:
			self.TransitionFromSuspendedToRunnable()
			if h.WaitForGcToComplete(self) == collector.GcTypeNone {
				h.CollectGarbage(self, h.nextGcType, "concurrent", false)
			}
			self.TransitionFromRunnableToSuspended(sched.StateNative)
		}
	}
}
