package heap

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/aster/internal/collector"
	"github.com/tangzhangming/aster/internal/sched"
)

// ErrMovingGCDisabled 有调用方暂时固定了对象地址，拒绝搬移
var ErrMovingGCDisabled = errors.New("moving garbage collection is disabled")

// DisableMovingGC 暂时固定全部对象地址（外部代码握着裸地址时用）。
// 与 EnableMovingGC 配对，可嵌套
func (h *Heap) DisableMovingGC() {
	sched.Locks.GCComplete.Lock()
	h.disableMovingGC++
	sched.Locks.GCComplete.Unlock()
}

// EnableMovingGC 解除一层地址固定
func (h *Heap) EnableMovingGC() {
	sched.Locks.GCComplete.Lock()
	if h.disableMovingGC == 0 {
		sched.Locks.GCComplete.Unlock()
		fatalf("unbalanced EnableMovingGC")
		return
	}
	h.disableMovingGC--
	sched.Locks.GCComplete.Unlock()
}

func (h *Heap) movingGCDisabled() bool {
	sched.Locks.GCComplete.Lock()
	defer sched.Locks.GCComplete.Unlock()
	return h.disableMovingGC > 0
}

// TransitionCollector 运行期切换收集器家族。涉及分配空间的更换：
// 标记-清扫 ↔ 半空间复制要把全部存活对象搬到新家族的分配空间，
// 搬完切换分配器并通知入口点钩子。同族之间（ss ↔ gss）只换策略
func (h *Heap) TransitionCollector(self *sched.Thread, target collector.CollectorType) error {
	if target == h.collectorType {
		return nil
	}
	if h.movingGCDisabled() {
		return ErrMovingGCDisabled
	}

	self.TransitionFromRunnableToSuspended(sched.StateWaitingPerformingGC)
	defer self.TransitionFromSuspendedToRunnable()
	h.startGC("collector transition")
	defer h.finishGC()

	from := h.collectorType
	switch target {
	case collector.CollectorTypeMarkSweep:
		// 半空间对象搬回空闲链表空间
		ss := h.semiSpaceCollector(false)
		ss.SetSpaces(h.fromSpace, h.main)
		ss.Run(self, false)
		h.fromSpace = h.main
		h.changeAllocator(AllocatorFreeList)
		h.plan = []collector.GcType{collector.GcTypeSticky, collector.GcTypePartial, collector.GcTypeFull}

	case collector.CollectorTypeSemiSpace, collector.CollectorTypeGenerationalSemiSpace:
		if err := h.ensureSemiSpaces(); err != nil {
			return err
		}
		if h.allocator == AllocatorFreeList {
			// 空闲链表对象搬进半空间
			ss := h.semiSpaceCollector(false)
			ss.SetSpaces(h.main, h.bump1)
			ss.Run(self, false)
			h.fromSpace = h.bump1
			h.changeAllocator(AllocatorBumpPointer)
		}
		h.plan = []collector.GcType{collector.GcTypeFull}

	default:
		return fmt.Errorf("unknown collector type %s", target)
	}
	h.collectorType = target
	h.nextGcType = h.plan[0]

	h.log.Info("collector transition finished",
		zap.String("from", from.String()),
		zap.String("to", target.String()),
		zap.String("allocator", h.allocator.String()))
	return nil
}
