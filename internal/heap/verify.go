package heap

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/aster/internal/accounting"
	"github.com/tangzhangming/aster/internal/sched"
)

// ==============================================
// 堆校验（调试配置下收集前后运行）
// ==============================================

// verifyHeapSuspended 在整体暂停下跑全部校验，发现不一致就
// 带着空间转储终止：坏引用说明写屏障或收集器有错，继续跑
// 只会把错误扩散
func (h *Heap) verifyHeapSuspended(self *sched.Thread, phase string) {
	h.threads.SuspendAll(self)
	errs := []error{
		h.VerifyHeapReferences(),
		h.VerifyMissingCardMarks(),
	}
	for _, table := range h.modUnion {
		errs = append(errs, table.Verify(verifyScanner{h}, h.IsLiveObject))
	}
	err := multierr.Combine(errs...)
	h.threads.ResumeAll(self)
	if err != nil {
		h.log.Error("heap verification failed",
			zap.String("phase", phase),
			zap.Int("failures", len(multierr.Errors(err))),
			zap.String("spaces", h.DumpSpaces()))
		fatalf("%s heap verification failed: %v", phase, err)
	}
}

// verifyScanner 把堆的带写回遍历适配成 mod-union 表的只读遍历
type verifyScanner struct{ h *Heap }

func (s verifyScanner) VisitReferences(addr uintptr, fn func(slot, ref uintptr)) {
	s.h.VisitReferences(addr, func(slot, ref uintptr) uintptr {
		fn(slot, ref)
		return ref
	})
}

// VerifyHeapReferences 遍历全部存活对象的引用槽，每个非空引用
// 都必须指向一个仍然存活的对象。返回聚合的不一致列表
func (h *Heap) VerifyHeapReferences() error {
	var errs error
	verifyObject := func(obj uintptr) {
		h.VisitReferences(obj, func(slot, ref uintptr) uintptr {
			if ref != 0 && !h.IsLiveObject(ref) {
				errs = multierr.Append(errs, fmt.Errorf(
					"object %#x slot %#x holds dangling reference %#x", obj, slot, ref))
			}
			return ref
		})
	}
	h.liveBitmap.Walk(verifyObject)
	for _, addr := range h.allocStack.Slice() {
		if !h.liveBitmap.Test(addr) {
			verifyObject(addr)
		}
	}
	return errs
}

// VerifyMissingCardMarks 校验写屏障契约：位图里的老对象引用了
// 还只在分配栈上的新对象时，老对象所在的卡必须是脏的，否则下一轮
// 分代收集会漏扫这条老到新的边
func (h *Heap) VerifyMissingCardMarks() error {
	var errs error
	h.liveBitmap.Walk(func(obj uintptr) {
		h.VisitReferences(obj, func(slot, ref uintptr) uintptr {
			if ref != 0 && h.allocStack.Contains(ref) && !h.liveBitmap.Test(ref) {
				if h.cardTable.Card(obj) < accounting.CardDirty {
					errs = multierr.Append(errs, fmt.Errorf(
						"object %#x references young object %#x but its card is clean", obj, ref))
				}
			}
			return ref
		})
	})
	return errs
}
