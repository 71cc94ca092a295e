package heap

import (
	"fmt"
	"strings"
	"time"

	"github.com/tangzhangming/aster/internal/space"
)

// ==============================================
// 记账与诊断
// ==============================================

// BytesAllocated 账面已分配字节
func (h *Heap) BytesAllocated() uint64 { return h.bytesAllocated.Load() }

// ObjectsAllocated 账面对象数
func (h *Heap) ObjectsAllocated() uint64 { return h.objectsAllocated.Load() }

// Footprint 当前足迹（分配超过它触发收集）
func (h *Heap) Footprint() uint64 { return h.footprint.Load() }

// GrowthLimit 足迹增长上限
func (h *Heap) GrowthLimit() uintptr { return uintptr(h.cfg.Heap.GrowthLimit) }

// FreeMemory 足迹内剩余可分配字节
func (h *Heap) FreeMemory() uint64 {
	fp, ba := h.footprint.Load(), h.bytesAllocated.Load()
	if ba >= fp {
		return 0
	}
	return fp - ba
}

// TotalGcTime 历次收集累计耗时
func (h *Heap) TotalGcTime() time.Duration { return h.totalGcTime.Load() }

// GcCount 收集轮数
func (h *Heap) GcCount() int64 { return h.gcCount.Load() }

// ==============================================
// 本地内存记账（托管对象之外的配套分配）
// ==============================================

// RegisterNativeAllocation 登记托管对象挂着的本地内存。
// 本地内存越过当前足迹时请求一轮后台收集，促使挂着它的
// 托管对象尽快死掉
func (h *Heap) RegisterNativeAllocation(bytes int64) {
	total := h.nativeBytes.Add(bytes)
	if total > 0 && uint64(total) > h.footprint.Load() {
		h.RequestConcurrentGC()
	}
}

// RegisterNativeFree 注销本地内存，欠账说明调用方记账错了
func (h *Heap) RegisterNativeFree(bytes int64) error {
	for {
		cur := h.nativeBytes.Load()
		if bytes > cur {
			return fmt.Errorf("native free of %d bytes underflows allocated total %d", bytes, cur)
		}
		if h.nativeBytes.CompareAndSwap(cur, cur-bytes) {
			return nil
		}
	}
}

// NativeBytesAllocated 账面本地内存
func (h *Heap) NativeBytesAllocated() int64 { return h.nativeBytes.Load() }

// ==============================================
// 回馈内核与转储
// ==============================================

// Trim 把空闲链表空间使用末端之后的页还给内核，返回账面回收字节
func (h *Heap) Trim() uintptr {
	var reclaimed uintptr
	for _, sp := range h.ContinuousSpaces() {
		if fl, ok := sp.(*space.FreeListSpace); ok {
			reclaimed += fl.Trim()
		}
	}
	return reclaimed
}

// DumpSpaces 逐空间的占用转储
func (h *Heap) DumpSpaces() string {
	var b strings.Builder
	for _, sp := range h.ContinuousSpaces() {
		fmt.Fprintf(&b, "space %q [%#x,%#x) retention=%d", sp.Name(), sp.Begin(), sp.Limit(), sp.Retention())
		if alloc, ok := sp.(space.AllocSpace); ok {
			fmt.Fprintf(&b, " allocated=%d objects=%d", alloc.BytesAllocated(), alloc.ObjectsAllocated())
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "space %q [%#x,%#x) allocated=%d objects=%d\n",
		h.los.Name(), h.los.Begin(), h.los.End(), h.los.BytesAllocated(), h.los.ObjectsAllocated())
	fmt.Fprintf(&b, "bytes allocated %d, footprint %d, growth limit %d\n",
		h.bytesAllocated.Load(), h.footprint.Load(), h.cfg.Heap.GrowthLimit)
	return b.String()
}

// DumpGCPerformanceInfo 各收集器的累计表现
func (h *Heap) DumpGCPerformanceInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "total collections %d, total time %s\n", h.gcCount.Load(), h.totalGcTime.Load())
	fmt.Fprintf(&b, "total freed %d objects / %d bytes\n", h.totalObjsFreed.Load(), h.totalBytesFreed.Load())
	for _, c := range h.collectors {
		cum := c.CumulativeStats()
		if cum.Runs == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s: %d runs, freed %d objects / %d bytes, total %s, paused %s\n",
			c.Name(), cum.Runs, cum.FreedObjects, uint64(cum.FreedBytes), cum.Duration, cum.PauseTime)
	}
	return b.String()
}
