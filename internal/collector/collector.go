// Package collector 实现可插拔的垃圾收集算法：
// 标记-清扫家族（full/partial/sticky，各有并发与非并发两种模式）
// 与半空间复制（含 zygote 压实变体）。
//
// 收集器不拥有堆，只通过 Heap 接口消费空间、位图、卡表与对象栈；
// 同一时刻每个堆至多运行一个收集器，由堆的完成锁保证。
package collector

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/aster/internal/accounting"
	"github.com/tangzhangming/aster/internal/object"
	"github.com/tangzhangming/aster/internal/sched"
	"github.com/tangzhangming/aster/internal/space"
)

// fatalf 收集器内部不变量被破坏时的终止路径，测试可替换
var fatalf = func(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}

// GcType 一次收集的力度
type GcType int

const (
	// GcTypeNone 未执行任何收集（哨兵结果，调用方应升级重试）
	GcTypeNone GcType = iota
	// GcTypeSticky 只回收上轮收集之后分配的对象
	GcTypeSticky
	// GcTypePartial 回收除 zygote/镜像空间以外的全部空间
	GcTypePartial
	// GcTypeFull 回收除镜像空间以外的全部空间
	GcTypeFull
)

func (t GcType) String() string {
	switch t {
	case GcTypeNone:
		return "none"
	case GcTypeSticky:
		return "sticky"
	case GcTypePartial:
		return "partial"
	case GcTypeFull:
		return "full"
	default:
		return "unknown"
	}
}

// CollectorType 收集器家族
type CollectorType int

const (
	// CollectorTypeMarkSweep 非移动标记-清扫
	CollectorTypeMarkSweep CollectorType = iota
	// CollectorTypeSemiSpace 半空间复制（整堆）
	CollectorTypeSemiSpace
	// CollectorTypeGenerationalSemiSpace 半空间复制（只移动新生代）
	CollectorTypeGenerationalSemiSpace
)

func (t CollectorType) String() string {
	switch t {
	case CollectorTypeMarkSweep:
		return "mark-sweep"
	case CollectorTypeSemiSpace:
		return "semi-space"
	case CollectorTypeGenerationalSemiSpace:
		return "generational semi-space"
	default:
		return "unknown"
	}
}

// Result 单次运行的产出
type Result struct {
	// Type 实际执行的力度，GcTypeNone 表示本次未收集
	Type GcType
	// FreedObjects 回收的对象数（不含大对象）
	FreedObjects int64
	// FreedBytes 回收的字节数（不含大对象）
	FreedBytes uintptr
	// FreedLargeObjects 回收的大对象数
	FreedLargeObjects int64
	// FreedLargeObjectBytes 回收的大对象字节数
	FreedLargeObjectBytes uintptr
	// Pauses 各次 stop-the-world 暂停时长
	Pauses []time.Duration
	// Duration 整次运行时长
	Duration time.Duration
}

// TotalFreedObjects 含大对象的回收对象总数
func (r *Result) TotalFreedObjects() int64 {
	return r.FreedObjects + r.FreedLargeObjects
}

// TotalFreedBytes 含大对象的回收字节总数
func (r *Result) TotalFreedBytes() uintptr {
	return r.FreedBytes + r.FreedLargeObjectBytes
}

// MaxPause 最长单次暂停
func (r *Result) MaxPause() time.Duration {
	var max time.Duration
	for _, p := range r.Pauses {
		if p > max {
			max = p
		}
	}
	return max
}

// Heap 收集器消费的堆能力面，由堆编排器实现
type Heap interface {
	// ContinuousSpaces 按起始地址升序的全部连续空间
	ContinuousSpaces() []space.ContinuousSpace
	// LargeObjects 大对象空间
	LargeObjects() *space.LargeObjectSpace
	// LiveBitmap 堆级存活位图聚合
	LiveBitmap() *accounting.HeapBitmap
	// MarkBitmap 堆级标记位图聚合
	MarkBitmap() *accounting.HeapBitmap
	// CardTable 进程卡表
	CardTable() *accounting.CardTable
	// ModUnionTableFor 空间的 mod-union 表，没有则返回 nil
	ModUnionTableFor(sp space.ContinuousSpace) *accounting.ModUnionTable
	// ProcessCards 把有表空间的脏卡拉入各自的 mod-union 表，
	// 其余空间的脏卡老化为 aged
	ProcessCards()
	// SwapStacks 分配栈与存活栈交换底层存储
	SwapStacks()
	// LiveStack 交换后持有自上轮收集以来全部分配的栈
	LiveStack() *accounting.ObjectStack
	// MarkAllocStackAsLive 把 stack 中的对象落入各空间存活位图
	MarkAllocStackAsLive(stack *accounting.ObjectStack)
	// HasZygote 是否已经历 zygote 分裂
	HasZygote() bool
	// Threads 线程注册表（整体暂停用）
	Threads() *sched.ThreadList
	// VisitRoots 枚举全部根引用，回调返回值写回原处
	VisitRoots(fn object.RootVisitor)
	// VisitReferences 类型制导地遍历对象的全部引用槽，
	// 回调返回的新引用会被写回（不触发写屏障）
	VisitReferences(obj uintptr, fn func(slot, ref uintptr) uintptr)
	// ScanReferences 标记用的引用遍历：登记过的软/弱/虚引用对象
	// 跳过指称槽，指称对象的存活由引用处理阶段单独裁决
	ScanReferences(obj uintptr, fn func(slot, ref uintptr) uintptr)
	// ObjectSize 对象总大小（含头）
	ObjectSize(obj uintptr) uintptr
	// CopyObject 跨空间按字节搬移对象
	CopyObject(dst, src, size uintptr)
	// ProcessReferences 标记完成后处理软/弱/终结/虚引用：
	// 清掉死 referent，保留的软 referent 与待终结的 referent
	// 通过 mark 续命，调用后须再排空标记栈
	ProcessReferences(clearSoft bool, isMarked func(addr uintptr) bool, mark func(addr uintptr))
	// NotifyMoved 移动式收集改写完引用后通知堆，堆借此重映射
	// 自己按地址登记的簿记（引用登记表等）
	NotifyMoved(forward map[uintptr]uintptr)
	// RevokeAllThreadLocalBuffers 暂停期间撤销各线程的私有分配块
	// 并把块内对象数结算给空间（搬空半空间前调用）
	RevokeAllThreadLocalBuffers()
	// RecordFree 收集产出的回收量记账
	RecordFree(objects int64, bytes uintptr)
}

// GarbageCollector 一个可复用的收集器实例
type GarbageCollector interface {
	// Name 诊断名
	Name() string
	// Type 本收集器的力度
	Type() GcType
	// Kind 所属家族
	Kind() CollectorType
	// IsConcurrent 标记阶段是否与 mutator 并发
	IsConcurrent() bool
	// Run 执行一轮收集。self 是发起线程，必须已离开 Runnable。
	Run(self *sched.Thread, clearSoftReferences bool) Result
	// CumulativeStats 历次运行的累计
	CumulativeStats() CumulativeStats
	// ResetCumulativeStats 清零累计统计（zygote 预派生后堆形态变了，
	// 旧数据不再有参考价值）
	ResetCumulativeStats()
}

// CumulativeStats 跨运行累计量
type CumulativeStats struct {
	Runs         int
	FreedObjects int64
	FreedBytes   uintptr
	Duration     time.Duration
	PauseTime    time.Duration
}

// base 各收集器共享的壳：堆引用、日志、标记工作栈与累计统计
type base struct {
	name string
	heap Heap
	log  *zap.Logger

	markStack *accounting.ObjectStack
	immune    []space.ContinuousSpace

	cum CumulativeStats
}

func newBase(name string, heap Heap, log *zap.Logger, markStackCapacity int) base {
	return base{
		name:      name,
		heap:      heap,
		log:       log.Named(name),
		markStack: accounting.NewObjectStack(name+" mark stack", markStackCapacity),
	}
}

func (b *base) Name() string { return b.name }

func (b *base) CumulativeStats() CumulativeStats { return b.cum }

func (b *base) ResetCumulativeStats() { b.cum = CumulativeStats{} }

func (b *base) record(r Result) {
	b.cum.Runs++
	b.cum.FreedObjects += r.TotalFreedObjects()
	b.cum.FreedBytes += r.TotalFreedBytes()
	b.cum.Duration += r.Duration
	for _, p := range r.Pauses {
		b.cum.PauseTime += p
	}
}

// inImmune 地址是否落在本轮豁免空间内
func (b *base) inImmune(addr uintptr) bool {
	for _, sp := range b.immune {
		if sp.Contains(addr) {
			return true
		}
	}
	return false
}

// push 压入标记工作栈，满了翻倍扩容
func (b *base) push(addr uintptr) {
	for !b.markStack.PushBack(addr) {
		b.markStack.Resize(2 * b.markStack.Capacity())
	}
}

// drainMarkStack 弹出对象并标记其引用，直到工作栈耗尽
func (b *base) drainMarkStack(mark func(ref uintptr)) {
	for {
		obj, ok := b.markStack.PopBack()
		if !ok {
			return
		}
		b.heap.ScanReferences(obj, func(_, ref uintptr) uintptr {
			if ref != 0 {
				mark(ref)
			}
			return ref
		})
	}
}

// swapBitmaps 清扫完成后让标记位图成为新的存活位图：
// 空间级位图对互换，堆级聚合同步替换指针
func (b *base) swapBitmaps() {
	for _, sp := range b.heap.ContinuousSpaces() {
		if sp.Retention() == space.RetentionNeverCollect {
			continue
		}
		live, mark := sp.LiveBitmap(), sp.MarkBitmap()
		sp.SwapBitmaps()
		b.heap.LiveBitmap().ReplaceBitmap(live, mark)
		b.heap.MarkBitmap().ReplaceBitmap(mark, live)
	}
	los := b.heap.LargeObjects()
	liveSet, markSet := los.LiveObjects(), los.MarkObjects()
	los.SwapSets()
	b.heap.LiveBitmap().ReplaceObjectSet(liveSet, markSet)
	b.heap.MarkBitmap().ReplaceObjectSet(markSet, liveSet)
}

// refScanner 把堆的引用遍历适配成 mod-union 表的只读扫描面
type refScanner struct{ heap Heap }

func (s refScanner) VisitReferences(addr uintptr, fn func(slot, ref uintptr)) {
	s.heap.ScanReferences(addr, func(slot, ref uintptr) uintptr {
		fn(slot, ref)
		return ref
	})
}
