// Package heap 实现堆编排器：持有全部空间、位图、卡表与对象栈，
// 决定何时以何种力度运行哪个收集器，管理足迹增长策略，并对外
// 暴露分配入口。
//
// 地址模型：堆在一段虚拟地址区间内给各空间划分互不重叠的地址带，
// 对象地址是带内的 uintptr，地址到底层字节的换算是 addr-空间Begin。
package heap

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/aster/internal/accounting"
	"github.com/tangzhangming/aster/internal/collector"
	"github.com/tangzhangming/aster/internal/config"
	"github.com/tangzhangming/aster/internal/object"
	"github.com/tangzhangming/aster/internal/sched"
	"github.com/tangzhangming/aster/internal/space"
)

// 堆虚拟地址区间从这里开始划分
const heapBegin uintptr = 0x10000000

// 分配栈/存活栈容量（条目数）
const allocStackCapacity = 256 * 1024

// 并发收集触发余量的钳位（字节）
const (
	minConcurrentRemaining uintptr = 128 << 10
	maxConcurrentRemaining uintptr = 512 << 10
)

// AllocatorKind 当前分配器种类，变更时通知入口点钩子
type AllocatorKind int

const (
	// AllocatorFreeList 空闲链表分配（标记-清扫配置）
	AllocatorFreeList AllocatorKind = iota
	// AllocatorBumpPointer 指针碰撞 + TLAB（复制收集配置）
	AllocatorBumpPointer
)

func (k AllocatorKind) String() string {
	switch k {
	case AllocatorFreeList:
		return "free-list"
	case AllocatorBumpPointer:
		return "bump-pointer"
	default:
		return "unknown"
	}
}

// Heap 堆编排器
type Heap struct {
	log     *zap.Logger
	cfg     *config.Config
	classes object.ClassProvider
	roots   object.RootEnumerator
	threads *sched.ThreadList
	pool    *WorkerPool

	// ==============================================
	// 空间
	// ==============================================

	// continuous 全部连续空间，按起始地址升序，互不重叠
	continuous []space.ContinuousSpace
	los        *space.LargeObjectSpace
	image      *space.ImageSpace
	main       *space.FreeListSpace
	zygote     *space.FreeListSpace
	bump1      *space.BumpPointerSpace
	bump2      *space.BumpPointerSpace
	fromSpace  collector.MovableSpace // 当前分配目标
	allocator  AllocatorKind

	addrCursor uintptr // 下一个空间的起始地址

	// ==============================================
	// 记账
	// ==============================================

	liveBitmap *accounting.HeapBitmap
	markBitmap *accounting.HeapBitmap
	cardTable  *accounting.CardTable
	modUnion   map[space.ContinuousSpace]*accounting.ModUnionTable

	allocStack *accounting.ObjectStack
	liveStack  *accounting.ObjectStack

	bytesAllocated   atomic.Uint64
	objectsAllocated atomic.Uint64
	nativeBytes      atomic.Int64

	// ==============================================
	// GC 调度状态
	// ==============================================

	collectors    []collector.GarbageCollector
	collectorType collector.CollectorType
	plan          []collector.GcType

	gcCompleteCond  *sync.Cond // 以 sched.Locks.GCComplete 为底
	gcRunning       bool
	gcCause         string
	lastGcType      collector.GcType
	nextGcType      collector.GcType
	disableMovingGC int

	footprint            atomic.Uint64
	concurrentStartBytes atomic.Uint64
	lastGcEnd            time.Time
	bytesAllocAtLastGc   uint64

	// careAboutPauseTimes 前台进程的暂停会被用户感知
	careAboutPauseTimes atomic.Bool

	totalGcTime   atomic.Duration
	gcCount       atomic.Int64
	totalObjsFreed atomic.Int64
	totalBytesFreed atomic.Uint64

	entryPointHook func(AllocatorKind)

	// 引用对象登记与清空回调
	refMu          sync.Mutex
	refs           map[uintptr]RefKind
	clearedList    []uintptr
	clearedHandler func(cleared []uintptr)

	daemonTrigger chan struct{}
	daemonStop    chan struct{}
	daemonDone    chan struct{}
}

// New 构建堆：划分地址带、建空间、建卡表与位图、装配收集器，
// 并启动后台并发收集守护线程
func New(cfg *config.Config, classes object.ClassProvider, roots object.RootEnumerator, log *zap.Logger) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Heap{
		log:        log.Named("heap"),
		cfg:        cfg,
		classes:    classes,
		roots:      roots,
		threads:    sched.NewThreadList(),
		pool:       NewWorkerPool(cfg.GC.Workers),
		modUnion:   make(map[space.ContinuousSpace]*accounting.ModUnionTable),
		liveBitmap: accounting.NewHeapBitmap(),
		markBitmap: accounting.NewHeapBitmap(),
		allocStack: accounting.NewObjectStack("allocation stack", allocStackCapacity),
		liveStack:  accounting.NewObjectStack("live stack", allocStackCapacity),
		refs:       make(map[uintptr]RefKind),
		addrCursor: heapBegin,
		nextGcType: collector.GcTypeSticky,
		lastGcEnd:  time.Now(),

		daemonTrigger: make(chan struct{}, 1),
		daemonStop:    make(chan struct{}),
		daemonDone:    make(chan struct{}),
	}
	h.gcCompleteCond = sync.NewCond(sched.Locks.GCComplete)

	growthLimit := uintptr(cfg.Heap.GrowthLimit)

	// 镜像空间放在最前
	if cfg.Heap.ImagePath != "" {
		img, err := space.LoadImageSpace("boot image", cfg.Heap.ImagePath, h.addrCursor, classes)
		if err != nil {
			return nil, fmt.Errorf("failed to load boot image: %w", err)
		}
		h.image = img
		h.addContinuousSpace(img)
		h.addrCursor = img.Limit()
	}

	// 主分配空间（空闲链表）
	main, err := space.NewFreeListSpace("main alloc space", h.addrCursor,
		uintptr(cfg.Heap.InitialSize), growthLimit)
	if err != nil {
		return nil, err
	}
	h.main = main
	h.addContinuousSpace(main)
	h.addrCursor = main.Limit()

	// 大对象空间只占地址带，映射按对象建立
	h.los = space.NewLargeObjectSpace("large object space", h.addrCursor, uintptr(cfg.Heap.Capacity))
	h.addrCursor = h.los.End()
	h.liveBitmap.AddObjectSet(h.los.LiveObjects())
	h.markBitmap.AddObjectSet(h.los.MarkObjects())

	// 半空间按需建，地址带此刻就预留好
	switch cfg.GC.Collector {
	case "cms":
		h.collectorType = collector.CollectorTypeMarkSweep
		h.plan = []collector.GcType{collector.GcTypeSticky, collector.GcTypePartial, collector.GcTypeFull}
		h.allocator = AllocatorFreeList
		h.fromSpace = main
	case "ss", "gss":
		if cfg.GC.Collector == "ss" {
			h.collectorType = collector.CollectorTypeSemiSpace
		} else {
			h.collectorType = collector.CollectorTypeGenerationalSemiSpace
		}
		h.plan = []collector.GcType{collector.GcTypeFull}
		h.allocator = AllocatorBumpPointer
		if err := h.ensureSemiSpaces(); err != nil {
			return nil, err
		}
		h.fromSpace = h.bump1
	}

	// 卡表覆盖整个已划分的地址区间，半空间懒建时的地址带也预留进去
	h.cardTable = accounting.NewCardTable(heapBegin, h.addrCursor+2*growthLimit-heapBegin)

	if h.image != nil {
		img := h.image
		h.modUnion[img] = accounting.NewModUnionTable("image mod-union table",
			h.cardTable, img.Begin(), img.Limit(),
			func() *accounting.SpaceBitmap { return img.LiveBitmap() })
	}

	h.footprint.Store(uint64(cfg.Heap.InitialSize))
	h.updateConcurrentStartBytes(0)
	h.careAboutPauseTimes.Store(true) // 进程默认按前台对待

	// 收集器装配：标记-清扫三档 ×（并发，非并发）+ 两个复制收集器
	for _, t := range []collector.GcType{collector.GcTypeSticky, collector.GcTypePartial, collector.GcTypeFull} {
		h.collectors = append(h.collectors, collector.NewMarkSweep(h, log, t, false))
		if cfg.GC.Concurrent {
			h.collectors = append(h.collectors, collector.NewMarkSweep(h, log, t, true))
		}
	}
	h.collectors = append(h.collectors,
		collector.NewSemiSpace(h, log, false),
		collector.NewSemiSpace(h, log, true))

	go h.concurrentGCDaemon()
	return h, nil
}

// ensureSemiSpaces 懒建两个指针碰撞半空间
func (h *Heap) ensureSemiSpaces() error {
	if h.bump1 != nil {
		return nil
	}
	growthLimit := uintptr(h.cfg.Heap.GrowthLimit)
	b1, err := space.NewBumpPointerSpace("bump space 1", h.addrCursor, growthLimit)
	if err != nil {
		return err
	}
	h.addrCursor = b1.Limit()
	b2, err := space.NewBumpPointerSpace("bump space 2", h.addrCursor, growthLimit)
	if err != nil {
		return err
	}
	h.addrCursor = b2.Limit()
	h.bump1, h.bump2 = b1, b2
	h.addContinuousSpace(b1)
	h.addContinuousSpace(b2)
	return nil
}

// addContinuousSpace 登记连续空间：保持按起始地址升序且互不重叠
// 的划分不变量，位图并入堆级聚合。结构变更独占位图锁。
func (h *Heap) addContinuousSpace(sp space.ContinuousSpace) {
	sched.Locks.HeapBitmap.Lock()
	defer sched.Locks.HeapBitmap.Unlock()
	for _, cur := range h.continuous {
		if sp.Begin() < cur.Limit() && cur.Begin() < sp.Limit() {
			fatalf("space %q [%#x,%#x) overlaps %q [%#x,%#x)",
				sp.Name(), sp.Begin(), sp.Limit(), cur.Name(), cur.Begin(), cur.Limit())
		}
	}
	h.continuous = append(h.continuous, sp)
	sort.Slice(h.continuous, func(i, j int) bool {
		return h.continuous[i].Begin() < h.continuous[j].Begin()
	})
	h.liveBitmap.AddBitmap(sp.LiveBitmap())
	h.markBitmap.AddBitmap(sp.MarkBitmap())
}

// removeContinuousSpace 移除连续空间并撤掉它的位图
func (h *Heap) removeContinuousSpace(sp space.ContinuousSpace) {
	sched.Locks.HeapBitmap.Lock()
	defer sched.Locks.HeapBitmap.Unlock()
	for i, cur := range h.continuous {
		if cur == sp {
			h.continuous = append(h.continuous[:i], h.continuous[i+1:]...)
			break
		}
	}
	h.liveBitmap.RemoveBitmap(sp.LiveBitmap())
	h.markBitmap.RemoveBitmap(sp.MarkBitmap())
}

// findContinuousSpace 二分定位地址所属的连续空间
func (h *Heap) findContinuousSpace(addr uintptr) space.ContinuousSpace {
	sched.Locks.HeapBitmap.RLock()
	defer sched.Locks.HeapBitmap.RUnlock()
	spaces := h.continuous
	i := sort.Search(len(spaces), func(i int) bool { return spaces[i].Begin() > addr })
	if i == 0 {
		return nil
	}
	if sp := spaces[i-1]; sp.Contains(addr) {
		return sp
	}
	return nil
}

// ==============================================
// 收集器消费的堆能力面（collector.Heap）
// ==============================================

// ContinuousSpaces 按起始地址升序的全部连续空间
func (h *Heap) ContinuousSpaces() []space.ContinuousSpace {
	sched.Locks.HeapBitmap.RLock()
	defer sched.Locks.HeapBitmap.RUnlock()
	out := make([]space.ContinuousSpace, len(h.continuous))
	copy(out, h.continuous)
	return out
}

// LargeObjects 大对象空间
func (h *Heap) LargeObjects() *space.LargeObjectSpace { return h.los }

// LiveBitmap 堆级存活位图聚合
func (h *Heap) LiveBitmap() *accounting.HeapBitmap { return h.liveBitmap }

// MarkBitmap 堆级标记位图聚合
func (h *Heap) MarkBitmap() *accounting.HeapBitmap { return h.markBitmap }

// CardTable 进程卡表
func (h *Heap) CardTable() *accounting.CardTable { return h.cardTable }

// ModUnionTableFor 空间的 mod-union 表
func (h *Heap) ModUnionTableFor(sp space.ContinuousSpace) *accounting.ModUnionTable {
	return h.modUnion[sp]
}

// ProcessCards 按空间并行：有 mod-union 表的把脏卡拉进表里，
// 其余空间的脏卡老化，让收集器能区分"本轮扫描前弄脏"与
// "扫描期间弄脏"
func (h *Heap) ProcessCards() {
	var tasks []func()
	for _, sp := range h.ContinuousSpaces() {
		sp := sp
		if table := h.modUnion[sp]; table != nil {
			tasks = append(tasks, table.ClearCards)
		} else {
			tasks = append(tasks, func() {
				h.cardTable.ModifyCardsAtomic(sp.Begin(), sp.End(), accounting.AgeCard, nil)
			})
		}
	}
	h.pool.Run(tasks)
}

// SwapStacks 分配栈与存活栈交换底层存储
func (h *Heap) SwapStacks() {
	h.allocStack.Swap(h.liveStack)
}

// LiveStack 存活栈
func (h *Heap) LiveStack() *accounting.ObjectStack { return h.liveStack }

// MarkAllocStackAsLive 把栈中对象落入各自空间的存活位图，
// 此后"收集开始前是否存活"的查询全走位图
func (h *Heap) MarkAllocStackAsLive(stack *accounting.ObjectStack) {
	for _, addr := range stack.Slice() {
		h.liveBitmap.Set(addr)
	}
}

// HasZygote 是否已经历 zygote 分裂
func (h *Heap) HasZygote() bool { return h.zygote != nil }

// Threads 线程注册表
func (h *Heap) Threads() *sched.ThreadList { return h.threads }

// VisitRoots 枚举根引用，回调返回值写回原处
func (h *Heap) VisitRoots(fn object.RootVisitor) {
	h.roots.VisitRoots(fn)
}

// VisitReferences 类型制导地遍历对象全部引用槽，回调返回的
// 新引用直接写回（不触发写屏障，收集器专用）
func (h *Heap) VisitReferences(obj uintptr, fn func(slot, ref uintptr) uintptr) {
	h.visitSlots(obj, 0, fn)
}

// ScanReferences 标记用的遍历：登记过的引用对象跳过指称槽，
// 指称对象是否存活由 ProcessReferences 裁决
func (h *Heap) ScanReferences(obj uintptr, fn func(slot, ref uintptr) uintptr) {
	var skip uintptr
	h.refMu.Lock()
	if _, ok := h.refs[obj]; ok {
		skip = h.referentSlot(obj)
	}
	h.refMu.Unlock()
	h.visitSlots(obj, skip, fn)
}

func (h *Heap) visitSlots(obj uintptr, skip uintptr, fn func(slot, ref uintptr) uintptr) {
	classID, length := h.header(obj)
	var offsets []uintptr
	if h.classes.IsReferenceArray(classID) {
		for i := uint32(0); i < length; i++ {
			offsets = append(offsets, object.HeaderSize+uintptr(i)*object.WordSize)
		}
	} else {
		offsets = h.classes.ReferenceOffsets(classID)
	}
	for _, off := range offsets {
		slot := obj + off
		if slot == skip {
			continue
		}
		ref := h.loadWord(slot)
		if next := fn(slot, ref); next != ref {
			h.storeWord(slot, next)
		}
	}
}

// ObjectSize 对象总大小（含头）
func (h *Heap) ObjectSize(obj uintptr) uintptr {
	classID, length := h.header(obj)
	return h.classes.ObjectSize(classID, length)
}

// CopyObject 跨空间按字节搬移对象
func (h *Heap) CopyObject(dst, src, size uintptr) {
	dstData, dstBase, ok := h.resolveBytes(dst)
	if !ok {
		fatalf("copy destination %#x outside the heap", dst)
	}
	srcData, srcBase, ok := h.resolveBytes(src)
	if !ok {
		fatalf("copy source %#x outside the heap", src)
	}
	copy(dstData[dst-dstBase:dst-dstBase+size], srcData[src-srcBase:src-srcBase+size])
}

// RecordFree 收集产出记账
func (h *Heap) RecordFree(objects int64, bytes uintptr) {
	h.objectsAllocated.Sub(uint64(objects))
	h.bytesAllocated.Sub(uint64(bytes))
	h.totalObjsFreed.Add(objects)
	h.totalBytesFreed.Add(uint64(bytes))
}

// ==============================================
// 地址解析与对象访问
// ==============================================

// resolveBytes 地址到底层字节切片与空间基址
func (h *Heap) resolveBytes(addr uintptr) ([]byte, uintptr, bool) {
	if sp := h.findContinuousSpace(addr); sp != nil {
		return sp.Bytes(), sp.Begin(), true
	}
	return h.los.Data(addr)
}

func (h *Heap) header(obj uintptr) (classID, length uint32) {
	data, base, ok := h.resolveBytes(obj)
	if !ok {
		fatalf("object %#x outside the heap", obj)
		return 0, 0
	}
	return space.ReadHeader(data, obj-base)
}

func (h *Heap) loadWord(slot uintptr) uintptr {
	data, base, ok := h.resolveBytes(slot)
	if !ok {
		fatalf("load from %#x outside the heap", slot)
		return 0
	}
	off := slot - base
	return uintptr(binary.LittleEndian.Uint64(data[off : off+object.WordSize]))
}

func (h *Heap) storeWord(slot uintptr, val uintptr) {
	data, base, ok := h.resolveBytes(slot)
	if !ok {
		fatalf("store to %#x outside the heap", slot)
		return
	}
	off := slot - base
	binary.LittleEndian.PutUint64(data[off:off+object.WordSize], uint64(val))
}

// LoadRef 读取对象引用字段
func (h *Heap) LoadRef(slot uintptr) uintptr {
	return h.loadWord(slot)
}

// StoreRef 写对象引用字段并执行写屏障：存储引用的卡必须在
// 下一次依赖它的收集器扫描之前弄脏
func (h *Heap) StoreRef(slot uintptr, ref uintptr) {
	h.storeWord(slot, ref)
	if ref != 0 {
		h.cardTable.MarkCard(slot)
	}
}

// LoadField / StoreField 非引用字段的访问（不走写屏障）
func (h *Heap) LoadField(slot uintptr) uint64 {
	return uint64(h.loadWord(slot))
}

func (h *Heap) StoreField(slot uintptr, val uint64) {
	h.storeWord(slot, uintptr(val))
}

// IsLiveObject 对象在当前存活视图里吗（位图、对象集或分配栈）
func (h *Heap) IsLiveObject(addr uintptr) bool {
	if h.liveBitmap.Test(addr) {
		return true
	}
	return h.allocStack.Contains(addr) || h.liveStack.Contains(addr)
}

// SetEntryPointHook 分配器种类变更时的入口点通知
func (h *Heap) SetEntryPointHook(fn func(AllocatorKind)) {
	h.entryPointHook = fn
}

// ProcessState 宿主进程的前后台状态
type ProcessState int

const (
	// ProcessStateJankPerceptible 前台，收集暂停会被用户感知
	ProcessStateJankPerceptible ProcessState = iota
	// ProcessStateJankImperceptible 后台，暂停无感
	ProcessStateJankImperceptible
)

// UpdateProcessState 进程切换前后台时调用。后台进程不再为长暂停
// 记警告，调用方也宜在此后 Trim 归还空闲页
func (h *Heap) UpdateProcessState(state ProcessState) {
	h.careAboutPauseTimes.Store(state == ProcessStateJankPerceptible)
}

func (h *Heap) changeAllocator(kind AllocatorKind) {
	if h.allocator == kind {
		return
	}
	h.allocator = kind
	if h.entryPointHook != nil {
		h.entryPointHook(kind)
	}
}

// Shutdown 停掉后台守护线程与工作线程池
func (h *Heap) Shutdown() {
	close(h.daemonStop)
	<-h.daemonDone
	h.pool.Stop()
}

// fatalf 堆损坏等不可恢复错误的终止路径，测试可替换
var fatalf = func(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
