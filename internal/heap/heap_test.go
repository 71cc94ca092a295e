package heap

import (
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/aster/internal/collector"
	"github.com/tangzhangming/aster/internal/config"
	"github.com/tangzhangming/aster/internal/object"
	"github.com/tangzhangming/aster/internal/sched"
)

// 测试类型布局：
//   classNode 64 字节，引用槽在 +8 和 +16
//   classLeaf 16 字节，无引用
//   classBlob 头 + length 字节，分配大对象用
const (
	classNode uint32 = 1
	classLeaf uint32 = 2
	classBlob uint32 = 3
)

type testClasses struct{}

func (testClasses) ObjectSize(classID uint32, length uint32) uintptr {
	switch classID {
	case classNode:
		return 64
	case classBlob:
		return object.HeaderSize + uintptr(length)
	default:
		return 16
	}
}

func (testClasses) ReferenceOffsets(classID uint32) []uintptr {
	if classID == classNode {
		return []uintptr{8, 16}
	}
	return nil
}

func (testClasses) IsReferenceArray(classID uint32) bool { return false }

func newTestHeap(t *testing.T, mutate func(*config.Config)) (*Heap, *object.RootSet, *sched.Thread) {
	t.Helper()
	cfg := config.Default()
	cfg.GC.Concurrent = false
	cfg.Heap.ImagePath = ""
	if mutate != nil {
		mutate(cfg)
	}
	roots := &object.RootSet{}
	h, err := New(cfg, testClasses{}, roots, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	self := h.Threads().Register("test main")
	t.Cleanup(func() {
		h.Threads().Unregister(self)
		h.Shutdown()
	})
	return h, roots, self
}

func TestAllocateWritesHeaderAndTracksBytes(t *testing.T) {
	h, roots, self := newTestHeap(t, nil)
	addr, err := h.Allocate(self, classNode, 0)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	roots.Add(addr)
	if got := h.ObjectSize(addr); got != 64 {
		t.Errorf("allocated object reports size %d, want 64", got)
	}
	if h.BytesAllocated() < 64 {
		t.Errorf("BytesAllocated %d should cover the allocation", h.BytesAllocated())
	}
	if h.ObjectsAllocated() != 1 {
		t.Errorf("ObjectsAllocated = %d, want 1", h.ObjectsAllocated())
	}
}

func TestStoreRefDirtiesCard(t *testing.T) {
	h, roots, self := newTestHeap(t, nil)
	a, _ := h.Allocate(self, classNode, 0)
	b, _ := h.Allocate(self, classNode, 0)
	roots.Add(a)
	h.StoreRef(a+8, b)
	if h.LoadRef(a+8) != b {
		t.Fatalf("stored reference does not read back")
	}
	if !h.CardTable().IsDirty(a + 8) {
		t.Error("reference store must dirty the card holding the slot")
	}
}

func TestAutomaticCollectionKeepsHeapWithinLimit(t *testing.T) {
	h, _, self := newTestHeap(t, func(c *config.Config) {
		c.Heap.InitialSize = 16 << 20
		c.Heap.GrowthLimit = 16 << 20
		c.Heap.Capacity = 16 << 20
		c.GC.TargetUtilization = 0.5
	})
	const limit = 16 << 20
	var total uintptr
	for total < 15<<20 {
		if _, err := h.Allocate(self, classLeaf, 0); err != nil {
			t.Fatalf("allocation failed after %d bytes: %v", total, err)
		}
		total += 16
		if ba := h.BytesAllocated(); ba > limit {
			t.Fatalf("BytesAllocated %d exceeded the growth limit", ba)
		}
	}
	if h.GcCount() == 0 {
		t.Error("allocating 15MB of garbage should have triggered at least one collection")
	}
}

func TestUnreachableObjectReclaimedAfterReferenceCleared(t *testing.T) {
	h, roots, self := newTestHeap(t, nil)
	a, _ := h.Allocate(self, classNode, 0)
	b, _ := h.Allocate(self, classNode, 0)
	roots.Add(a)
	h.StoreRef(a+8, b)

	h.CollectGarbage(self, collector.GcTypeFull, "test", false)
	if got := h.ObjectsAllocated(); got != 2 {
		t.Fatalf("both objects are reachable, want 2 remaining, got %d", got)
	}

	h.StoreRef(a+8, 0)
	h.CollectGarbage(self, collector.GcTypeFull, "test", false)
	if got := h.ObjectsAllocated(); got != 1 {
		t.Errorf("clearing the only reference should reclaim the target, want 1 remaining, got %d", got)
	}
	if h.LoadRef(a+8) != 0 {
		t.Error("surviving object's cleared slot should stay nil")
	}
}

func TestStickyCollectionReclaimsYoungGarbage(t *testing.T) {
	h, roots, self := newTestHeap(t, nil)
	keep, _ := h.Allocate(self, classNode, 0)
	roots.Add(keep)
	h.CollectGarbage(self, collector.GcTypeFull, "test", false)

	// 上轮收集之后的新分配，全部不可达
	for i := 0; i < 100; i++ {
		if _, err := h.Allocate(self, classLeaf, 0); err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
	}
	before := h.ObjectsAllocated()
	h.CollectGarbage(self, collector.GcTypeSticky, "test", false)
	after := h.ObjectsAllocated()
	if after >= before {
		t.Errorf("sticky collection should reclaim young garbage, had %d objects, still %d", before, after)
	}
	if after < 1 {
		t.Error("rooted object must survive a sticky collection")
	}
}

func TestOldToYoungReferenceSurvivesStickyCollection(t *testing.T) {
	h, roots, self := newTestHeap(t, nil)
	old, _ := h.Allocate(self, classNode, 0)
	roots.Add(old)
	h.CollectGarbage(self, collector.GcTypeFull, "test", false)

	// 老对象持有收集后才分配的新对象，唯一的引用路径走写屏障
	young, _ := h.Allocate(self, classNode, 0)
	h.StoreRef(old+8, young)
	h.CollectGarbage(self, collector.GcTypeSticky, "test", false)

	if h.LoadRef(old+8) != young {
		t.Fatal("old-to-young reference lost across a sticky collection")
	}
	if got := h.ObjectsAllocated(); got != 2 {
		t.Errorf("young object referenced from an old object must survive, want 2 objects, got %d", got)
	}
}

func TestLargeObjectAllocationAndReclaim(t *testing.T) {
	h, roots, self := newTestHeap(t, nil)
	size := uint32(h.cfg.Heap.LargeObjectThreshold)
	big, err := h.Allocate(self, classBlob, size)
	if err != nil {
		t.Fatalf("large allocation failed: %v", err)
	}
	if !h.los.Contains(big) {
		t.Fatal("oversized allocation should land in the large object space")
	}
	slot := roots.Add(big)
	h.CollectGarbage(self, collector.GcTypeFull, "test", false)
	if h.los.ObjectsAllocated() != 1 {
		t.Fatal("rooted large object must survive")
	}
	roots.Set(slot, 0)
	h.CollectGarbage(self, collector.GcTypeFull, "test", false)
	if h.los.ObjectsAllocated() != 0 {
		t.Error("unreachable large object should be reclaimed")
	}
}

func TestOutOfMemoryAfterFullCollection(t *testing.T) {
	h, roots, self := newTestHeap(t, func(c *config.Config) {
		c.Heap.InitialSize = 1 << 20
		c.Heap.GrowthLimit = 1 << 20
		c.Heap.Capacity = 1 << 20
	})
	var lastErr error
	for i := 0; i < 1<<20/16+16; i++ {
		addr, err := h.Allocate(self, classLeaf, 0)
		if err != nil {
			lastErr = err
			break
		}
		roots.Add(addr)
	}
	if lastErr == nil {
		t.Fatal("filling the heap with reachable objects should eventually fail")
	}
	var oom *OutOfMemoryError
	if !errors.As(lastErr, &oom) {
		t.Fatalf("want OutOfMemoryError, got %T: %v", lastErr, lastErr)
	}
	if !strings.Contains(oom.Error(), "out of memory") {
		t.Errorf("unexpected error text: %v", oom)
	}
	if h.GcCount() == 0 {
		t.Error("an OutOfMemoryError must only be reported after collecting")
	}
}

func TestSoftReferenceClearedOnlyUnderPressure(t *testing.T) {
	h, roots, self := newTestHeap(t, nil)
	ref, _ := h.Allocate(self, classNode, 0)
	target, _ := h.Allocate(self, classNode, 0)
	roots.Add(ref)
	h.StoreRef(ref+8, target)
	h.RegisterReference(ref, RefSoft)

	var cleared []uintptr
	h.SetClearedReferenceHandler(func(c []uintptr) { cleared = append(cleared, c...) })

	h.CollectGarbage(self, collector.GcTypeFull, "test", false)
	if h.LoadRef(ref+8) != target {
		t.Fatal("soft referent must be preserved when not clearing soft references")
	}

	h.CollectGarbage(self, collector.GcTypeFull, "test", true)
	if h.LoadRef(ref+8) != 0 {
		t.Fatal("soft referent must be cleared by a soft-clearing collection")
	}
	if len(cleared) != 1 || cleared[0] != ref {
		t.Errorf("cleared reference should be handed to the handler, got %v", cleared)
	}
}

func TestWeakReferenceClearedWhenUnreachable(t *testing.T) {
	h, roots, self := newTestHeap(t, nil)
	ref, _ := h.Allocate(self, classNode, 0)
	target, _ := h.Allocate(self, classNode, 0)
	roots.Add(ref)
	h.StoreRef(ref+8, target)
	h.RegisterReference(ref, RefWeak)

	h.CollectGarbage(self, collector.GcTypeFull, "test", false)
	if h.LoadRef(ref+8) != 0 {
		t.Error("weak referent with no strong path must be cleared")
	}

	// 强可达的指称对象保留
	ref2, _ := h.Allocate(self, classNode, 0)
	target2, _ := h.Allocate(self, classNode, 0)
	roots.Add(ref2)
	roots.Add(target2)
	h.StoreRef(ref2+8, target2)
	h.RegisterReference(ref2, RefWeak)
	h.CollectGarbage(self, collector.GcTypeFull, "test", false)
	if h.LoadRef(ref2+8) != target2 {
		t.Error("weak referent with a strong path must be kept")
	}
}

func TestPreZygoteForkRetiresUsedPrefix(t *testing.T) {
	h, roots, self := newTestHeap(t, nil)
	for i := 0; i < 32; i++ {
		addr, _ := h.Allocate(self, classNode, 0)
		roots.Add(addr)
	}
	h.PreZygoteFork(self)
	if !h.HasZygote() {
		t.Fatal("PreZygoteFork should create the zygote space")
	}
	// 老对象都落在退役空间里，新分配进新空间
	if !h.zygote.Contains(roots.Get(0)) {
		t.Error("pre-fork objects should live in the zygote space")
	}
	addr, err := h.Allocate(self, classNode, 0)
	if err != nil {
		t.Fatalf("post-fork allocation failed: %v", err)
	}
	if h.zygote.Contains(addr) {
		t.Error("post-fork allocations must not land in the retired zygote space")
	}
	// 再跑一轮 partial：zygote 空间豁免扫描但对象保持可达
	h.CollectGarbage(self, collector.GcTypePartial, "test", false)
	if !h.liveBitmap.Test(roots.Get(0)) {
		t.Error("zygote object should stay live across a partial collection")
	}
	h.PreZygoteFork(self) // 第二次调用是空操作
}

func TestPreZygoteForkCollectsBeforeRetiring(t *testing.T) {
	h, roots, self := newTestHeap(t, nil)
	const live = 16
	for i := 0; i < live; i++ {
		addr, _ := h.Allocate(self, classNode, 0)
		roots.Add(addr)
		// 穿插的垃圾不能跟着进共享空间
		if _, err := h.Allocate(self, classLeaf, 0); err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
	}

	h.PreZygoteFork(self)
	if !h.HasZygote() {
		t.Fatal("PreZygoteFork should create the zygote space")
	}
	if got := h.zygote.ObjectsAllocated(); got != live {
		t.Errorf("zygote retired %d objects, want only the %d live ones", got, live)
	}
	if got := h.zygote.BytesAllocated(); got != live*64 {
		t.Errorf("zygote retired %d bytes, want %d", got, live*64)
	}
}

func TestPreForkCompactionPacksLiveObjects(t *testing.T) {
	h, roots, self := newTestHeap(t, func(c *config.Config) {
		c.GC.Collector = "ss"
	})
	const n = 1000
	payload := make([]uintptr, n)
	for i := 0; i < n; i++ {
		live, err := h.Allocate(self, classNode, 0)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		h.StoreField(live+24, uint64(i))
		roots.Add(live)
		payload[i] = live
		// 穿插的小对象立刻变成垃圾
		if _, err := h.Allocate(self, classLeaf, 0); err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
	}

	h.PreZygoteFork(self)
	if !h.HasZygote() {
		t.Fatal("PreZygoteFork should create the zygote space")
	}

	const liveBytes = n * 64
	const originalBytes = n * (64 + 16)
	if got := h.zygote.Capacity(); got > liveBytes+4096 {
		t.Errorf("compacted zygote capacity %d exceeds live bytes %d plus slack", got, liveBytes)
	}
	if got := h.zygote.Capacity(); got >= originalBytes {
		t.Errorf("compacted zygote capacity %d should be below the gap-inclusive size %d", got, originalBytes)
	}
	for i := 0; i < n; i++ {
		moved := roots.Get(i)
		if !h.zygote.Contains(moved) {
			t.Fatalf("object %d not relocated into the zygote space", i)
		}
		if got := h.LoadField(moved + 24); got != uint64(i) {
			t.Fatalf("object %d payload corrupted by the move: got %d", i, got)
		}
	}
}

func TestSemiSpaceForwardsReferentsStoredIntoZygote(t *testing.T) {
	h, roots, self := newTestHeap(t, nil)
	zy, _ := h.Allocate(self, classNode, 0)
	roots.Add(zy)
	h.PreZygoteFork(self)
	if err := h.TransitionCollector(self, collector.CollectorTypeSemiSpace); err != nil {
		t.Fatalf("transition to semi-space failed: %v", err)
	}

	// fork 之后才存进 zygote 对象的引用只有脏卡知道，
	// 复制收集必须经由 mod-union 表看见并转发它
	young, _ := h.Allocate(self, classNode, 0)
	h.StoreField(young+24, 77)
	zy = roots.Get(0)
	h.StoreRef(zy+8, young)

	h.CollectGarbage(self, collector.GcTypeFull, "test", false)

	moved := h.LoadRef(roots.Get(0) + 8)
	if moved == 0 {
		t.Fatal("zygote-held referent lost by the copying collection")
	}
	if got := h.LoadField(moved + 24); got != 77 {
		t.Fatalf("zygote-held referent payload = %d, want 77", got)
	}
}

func TestCollectorTransitionMovesLiveObjects(t *testing.T) {
	h, roots, self := newTestHeap(t, nil)
	a, _ := h.Allocate(self, classNode, 0)
	b, _ := h.Allocate(self, classNode, 0)
	roots.Add(a)
	h.StoreRef(a+8, b)
	h.StoreField(b+24, 77)

	if err := h.TransitionCollector(self, collector.CollectorTypeSemiSpace); err != nil {
		t.Fatalf("transition to semi-space failed: %v", err)
	}
	movedA := roots.Get(0)
	movedB := h.LoadRef(movedA + 8)
	if movedB == 0 {
		t.Fatal("object graph broken by the transition")
	}
	if h.LoadField(movedB+24) != 77 {
		t.Fatal("payload corrupted by the transition")
	}
	if !h.bump1.Contains(movedA) {
		t.Error("after the transition objects should live in a bump pointer space")
	}

	// 复制收集配置下的完整收集会交换半空间
	c, _ := h.Allocate(self, classLeaf, 0)
	_ = c
	h.CollectGarbage(self, collector.GcTypeFull, "test", false)
	if h.LoadField(h.LoadRef(roots.Get(0)+8)+24) != 77 {
		t.Error("payload corrupted by a copying collection")
	}

	if err := h.TransitionCollector(self, collector.CollectorTypeMarkSweep); err != nil {
		t.Fatalf("transition back to mark-sweep failed: %v", err)
	}
	if !h.main.Contains(roots.Get(0)) {
		t.Error("after transitioning back objects should live in the free-list space")
	}
	if h.LoadField(h.LoadRef(roots.Get(0)+8)+24) != 77 {
		t.Error("payload corrupted by the reverse transition")
	}
}

func TestDisableMovingGCBlocksTransition(t *testing.T) {
	h, _, self := newTestHeap(t, nil)
	h.DisableMovingGC()
	if err := h.TransitionCollector(self, collector.CollectorTypeSemiSpace); !errors.Is(err, ErrMovingGCDisabled) {
		t.Fatalf("transition while pinned should fail with ErrMovingGCDisabled, got %v", err)
	}
	h.EnableMovingGC()
	if err := h.TransitionCollector(self, collector.CollectorTypeSemiSpace); err != nil {
		t.Fatalf("transition after unpinning failed: %v", err)
	}
}

func TestOverlappingSpaceIsFatal(t *testing.T) {
	h, _, _ := newTestHeap(t, nil)
	defer func(old func(string, ...any)) { fatalf = old }(fatalf)
	var msg string
	fatalf = func(format string, args ...any) { msg = format; panic("fatal") }
	defer func() {
		if recover() == nil {
			t.Fatal("registering an overlapping space must be fatal")
		}
		if !strings.Contains(msg, "overlaps") {
			t.Errorf("fatal message should name the overlap, got %q", msg)
		}
	}()
	h.addContinuousSpace(h.main)
}

func TestGrowthPolicyEscalatesAfterTightStickyCollection(t *testing.T) {
	h, _, _ := newTestHeap(t, nil)

	h.bytesAllocated.Store(1 << 20)
	h.footprint.Store(64 << 20)
	h.growForUtilization(collector.Result{Type: collector.GcTypeSticky})
	if h.nextGcType != collector.GcTypeSticky {
		t.Errorf("roomy heap after sticky collection should stay sticky, got %s", h.nextGcType)
	}

	h.footprint.Store(1<<20 + 1)
	h.growForUtilization(collector.Result{Type: collector.GcTypeSticky})
	if h.nextGcType == collector.GcTypeSticky {
		t.Error("tight heap after sticky collection must escalate")
	}

	h.growForUtilization(collector.Result{Type: collector.GcTypeFull})
	if h.nextGcType != collector.GcTypeSticky {
		t.Error("a full collection resets the next cycle to sticky")
	}
	fp := h.footprint.Load()
	ba := h.bytesAllocated.Load()
	if fp < ba+uint64(h.cfg.GC.MinFree) || fp > ba+uint64(h.cfg.GC.MaxFree) {
		t.Errorf("footprint %d outside [allocated+minFree, allocated+maxFree]", fp)
	}
}

func TestConcurrentStartBytesClampedProjection(t *testing.T) {
	h, _, _ := newTestHeap(t, func(c *config.Config) {
		c.GC.Concurrent = true
	})
	h.footprint.Store(32 << 20)

	// 无分配速率样本：用最大提前量
	h.lastGcEnd = time.Now().Add(-time.Second)
	h.bytesAllocAtLastGc = h.bytesAllocated.Load()
	h.updateConcurrentStartBytes(0)
	if got := h.concurrentStartBytes.Load(); got != 32<<20-uint64(maxConcurrentRemaining) {
		t.Errorf("idle projection should use the maximum margin, got %d", got)
	}

	// 低速率长样本：钳到最小提前量
	h.updateConcurrentStartBytes(time.Microsecond)
	if got := h.concurrentStartBytes.Load(); got != 32<<20-uint64(minConcurrentRemaining) {
		t.Errorf("near-zero rate should clamp to the minimum margin, got %d", got)
	}
}

func TestConcurrentMarkSweepReclaimsGarbage(t *testing.T) {
	h, roots, self := newTestHeap(t, func(c *config.Config) {
		c.GC.Concurrent = true
	})
	keep, _ := h.Allocate(self, classNode, 0)
	roots.Add(keep)
	for i := 0; i < 50; i++ {
		if _, err := h.Allocate(self, classLeaf, 0); err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
	}
	before := h.ObjectsAllocated()
	h.CollectGarbage(self, collector.GcTypeFull, "test", false)
	if after := h.ObjectsAllocated(); after != before-50 {
		t.Errorf("concurrent collection should reclaim the 50 unreachable objects, had %d, got %d", before, after)
	}
	if h.LoadRef(keep+8) != 0 {
		t.Error("surviving object corrupted by a concurrent collection")
	}
}

func TestBackgroundDaemonRunsRequestedCollection(t *testing.T) {
	h, _, self := newTestHeap(t, func(c *config.Config) {
		c.GC.Concurrent = true
	})
	if _, err := h.Allocate(self, classLeaf, 0); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	h.RequestConcurrentGC()
	deadline := time.Now().Add(5 * time.Second)
	for h.GcCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("background daemon did not run the requested collection")
		}
		// 守护线程的整体暂停依赖这里按时到达安全点
		self.FullSuspendCheck()
		time.Sleep(time.Millisecond)
	}
}

func TestNativeAllocationAccounting(t *testing.T) {
	h, _, _ := newTestHeap(t, nil)
	h.RegisterNativeAllocation(4096)
	if err := h.RegisterNativeFree(1024); err != nil {
		t.Fatalf("balanced native free failed: %v", err)
	}
	if h.NativeBytesAllocated() != 3072 {
		t.Errorf("native bytes = %d, want 3072", h.NativeBytesAllocated())
	}
	if err := h.RegisterNativeFree(1 << 30); err == nil {
		t.Error("freeing more native memory than registered must error")
	}
}

func TestDumpsNameEverySpace(t *testing.T) {
	h, _, self := newTestHeap(t, nil)
	if _, err := h.Allocate(self, classLeaf, 0); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	dump := h.DumpSpaces()
	for _, want := range []string{"main alloc space", "large object space", "bytes allocated"} {
		if !strings.Contains(dump, want) {
			t.Errorf("space dump missing %q:\n%s", want, dump)
		}
	}
	h.CollectGarbage(self, collector.GcTypeFull, "test", false)
	perf := h.DumpGCPerformanceInfo()
	if !strings.Contains(perf, "mark-sweep") {
		t.Errorf("performance dump should name the collector that ran:\n%s", perf)
	}
}

func TestFinalizerReferenceResurrectsReferentOnce(t *testing.T) {
	h, roots, self := newTestHeap(t, nil)
	ref, _ := h.Allocate(self, classNode, 0)
	target, _ := h.Allocate(self, classNode, 0)
	roots.Add(ref)
	h.StoreRef(ref+8, target)
	h.RegisterReference(ref, RefFinalizer)

	var enqueued []uintptr
	h.SetClearedReferenceHandler(func(cleared []uintptr) {
		enqueued = append(enqueued, cleared...)
	})

	// 第一轮：指称对象被救活交终结器，槽位不清
	h.CollectGarbage(self, collector.GcTypeFull, "test", false)
	if h.LoadRef(ref+8) != target {
		t.Fatal("finalizable referent must survive the collection that enqueues it")
	}
	if len(enqueued) != 1 || enqueued[0] != ref {
		t.Fatalf("enqueued = %#v, want exactly the finalizer reference %#x", enqueued, ref)
	}
	if !h.IsLiveObject(target) {
		t.Error("resurrected referent should be live")
	}

	// 第二轮：登记已撤销，指称对象照常回收，不再通知
	before := h.ObjectsAllocated()
	h.StoreRef(ref+8, 0)
	h.CollectGarbage(self, collector.GcTypeFull, "test", false)
	if h.ObjectsAllocated() >= before {
		t.Errorf("objects allocated %d did not drop below %d after the referent died", h.ObjectsAllocated(), before)
	}
	if len(enqueued) != 1 {
		t.Errorf("finalizer reference notified %d times, want once", len(enqueued))
	}
}

func TestProcessStateControlsPauseWarnings(t *testing.T) {
	h, _, _ := newTestHeap(t, nil)
	if !h.careAboutPauseTimes.Load() {
		t.Fatal("a fresh heap should treat the process as foreground")
	}
	h.UpdateProcessState(ProcessStateJankImperceptible)
	if h.careAboutPauseTimes.Load() {
		t.Error("background process should not care about pause times")
	}
	h.UpdateProcessState(ProcessStateJankPerceptible)
	if !h.careAboutPauseTimes.Load() {
		t.Error("foreground process should care about pause times")
	}
}

func TestPreZygoteForkResetsCollectorStats(t *testing.T) {
	h, roots, self := newTestHeap(t, nil)
	addr, _ := h.Allocate(self, classNode, 0)
	roots.Add(addr)
	h.CollectGarbage(self, collector.GcTypeFull, "test", false)
	if !strings.Contains(h.DumpGCPerformanceInfo(), "runs") {
		t.Fatal("a completed collection should show up in the performance dump")
	}
	h.PreZygoteFork(self)
	if strings.Contains(h.DumpGCPerformanceInfo(), "runs") {
		t.Error("pre-fork should reset cumulative collector stats")
	}
}
