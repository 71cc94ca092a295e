package sched

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// withFatalCapture 把终止路径换成记录，返回捕获到的消息
func withFatalCapture(t *testing.T, fn func()) string {
	t.Helper()
	var captured string
	old := fatalf
	fatalf = func(format string, args ...any) {
		captured = format
		panic("fatal")
	}
	defer func() { fatalf = old }()
	func() {
		defer func() { recover() }()
		fn()
	}()
	return captured
}

func TestStatePacking(t *testing.T) {
	word := packStateAndFlags(StateSuspended, flagSuspendRequest)
	if stateOf(word) != StateSuspended {
		t.Errorf("expected Suspended, got %v", stateOf(word))
	}
	if flagsOf(word) != flagSuspendRequest {
		t.Errorf("expected suspend flag, got %#x", flagsOf(word))
	}
}

func TestSuspendCountTracksFlag(t *testing.T) {
	l := NewThreadList()
	mt := l.Register("main")
	defer l.Unregister(mt)

	Locks.SuspendCount.Lock()
	mt.ModifySuspendCount(+1, false)
	Locks.SuspendCount.Unlock()

	if flagsOf(mt.stateAndFlags.Load())&flagSuspendRequest == 0 {
		t.Error("suspend flag should be set while count > 0")
	}

	Locks.SuspendCount.Lock()
	mt.ModifySuspendCount(+1, true)
	mt.ModifySuspendCount(-1, true)
	if mt.SuspendCount() != 1 {
		t.Errorf("expected count 1, got %d", mt.SuspendCount())
	}
	if mt.DebugSuspendCount() != 0 {
		t.Errorf("expected debug count 0, got %d", mt.DebugSuspendCount())
	}
	mt.ModifySuspendCount(-1, false)
	Locks.SuspendCount.Unlock()

	if flagsOf(mt.stateAndFlags.Load())&flagSuspendRequest != 0 {
		t.Error("suspend flag should clear when count returns to 0")
	}
}

func TestSuspendCountUnderflowIsFatal(t *testing.T) {
	l := NewThreadList()
	mt := l.Register("main")

	msg := withFatalCapture(t, func() {
		Locks.SuspendCount.Lock()
		defer Locks.SuspendCount.Unlock()
		mt.ModifySuspendCount(-1, false)
	})
	if !strings.Contains(msg, "underflow") {
		t.Errorf("underflow should hit the fatal path, got %q", msg)
	}
	if mt.SuspendCount() != 0 {
		t.Errorf("count should be untouched after the aborted decrement, got %d", mt.SuspendCount())
	}
}

// 暂停请求 + 检查点请求的组合行为
func TestCheckpointOnRunnableAndSuspended(t *testing.T) {
	l := NewThreadList()
	mt := l.Register("main")
	worker := l.Register("worker")

	// Runnable 且带暂停请求的线程仍可投递检查点
	Locks.SuspendCount.Lock()
	worker.ModifySuspendCount(+1, false)
	ran := false
	if !worker.RequestCheckpoint(func(*Thread) { ran = true }) {
		t.Error("checkpoint against a runnable thread should succeed")
	}
	Locks.SuspendCount.Unlock()

	// 线程在安全点消化检查点并停靠
	done := make(chan struct{})
	go func() {
		worker.FullSuspendCheck()
		close(done)
	}()
	time.Sleep(time.Millisecond)
	l.Resume(worker, false)
	<-done
	if !ran {
		t.Error("pending checkpoint should run at the safepoint")
	}

	// 已停靠的线程拒绝检查点，且无副作用
	worker.TransitionFromRunnableToSuspended(StateSuspended)
	Locks.SuspendCount.Lock()
	if worker.RequestCheckpoint(func(*Thread) {}) {
		t.Error("checkpoint against a suspended thread should fail")
	}
	for i, fn := range worker.checkpoints {
		if fn != nil {
			t.Errorf("slot %d should be rolled back after the failed request", i)
		}
	}
	Locks.SuspendCount.Unlock()
	if flagsOf(worker.stateAndFlags.Load())&flagCheckpointRequest != 0 {
		t.Error("checkpoint flag should not be set after the failed request")
	}
	worker.TransitionFromSuspendedToRunnable()

	l.Unregister(worker)
	l.Unregister(mt)
}

// 需要 -race 验证整体暂停与恢复
func TestSuspendAllParksEveryWorker(t *testing.T) {
	l := NewThreadList()
	coordinator := l.Register("coordinator")
	coordinator.TransitionFromRunnableToSuspended(StateWaitingPerformingGC)

	const workers = 4
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		th := l.Register("worker")
		go func(th *Thread) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					l.Unregister(th)
					return
				default:
				}
				th.FullSuspendCheck()
			}
		}(th)
	}

	l.SuspendAll(coordinator)
	Locks.ThreadList.Lock()
	for _, th := range l.threads {
		if th != coordinator && th.State() == StateRunnable {
			t.Errorf("thread %q still runnable during stop-the-world", th.name)
		}
	}
	Locks.ThreadList.Unlock()
	l.ResumeAll(coordinator)

	close(stop)
	wg.Wait()
	coordinator.TransitionFromSuspendedToRunnable()
	l.Unregister(coordinator)
}

func TestRunCheckpointCoversAllThreads(t *testing.T) {
	l := NewThreadList()
	mt := l.Register("main")
	parked := l.Register("parked")
	parked.TransitionFromRunnableToSuspended(StateNative)

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	n := l.RunCheckpoint(func(th *Thread) {
		mu.Lock()
		seen[th.ID()] = true
		mu.Unlock()
	})
	if n != 2 {
		t.Errorf("expected checkpoint delivered to 2 threads, got %d", n)
	}
	// parked 线程由请求方代为执行；main 自己在安全点消化
	mt.FullSuspendCheck()
	mu.Lock()
	if !seen[parked.ID()] || !seen[mt.ID()] {
		t.Errorf("checkpoint should cover both threads, saw %v", seen)
	}
	mu.Unlock()

	parked.TransitionFromSuspendedToRunnable()
	l.Unregister(parked)
	l.Unregister(mt)
}

func TestTLABAllocation(t *testing.T) {
	l := NewThreadList()
	mt := l.Register("main")
	defer l.Unregister(mt)

	mt.SetTLAB(0x1000, 0x1100)
	a1, ok := mt.AllocTLAB(30)
	if !ok || a1 != 0x1000 {
		t.Fatalf("first TLAB alloc should start at block begin, got %#x ok=%v", a1, ok)
	}
	a2, ok := mt.AllocTLAB(32)
	if !ok || a2 != 0x1020 {
		t.Errorf("second alloc should follow the aligned first, got %#x", a2)
	}
	if mt.TLABRemaining() != 0x100-64 {
		t.Errorf("expected %d bytes remaining, got %d", 0x100-64, mt.TLABRemaining())
	}
	if _, ok := mt.AllocTLAB(4096); ok {
		t.Error("alloc past the block end should fail")
	}
	if mt.TakeTLABObjects() != 2 {
		t.Error("expected 2 objects reported from the block")
	}
}

func TestDumpListsEveryThread(t *testing.T) {
	l := NewThreadList()
	a := l.Register("dump-a")
	b := l.Register("dump-b")
	out := l.Dump()
	if !strings.Contains(out, "dump-a") || !strings.Contains(out, "dump-b") {
		t.Errorf("dump should name every registered thread:\n%s", out)
	}
	l.Unregister(a)
	l.Unregister(b)
}
