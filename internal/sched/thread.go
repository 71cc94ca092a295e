package sched

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/tangzhangming/aster/internal/object"
)

// maxCheckpoints 每线程同时挂起的检查点上限
const maxCheckpoints = 3

// CheckpointFunc 在目标线程的安全点上执行的函数
type CheckpointFunc func(t *Thread)

// Thread 一个 mutator 线程的暂停状态机。
//
// stateAndFlags 是唯一的热路径字段：状态迁移与标志检查都在它上面
// CAS，慢路径（计数、槽位、停靠）才碰锁。
type Thread struct {
	id   uint64
	name string

	stateAndFlags atomic.Uint32

	// 由 Locks.SuspendCount 保护
	suspendCount      int32
	debugSuspendCount int32
	checkpoints       [maxCheckpoints]CheckpointFunc

	list *ThreadList

	// TLAB：从指针碰撞空间整块切出的线程私有分配区
	tlabPos     uintptr
	tlabEnd     uintptr
	tlabObjects int64
}

// ID 线程标识
func (t *Thread) ID() uint64 { return t.id }

// Name 线程名
func (t *Thread) Name() string { return t.name }

// State 当前执行状态
func (t *Thread) State() ThreadState {
	return stateOf(t.stateAndFlags.Load())
}

// IsSuspended 线程是否已离开 Runnable 且带着暂停请求
func (t *Thread) IsSuspended() bool {
	word := t.stateAndFlags.Load()
	return stateOf(word) != StateRunnable && flagsOf(word)&flagSuspendRequest != 0
}

// SuspendCount 当前暂停计数。调用方持有 Locks.SuspendCount。
func (t *Thread) SuspendCount() int32 {
	return t.suspendCount
}

// DebugSuspendCount 归属调试器的暂停计数。调用方持有 Locks.SuspendCount。
func (t *Thread) DebugSuspendCount() int32 {
	return t.debugSuspendCount
}

// ModifySuspendCount 增减暂停计数并同步标志位。
// delta 为 ±1，或调试器批量恢复时的负值。调用方持有 Locks.SuspendCount。
// 把计数推到负数是调用方的编程错误：先转储全部线程再终止。
func (t *Thread) ModifySuspendCount(delta int32, forDebugger bool) {
	if t.suspendCount+delta < 0 {
		dump := "<no thread list>"
		if t.list != nil {
			dump = t.list.dumpLocked()
		}
		fatalf("suspend count underflow on thread %q: count=%d delta=%d\n%s",
			t.name, t.suspendCount, delta, dump)
		return
	}
	t.suspendCount += delta
	if forDebugger {
		t.debugSuspendCount += delta
	}
	if t.suspendCount < t.debugSuspendCount {
		fatalf("suspend count %d fell below debug suspend count %d on thread %q",
			t.suspendCount, t.debugSuspendCount, t.name)
		return
	}
	// 标志位必须精确跟随 count>0
	for {
		old := t.stateAndFlags.Load()
		var next uint32
		if t.suspendCount > 0 {
			next = old | flagSuspendRequest
		} else {
			next = old &^ flagSuspendRequest
		}
		if next == old || t.stateAndFlags.CompareAndSwap(old, next) {
			return
		}
	}
}

// RequestCheckpoint 向 Runnable 线程投递检查点。
// 槽位安装与标志置位在同一个 CAS 窗口内完成：CAS 失败（线程并发
// 变更了状态）就回滚槽位并报告失败，绝不半途生效。
// 调用方持有 Locks.SuspendCount。
func (t *Thread) RequestCheckpoint(fn CheckpointFunc) bool {
	old := t.stateAndFlags.Load()
	if stateOf(old) != StateRunnable {
		return false
	}
	slot := -1
	for i := range t.checkpoints {
		if t.checkpoints[i] == nil {
			t.checkpoints[i] = fn
			slot = i
			break
		}
	}
	if slot < 0 {
		return false
	}
	if !t.stateAndFlags.CompareAndSwap(old, old|flagCheckpointRequest) {
		t.checkpoints[slot] = nil
		return false
	}
	return true
}

// runCheckpoints 在本线程上执行并清空全部挂起的检查点
func (t *Thread) runCheckpoints() {
	Locks.SuspendCount.Lock()
	var fns [maxCheckpoints]CheckpointFunc
	for i := range t.checkpoints {
		fns[i] = t.checkpoints[i]
		t.checkpoints[i] = nil
	}
	for {
		old := t.stateAndFlags.Load()
		next := old &^ flagCheckpointRequest
		if next == old || t.stateAndFlags.CompareAndSwap(old, next) {
			break
		}
	}
	Locks.SuspendCount.Unlock()

	for _, fn := range fns {
		if fn != nil {
			fn(t)
		}
	}
}

// TransitionFromRunnableToSuspended 离开 Runnable。
// 先消化挂起的检查点，再 CAS 切换状态（保留暂停请求标志）。
func (t *Thread) TransitionFromRunnableToSuspended(newState ThreadState) {
	if newState == StateRunnable {
		fatalf("cannot transition thread %q from runnable to runnable", t.name)
		return
	}
	for {
		old := t.stateAndFlags.Load()
		if stateOf(old) != StateRunnable {
			fatalf("thread %q not runnable in transition to %v (state %v)",
				t.name, newState, stateOf(old))
			return
		}
		if flagsOf(old)&flagCheckpointRequest != 0 {
			t.runCheckpoints()
			continue
		}
		if t.stateAndFlags.CompareAndSwap(old, packStateAndFlags(newState, flagsOf(old))) {
			return
		}
	}
}

// TransitionFromSuspendedToRunnable 回到 Runnable。
// 只要暂停请求还在就停靠在条件变量上，请求方清零计数并广播后继续。
func (t *Thread) TransitionFromSuspendedToRunnable() {
	for {
		old := t.stateAndFlags.Load()
		if stateOf(old) == StateRunnable {
			fatalf("thread %q already runnable", t.name)
			return
		}
		if flagsOf(old)&flagSuspendRequest != 0 {
			Locks.SuspendCount.Lock()
			for flagsOf(t.stateAndFlags.Load())&flagSuspendRequest != 0 {
				resumeCond.Wait()
			}
			Locks.SuspendCount.Unlock()
			continue
		}
		if t.stateAndFlags.CompareAndSwap(old, packStateAndFlags(StateRunnable, flagsOf(old))) {
			return
		}
	}
}

// SetState 非 Runnable 状态间的直接切换（Blocked↔Waiting 等）
func (t *Thread) SetState(newState ThreadState) {
	for {
		old := t.stateAndFlags.Load()
		if t.stateAndFlags.CompareAndSwap(old, packStateAndFlags(newState, flagsOf(old))) {
			return
		}
	}
}

// FullSuspendCheck 安全点：有暂停或检查点请求就走一轮完整的
// 离开-回归流程，没有就立即返回。
func (t *Thread) FullSuspendCheck() {
	if flagsOf(t.stateAndFlags.Load()) == 0 {
		return
	}
	t.TransitionFromRunnableToSuspended(StateSuspended)
	t.TransitionFromSuspendedToRunnable()
}

// ==============================================
// TLAB
// ==============================================

// SetTLAB 安装新的线程私有分配块 [start, end)
func (t *Thread) SetTLAB(start, end uintptr) {
	t.tlabPos = start
	t.tlabEnd = end
	t.tlabObjects = 0
}

// AllocTLAB 在私有块内推进分配，无需任何跨线程同步
func (t *Thread) AllocTLAB(size uintptr) (uintptr, bool) {
	aligned := object.AlignUp(size)
	if t.tlabPos+aligned > t.tlabEnd {
		return 0, false
	}
	addr := t.tlabPos
	t.tlabPos += aligned
	t.tlabObjects++
	return addr, true
}

// TLABRemaining 私有块剩余字节
func (t *Thread) TLABRemaining() uintptr {
	return t.tlabEnd - t.tlabPos
}

// TakeTLABObjects 取走并清零私有块内的对象计数（上报给空间）
func (t *Thread) TakeTLABObjects() int64 {
	n := t.tlabObjects
	t.tlabObjects = 0
	return n
}

// dumpLine 单线程诊断行。调用方持有 Locks.SuspendCount。
func (t *Thread) dumpLine() string {
	word := t.stateAndFlags.Load()
	return fmt.Sprintf("  %q tid=%d state=%v suspend=%d debug=%d flags=%#x",
		t.name, t.id, stateOf(word), t.suspendCount, t.debugSuspendCount, flagsOf(word))
}
