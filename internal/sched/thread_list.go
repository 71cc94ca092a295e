package sched

import (
	"strings"
	"time"

	"go.uber.org/atomic"
)

// ThreadList 进程内全部 mutator 线程的注册表与整体暂停协调者
type ThreadList struct {
	threads []*Thread
	nextID  atomic.Uint64

	// suspendAllHolder 记录 SuspendAll 不可重入
	suspendAllHolder *Thread
}

// NewThreadList 空注册表
func NewThreadList() *ThreadList {
	return &ThreadList{}
}

// Register 登记一个新 mutator 线程，初始为 Runnable
func (l *ThreadList) Register(name string) *Thread {
	t := &Thread{
		id:   l.nextID.Inc(),
		name: name,
		list: l,
	}
	t.stateAndFlags.Store(packStateAndFlags(StateRunnable, 0))
	Locks.ThreadList.Lock()
	if l.suspendAllHolder != nil {
		// 整体暂停进行中，新线程继承未了的暂停计数，
		// 在第一个安全点停靠，ResumeAll 会连它一起恢复
		Locks.SuspendCount.Lock()
		t.ModifySuspendCount(+1, false)
		Locks.SuspendCount.Unlock()
	}
	l.threads = append(l.threads, t)
	Locks.ThreadList.Unlock()
	return t
}

// Unregister 注销线程。有未了的暂停请求先停靠等恢复再退出；
// 带着调试器暂停计数退出是编程错误。
func (l *ThreadList) Unregister(t *Thread) {
	for {
		// 整体暂停的计数增减都在线程表锁内进行，
		// 锁内读到零就不会再有并发的暂停请求落到本线程上
		t.FullSuspendCheck()
		Locks.ThreadList.Lock()
		Locks.SuspendCount.Lock()
		count, debugCount := t.suspendCount, t.debugSuspendCount
		Locks.SuspendCount.Unlock()
		if debugCount != 0 {
			fatalf("thread %q exiting with debug suspend count %d\n%s",
				t.name, debugCount, l.dumpLocked())
			Locks.ThreadList.Unlock()
			return
		}
		if count == 0 {
			break
		}
		Locks.ThreadList.Unlock()
	}
	defer Locks.ThreadList.Unlock()
	for i, cur := range l.threads {
		if cur == t {
			l.threads = append(l.threads[:i], l.threads[i+1:]...)
			break
		}
	}
	t.SetState(StateTerminated)
}

// ForEach 对每个已登记线程调用 fn。持有线程表锁，fn 不得再
// 登记或注销线程
func (l *ThreadList) ForEach(fn func(t *Thread)) {
	Locks.ThreadList.Lock()
	defer Locks.ThreadList.Unlock()
	for _, t := range l.threads {
		fn(t)
	}
}

// Size 已登记线程数
func (l *ThreadList) Size() int {
	Locks.ThreadList.Lock()
	defer Locks.ThreadList.Unlock()
	return len(l.threads)
}

// SuspendAll 暂停除 self 以外的全部线程。
// 对每个线程 +1 暂停计数，然后等所有线程离开 Runnable。
// 协作式：一直不到安全点的计算密集线程会让这里等待，
// 这是收集器设计明示依赖的活性假设。
func (l *ThreadList) SuspendAll(self *Thread) {
	Locks.ThreadList.Lock()
	if l.suspendAllHolder != nil {
		fatalf("SuspendAll is not reentrant: held by %q", l.suspendAllHolder.name)
	}
	l.suspendAllHolder = self

	Locks.SuspendCount.Lock()
	for _, t := range l.threads {
		if t != self {
			t.ModifySuspendCount(+1, false)
		}
	}
	Locks.SuspendCount.Unlock()
	Locks.ThreadList.Unlock()

	// 等所有其他线程停靠
	for {
		allParked := true
		Locks.ThreadList.Lock()
		for _, t := range l.threads {
			if t != self && t.State() == StateRunnable {
				allParked = false
				break
			}
		}
		Locks.ThreadList.Unlock()
		if allParked {
			break
		}
		time.Sleep(10 * time.Microsecond)
	}

	// 全部停靠后收集器独占 mutator 面
	Locks.Mutator.Lock()
}

// ResumeAll 释放 SuspendAll：计数 -1，广播唤醒全部停靠线程
func (l *ThreadList) ResumeAll(self *Thread) {
	Locks.Mutator.Unlock()

	Locks.ThreadList.Lock()
	if l.suspendAllHolder != self {
		fatalf("ResumeAll by %q without a matching SuspendAll", self.name)
	}
	l.suspendAllHolder = nil
	Locks.SuspendCount.Lock()
	for _, t := range l.threads {
		if t != self {
			t.ModifySuspendCount(-1, false)
		}
	}
	resumeCond.Broadcast()
	Locks.SuspendCount.Unlock()
	Locks.ThreadList.Unlock()
}

// Resume 恢复单个线程
func (l *ThreadList) Resume(t *Thread, forDebugger bool) {
	Locks.SuspendCount.Lock()
	t.ModifySuspendCount(-1, forDebugger)
	resumeCond.Broadcast()
	Locks.SuspendCount.Unlock()
}

// Suspend 请求暂停单个线程（不等待停靠）
func (l *ThreadList) Suspend(t *Thread, forDebugger bool) {
	Locks.SuspendCount.Lock()
	t.ModifySuspendCount(+1, forDebugger)
	Locks.SuspendCount.Unlock()
}

// RunCheckpoint 在所有线程上执行 fn：Runnable 线程投递检查点
// 由其自行消化，非 Runnable 线程由请求方代为执行。
// 返回成功投递（含代执行）的线程数。
func (l *ThreadList) RunCheckpoint(fn CheckpointFunc) int {
	Locks.ThreadList.Lock()
	targets := make([]*Thread, len(l.threads))
	copy(targets, l.threads)
	Locks.ThreadList.Unlock()

	count := 0
	var runHere []*Thread
	Locks.SuspendCount.Lock()
	for _, t := range targets {
		if t.RequestCheckpoint(fn) {
			count++
		} else {
			runHere = append(runHere, t)
		}
	}
	Locks.SuspendCount.Unlock()

	// 非 Runnable 的线程不会再跑到安全点，代为执行
	for _, t := range runHere {
		if t.State() != StateTerminated {
			fn(t)
			count++
		}
	}
	return count
}

// Dump 全部线程的诊断文本
func (l *ThreadList) Dump() string {
	Locks.ThreadList.Lock()
	defer Locks.ThreadList.Unlock()
	Locks.SuspendCount.Lock()
	defer Locks.SuspendCount.Unlock()
	return l.dumpLocked()
}

// dumpLocked 调用方已持有所需的锁（或正走在终止路径上）
func (l *ThreadList) dumpLocked() string {
	var b strings.Builder
	b.WriteString("thread list:\n")
	for _, t := range l.threads {
		b.WriteString(t.dumpLine())
		b.WriteByte('\n')
	}
	return b.String()
}
