package sched

import (
	"fmt"
	"sync"
)

// Locks 进程级锁注册表，层级从外到内：
//
//	Mutator > HeapBitmap > ThreadList > SuspendCount
//
// 持内层锁时不得再取外层锁。
var Locks = struct {
	// Mutator 收集器独占 / mutator 共享的互斥面。
	// 移动空间、改写空间布局前必须独占持有。
	Mutator *sync.RWMutex

	// HeapBitmap 位图与空间列表的结构锁：
	// 增删空间独占，日常标记/分配共享。
	HeapBitmap *sync.RWMutex

	// ThreadList 线程注册表
	ThreadList *sync.Mutex

	// SuspendCount 暂停计数与检查点槽位
	SuspendCount *sync.Mutex

	// GCComplete 收集完成通知（配合 Heap 的完成条件变量）
	GCComplete *sync.Mutex
}{
	Mutator:      &sync.RWMutex{},
	HeapBitmap:   &sync.RWMutex{},
	ThreadList:   &sync.Mutex{},
	SuspendCount: &sync.Mutex{},
	GCComplete:   &sync.Mutex{},
}

// resumeCond 被暂停的线程停靠在这里，ResumeAll 广播唤醒
var resumeCond = sync.NewCond(Locks.SuspendCount)

// fatalf 不可恢复错误的终止路径，测试可替换
var fatalf = func(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
