// Package sched 实现 mutator 线程的协作式暂停与安全点协调。
//
// 每个线程持有一个原子打包字：高 16 位是执行状态，低 16 位是标志位
// （暂停请求、检查点请求）。暂停永远是协作式的：请求方置位标志，
// 线程在安全点（方法入口、回边、分配慢路径）自行检查并停靠，
// 从不抢占。
package sched

// ThreadState 线程执行状态
type ThreadState uint16

const (
	// StateNew 尚未运行
	StateNew ThreadState = iota
	// StateRunnable 正在执行托管代码，可被请求检查点
	StateRunnable
	// StateSuspended 已在安全点停靠
	StateSuspended
	// StateNative 执行本机代码，视同已暂停
	StateNative
	// StateBlocked 阻塞在锁上
	StateBlocked
	// StateWaiting 一般等待
	StateWaiting
	// StateWaitingForGCToComplete 等待进行中的收集结束
	StateWaitingForGCToComplete
	// StateWaitingPerformingGC 正在执行收集
	StateWaitingPerformingGC
	// StateTerminated 已退出
	StateTerminated
)

func (s ThreadState) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateRunnable:
		return "Runnable"
	case StateSuspended:
		return "Suspended"
	case StateNative:
		return "Native"
	case StateBlocked:
		return "Blocked"
	case StateWaiting:
		return "Waiting"
	case StateWaitingForGCToComplete:
		return "WaitingForGcToComplete"
	case StateWaitingPerformingGC:
		return "WaitingPerformingGc"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// 打包字的标志位（低 16 位）
const (
	flagSuspendRequest    uint32 = 1 << 0
	flagCheckpointRequest uint32 = 1 << 1
	flagMask              uint32 = 0xFFFF
)

// packStateAndFlags 状态与标志打包为一个 32 位字
func packStateAndFlags(state ThreadState, flags uint32) uint32 {
	return uint32(state)<<16 | flags&flagMask
}

func stateOf(word uint32) ThreadState {
	return ThreadState(word >> 16)
}

func flagsOf(word uint32) uint32 {
	return word & flagMask
}
