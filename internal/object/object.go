// Package object 定义托管对象的内存布局与类型协作接口。
//
// 对象地址是堆虚拟地址空间中的 uintptr。每个对象以 8 字节头开始：
//
//	+0  classID uint32  类型标识，由外部类型提供者解释
//	+4  length  uint32  引用数组的元素个数，普通对象为 0
//
// GC 元数据（标记位、存活位）不存放在对象头里，由外部位图记账。
package object

// 对齐与头布局常量
const (
	// Alignment 对象槽对齐（字节），位图一位对应一个槽
	Alignment = 8

	// HeaderSize 对象头大小
	HeaderSize = 8

	// WordSize 引用字段大小
	WordSize = 8
)

// AlignUp 向上对齐到对象槽
func AlignUp(n uintptr) uintptr {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// ClassProvider 类型提供者（外部协作者）。
//
// 给定对象头中的 classID，提供对象大小与引用布局，
// 使 GC 能做类型制导的对象图遍历而无需自己的 schema。
type ClassProvider interface {
	// ObjectSize 返回对象总大小（含头），length 为头中的数组长度
	ObjectSize(classID uint32, length uint32) uintptr

	// ReferenceOffsets 返回持有引用的字段偏移（相对对象起始）
	ReferenceOffsets(classID uint32) []uintptr

	// IsReferenceArray 该类型是否为引用数组
	// 引用数组的元素从 HeaderSize 开始，连续 length 个 WordSize 槽
	IsReferenceArray(classID uint32) bool
}

// RootVisitor 根引用访问回调。
// fn 对每个直接可达的根引用调用一次，返回值写回原处
// （移动式收集器借此改写已搬迁对象的根）。
type RootVisitor func(ref uintptr) uintptr

// RootEnumerator 根枚举者（外部执行引擎协作者）。
// 每轮收集都会调用 VisitRoots 遍历线程栈、全局表、外部句柄等根集合。
type RootEnumerator interface {
	VisitRoots(fn RootVisitor)
}

// RootSet 简单的根集合实现，执行引擎未接入时供测试与工具使用
type RootSet struct {
	refs []uintptr
}

// Add 登记一个根引用，返回槽下标
func (s *RootSet) Add(ref uintptr) int {
	s.refs = append(s.refs, ref)
	return len(s.refs) - 1
}

// Set 改写槽位
func (s *RootSet) Set(slot int, ref uintptr) {
	s.refs[slot] = ref
}

// Get 读取槽位
func (s *RootSet) Get(slot int) uintptr {
	return s.refs[slot]
}

// Clear 清空根集合
func (s *RootSet) Clear() {
	s.refs = s.refs[:0]
}

// VisitRoots 实现 RootEnumerator
func (s *RootSet) VisitRoots(fn RootVisitor) {
	for i, ref := range s.refs {
		if ref != 0 {
			s.refs[i] = fn(ref)
		}
	}
}
