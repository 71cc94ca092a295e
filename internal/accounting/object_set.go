package accounting

import (
	"sort"
	"sync"
)

// ObjectSet 非连续空间的对象集合。
// 大对象太稀疏，稠密位图不划算，改用显式集合做成员测试。
type ObjectSet struct {
	mu   sync.RWMutex
	name string
	objs map[uintptr]struct{}
}

// NewObjectSet 创建空集合
func NewObjectSet(name string) *ObjectSet {
	return &ObjectSet{
		name: name,
		objs: make(map[uintptr]struct{}),
	}
}

// Name 返回集合名
func (s *ObjectSet) Name() string { return s.name }

// Set 加入集合，返回之前是否已在集合中
func (s *ObjectSet) Set(addr uintptr) bool {
	s.mu.Lock()
	_, ok := s.objs[addr]
	s.objs[addr] = struct{}{}
	s.mu.Unlock()
	return ok
}

// Clear 从集合移除
func (s *ObjectSet) Clear(addr uintptr) {
	s.mu.Lock()
	delete(s.objs, addr)
	s.mu.Unlock()
}

// Test 成员测试
func (s *ObjectSet) Test(addr uintptr) bool {
	s.mu.RLock()
	_, ok := s.objs[addr]
	s.mu.RUnlock()
	return ok
}

// Size 集合大小
func (s *ObjectSet) Size() int {
	s.mu.RLock()
	n := len(s.objs)
	s.mu.RUnlock()
	return n
}

// Walk 按地址升序访问所有成员
func (s *ObjectSet) Walk(fn func(addr uintptr)) {
	for _, addr := range s.Sorted() {
		fn(addr)
	}
}

// Sorted 返回升序成员快照
func (s *ObjectSet) Sorted() []uintptr {
	s.mu.RLock()
	addrs := make([]uintptr, 0, len(s.objs))
	for a := range s.objs {
		addrs = append(addrs, a)
	}
	s.mu.RUnlock()
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Reset 清空集合
func (s *ObjectSet) Reset() {
	s.mu.Lock()
	s.objs = make(map[uintptr]struct{})
	s.mu.Unlock()
}

// CopyFrom 用另一集合的内容覆盖本集合
func (s *ObjectSet) CopyFrom(other *ObjectSet) {
	snapshot := other.Sorted()
	s.mu.Lock()
	s.objs = make(map[uintptr]struct{}, len(snapshot))
	for _, a := range snapshot {
		s.objs[a] = struct{}{}
	}
	s.mu.Unlock()
}
