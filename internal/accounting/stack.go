package accounting

import (
	"sort"

	"go.uber.org/atomic"
)

// ObjectStack 容量固定的对象地址栈。
//
// 分配栈被多个 mutator 并发追加，游标用原子自增；标记栈与存活栈
// 只在收集器内使用。容量耗尽时 PushBack 返回 false，由调用方决定
// 冲刷還是升级 GC。Swap 以 O(1) 交换两个栈的底层存储。
type ObjectStack struct {
	name string
	data []uintptr
	back atomic.Int64
}

// NewObjectStack 创建容量为 capacity 的对象栈
func NewObjectStack(name string, capacity int) *ObjectStack {
	return &ObjectStack{
		name: name,
		data: make([]uintptr, capacity),
	}
}

// Name 返回栈名
func (s *ObjectStack) Name() string { return s.name }

// Capacity 返回容量
func (s *ObjectStack) Capacity() int { return len(s.data) }

// PushBack 追加一个地址，容量耗尽返回 false（追加被回滚）
func (s *ObjectStack) PushBack(addr uintptr) bool {
	idx := s.back.Inc() - 1
	if idx >= int64(len(s.data)) {
		s.back.Dec()
		return false
	}
	s.data[idx] = addr
	return true
}

// PopBack 弹出栈顶，空栈返回 0,false。仅限单线程阶段使用。
func (s *ObjectStack) PopBack() (uintptr, bool) {
	n := s.back.Load()
	if n == 0 {
		return 0, false
	}
	s.back.Store(n - 1)
	return s.data[n-1], true
}

// Size 当前元素个数
func (s *ObjectStack) Size() int {
	return int(s.back.Load())
}

// IsEmpty 是否为空
func (s *ObjectStack) IsEmpty() bool {
	return s.back.Load() == 0
}

// Slice 返回当前内容的视图（惰性前向序列，勿在并发追加时遍历）
func (s *ObjectStack) Slice() []uintptr {
	return s.data[:s.back.Load()]
}

// Sort 就地按地址排序，之后可用 ContainsSorted 做二分查找
func (s *ObjectStack) Sort() {
	view := s.Slice()
	sort.Slice(view, func(i, j int) bool { return view[i] < view[j] })
}

// Contains 线性成员测试
func (s *ObjectStack) Contains(addr uintptr) bool {
	for _, a := range s.Slice() {
		if a == addr {
			return true
		}
	}
	return false
}

// ContainsSorted 二分成员测试，必须先 Sort
func (s *ObjectStack) ContainsSorted(addr uintptr) bool {
	view := s.Slice()
	i := sort.Search(len(view), func(i int) bool { return view[i] >= addr })
	return i < len(view) && view[i] == addr
}

// Resize 扩展容量并保留现有内容。仅限单线程阶段使用。
func (s *ObjectStack) Resize(capacity int) {
	if capacity <= len(s.data) {
		return
	}
	data := make([]uintptr, capacity)
	copy(data, s.data[:s.back.Load()])
	s.data = data
}

// Reset 清空但不释放底层存储
func (s *ObjectStack) Reset() {
	s.back.Store(0)
}

// Swap 以 O(1) 交换两个栈的底层存储与游标
func (s *ObjectStack) Swap(other *ObjectStack) {
	s.data, other.data = other.data, s.data
	n := s.back.Load()
	s.back.Store(other.back.Load())
	other.back.Store(n)
}
