package space

import (
	"go.uber.org/atomic"

	"github.com/tangzhangming/aster/internal/mem"
	"github.com/tangzhangming/aster/internal/object"
)

// BumpPointerSpace 指针碰撞空间。
//
// 分配只是原子地推进游标，从不回收单个对象；整个空间在
// 半空间复制或收集器转换时整体清空。TLAB 从同一游标整块切出，
// 线程在私有块内分配时不需要任何跨线程同步。
type BumpPointerSpace struct {
	continuousSpace

	cursor  atomic.Uint64 // 相对 Begin 的分配游标
	objects atomic.Int64  // 已分配对象数（含 TLAB 内的由线程累计上报）
}

// NewBumpPointerSpace 创建容量为 capacity 的指针碰撞空间，起始于虚拟地址 begin
func NewBumpPointerSpace(name string, begin, capacity uintptr) (*BumpPointerSpace, error) {
	m, err := mem.MapAnonymous(name, capacity)
	if err != nil {
		return nil, err
	}
	s := &BumpPointerSpace{
		continuousSpace: newContinuousSpace(name, RetentionAlwaysCollect, begin, m.Data(), m),
	}
	return s, nil
}

// End 当前分配末端
func (s *BumpPointerSpace) End() uintptr {
	return s.begin + uintptr(s.cursor.Load())
}

// Alloc 原子推进游标分配 size 字节
func (s *BumpPointerSpace) Alloc(size uintptr) (uintptr, uintptr, bool) {
	aligned := object.AlignUp(size)
	for {
		old := s.cursor.Load()
		next := old + uint64(aligned)
		if next > uint64(s.capacity) {
			return 0, 0, false
		}
		if s.cursor.CompareAndSwap(old, next) {
			s.objects.Inc()
			return s.begin + uintptr(old), aligned, true
		}
	}
}

// AllocBlock 为 TLAB 整块切出 size 字节，返回块的 [start, end)
func (s *BumpPointerSpace) AllocBlock(size uintptr) (start, end uintptr, ok bool) {
	aligned := object.AlignUp(size)
	for {
		old := s.cursor.Load()
		next := old + uint64(aligned)
		if next > uint64(s.capacity) {
			return 0, 0, false
		}
		if s.cursor.CompareAndSwap(old, next) {
			return s.begin + uintptr(old), s.begin + uintptr(next), true
		}
	}
}

// RecordObjects TLAB 内分配的对象数由线程在安全点上报
func (s *BumpPointerSpace) RecordObjects(n int64) {
	s.objects.Add(n)
}

// Free 指针碰撞空间不支持单对象回收
func (s *BumpPointerSpace) Free(addr uintptr) uintptr {
	return 0
}

// BytesAllocated 账面已分配字节
func (s *BumpPointerSpace) BytesAllocated() uintptr {
	return uintptr(s.cursor.Load())
}

// ObjectsAllocated 账面对象数
func (s *BumpPointerSpace) ObjectsAllocated() int64 {
	return s.objects.Load()
}

// IsEmpty 空间是否没有任何分配
func (s *BumpPointerSpace) IsEmpty() bool {
	return s.cursor.Load() == 0
}

// Reset 整体清空：游标归零、位图清空、内容清零。
// 只能在无 mutator 持有空间内地址时调用（STW 或收集器交换之后）。
func (s *BumpPointerSpace) Reset() {
	clear(s.bytes[:s.cursor.Load()])
	s.cursor.Store(0)
	s.objects.Store(0)
	s.live.Reset()
	s.mark.Reset()
}
