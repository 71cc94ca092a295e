package space

import (
	"sort"
	"sync"

	"github.com/tangzhangming/aster/internal/accounting"
	"github.com/tangzhangming/aster/internal/mem"
	"github.com/tangzhangming/aster/internal/object"
)

// largeAlloc 单个大对象的独立映射
type largeAlloc struct {
	mapping *mem.Mapping
	size    uintptr
}

// LargeObjectSpace 大对象空间。
//
// 每个对象一块独立的匿名映射，空间只占一段虚拟地址带，
// 存活状态记在精确对象集合里而不是位图。
type LargeObjectSpace struct {
	name  string
	begin uintptr
	end   uintptr // 虚拟带上限

	mu     sync.Mutex
	allocs map[uintptr]*largeAlloc
	bases  []uintptr // 已分配地址，升序，用于内部指针解析
	cursor uintptr   // 虚拟带内的下一个分配位置

	live *accounting.ObjectSet
	mark *accounting.ObjectSet

	allocated uintptr
	objects   int64
}

// largeObjectGap 虚拟带内相邻预留之间的空隙。独立映射彼此不相邻，
// 对象末尾再加一的指针不能落进下一个对象的基址
const largeObjectGap = 4096

// NewLargeObjectSpace 创建大对象空间，占用 [begin, begin+capacity) 虚拟地址带
func NewLargeObjectSpace(name string, begin, capacity uintptr) *LargeObjectSpace {
	return &LargeObjectSpace{
		name:   name,
		begin:  begin,
		end:    begin + capacity,
		allocs: make(map[uintptr]*largeAlloc),
		live:   accounting.NewObjectSet(name + " live objects"),
		mark:   accounting.NewObjectSet(name + " mark objects"),
	}
}

func (s *LargeObjectSpace) Name() string                 { return s.name }
func (s *LargeObjectSpace) IsContinuous() bool           { return false }
func (s *LargeObjectSpace) Begin() uintptr               { return s.begin }
func (s *LargeObjectSpace) End() uintptr                 { return s.end }
func (s *LargeObjectSpace) Retention() GCRetentionPolicy { return RetentionAlwaysCollect }

// LiveObjects 存活对象集合
func (s *LargeObjectSpace) LiveObjects() *accounting.ObjectSet { return s.live }

// MarkObjects 标记对象集合
func (s *LargeObjectSpace) MarkObjects() *accounting.ObjectSet { return s.mark }

// SwapSets 交换存活/标记集合（回收阶段收尾）
func (s *LargeObjectSpace) SwapSets() {
	s.mu.Lock()
	s.live, s.mark = s.mark, s.live
	s.mu.Unlock()
}

// Alloc 为对象申请独立映射
func (s *LargeObjectSpace) Alloc(size uintptr) (uintptr, uintptr, bool) {
	aligned := object.AlignUp(size)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.begin+s.cursor+aligned > s.end {
		return 0, 0, false
	}
	m, err := mem.MapAnonymous(s.name+" object", aligned)
	if err != nil {
		return 0, 0, false
	}
	addr := s.begin + s.cursor
	s.cursor += aligned + largeObjectGap
	s.allocs[addr] = &largeAlloc{mapping: m, size: aligned}
	i := sort.Search(len(s.bases), func(i int) bool { return s.bases[i] > addr })
	s.bases = append(s.bases, 0)
	copy(s.bases[i+1:], s.bases[i:])
	s.bases[i] = addr
	s.allocated += aligned
	s.objects++
	return addr, aligned, true
}

// Free 释放单个大对象，归还映射
func (s *LargeObjectSpace) Free(addr uintptr) uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocs[addr]
	if !ok {
		return 0
	}
	a.mapping.Release()
	delete(s.allocs, addr)
	i := sort.Search(len(s.bases), func(i int) bool { return s.bases[i] >= addr })
	if i < len(s.bases) && s.bases[i] == addr {
		s.bases = append(s.bases[:i], s.bases[i+1:]...)
	}
	s.allocated -= a.size
	s.objects--
	return a.size
}

// Contains 精确判断地址是否落在某个已分配对象内
func (s *LargeObjectSpace) Contains(addr uintptr) bool {
	_, _, ok := s.resolve(addr)
	return ok
}

// Data 返回地址所属对象的字节序列及对象基址
func (s *LargeObjectSpace) Data(addr uintptr) ([]byte, uintptr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base, a, ok := s.resolveLocked(addr)
	if !ok {
		return nil, 0, false
	}
	return a.mapping.Data(), base, true
}

func (s *LargeObjectSpace) resolve(addr uintptr) (uintptr, *largeAlloc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(addr)
}

// resolveLocked 二分定位不大于 addr 的最大基址。调用方持有 s.mu。
func (s *LargeObjectSpace) resolveLocked(addr uintptr) (uintptr, *largeAlloc, bool) {
	i := sort.Search(len(s.bases), func(i int) bool { return s.bases[i] > addr })
	if i == 0 {
		return 0, nil, false
	}
	base := s.bases[i-1]
	a := s.allocs[base]
	if addr >= base+a.size {
		return 0, nil, false
	}
	return base, a, true
}

// AllocationSize 查询某对象的分配大小
func (s *LargeObjectSpace) AllocationSize(addr uintptr) uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.allocs[addr]; ok {
		return a.size
	}
	return 0
}

// BytesAllocated 账面已分配字节
func (s *LargeObjectSpace) BytesAllocated() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocated
}

// ObjectsAllocated 账面对象数
func (s *LargeObjectSpace) ObjectsAllocated() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects
}

// Sweep 释放 live 中有而 mark 中没有的对象，返回释放的对象数和字节数。
// swap=false 用于 sticky 回收后补扫新生对象。
func (s *LargeObjectSpace) Sweep(swapSets bool) (int64, uintptr) {
	var dead []uintptr
	s.live.Walk(func(addr uintptr) {
		if !s.mark.Test(addr) {
			dead = append(dead, addr)
		}
	})
	var objs int64
	var bytes uintptr
	for _, addr := range dead {
		s.live.Clear(addr)
		bytes += s.Free(addr)
		objs++
	}
	if swapSets {
		s.SwapSets()
	}
	return objs, bytes
}
