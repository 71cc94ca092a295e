package accounting

import (
	"sync"
	"testing"
)

func TestObjectStackPushAndOverflow(t *testing.T) {
	s := NewObjectStack("alloc stack", 4)
	for i := 0; i < 4; i++ {
		if !s.PushBack(uintptr(0x1000 + i*8)) {
			t.Fatalf("PushBack %d should succeed below capacity", i)
		}
	}
	if s.PushBack(0x2000) {
		t.Error("PushBack past capacity should fail")
	}
	if s.Size() != 4 {
		t.Errorf("failed PushBack must not change the size, got %d", s.Size())
	}
}

func TestObjectStackSortAndSearch(t *testing.T) {
	s := NewObjectStack("live stack", 16)
	for _, a := range []uintptr{0x500, 0x100, 0x300, 0x200} {
		s.PushBack(a)
	}
	if !s.Contains(0x300) {
		t.Error("linear Contains should find a pushed address")
	}
	s.Sort()
	view := s.Slice()
	for i := 1; i < len(view); i++ {
		if view[i-1] > view[i] {
			t.Fatalf("stack not sorted at %d: %#x > %#x", i, view[i-1], view[i])
		}
	}
	if !s.ContainsSorted(0x200) {
		t.Error("ContainsSorted should find a pushed address after Sort")
	}
	if s.ContainsSorted(0x250) {
		t.Error("ContainsSorted should not find an absent address")
	}
}

func TestObjectStackSwapAndReset(t *testing.T) {
	a := NewObjectStack("a", 8)
	b := NewObjectStack("b", 8)
	a.PushBack(0x10)
	a.PushBack(0x20)
	b.PushBack(0x30)

	a.Swap(b)
	if a.Size() != 1 || b.Size() != 2 {
		t.Errorf("after Swap: a=%d b=%d, want a=1 b=2", a.Size(), b.Size())
	}
	if a.Slice()[0] != 0x30 {
		t.Errorf("after Swap a[0] = %#x, want 0x30", a.Slice()[0])
	}

	b.Reset()
	if !b.IsEmpty() {
		t.Error("Reset should empty the stack")
	}
	if b.Capacity() != 8 {
		t.Error("Reset must keep the backing storage")
	}
}

// 多个 mutator 并发追加分配栈。使用 -race 运行。
func TestObjectStackConcurrentPush(t *testing.T) {
	const goroutines = 8
	const perG = 100
	s := NewObjectStack("alloc stack", goroutines*perG)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				if !s.PushBack(uintptr(g*perG+i+1) * 8) {
					t.Errorf("concurrent PushBack failed below capacity")
					return
				}
			}
		}(g)
	}
	wg.Wait()

	if s.Size() != goroutines*perG {
		t.Fatalf("Size = %d, want %d", s.Size(), goroutines*perG)
	}
	seen := make(map[uintptr]bool)
	for _, a := range s.Slice() {
		if a == 0 {
			t.Fatal("found a hole in the stack after concurrent pushes")
		}
		if seen[a] {
			t.Fatalf("duplicate entry %#x", a)
		}
		seen[a] = true
	}
}

func TestObjectSetMembership(t *testing.T) {
	set := NewObjectSet("los live")
	if set.Test(0x100000) {
		t.Error("fresh set should be empty")
	}
	if prev := set.Set(0x100000); prev {
		t.Error("first Set should report the object as new")
	}
	if prev := set.Set(0x100000); !prev {
		t.Error("second Set should report the object as present")
	}
	set.Set(0x300000)
	set.Set(0x200000)

	sorted := set.Sorted()
	if len(sorted) != 3 || sorted[0] != 0x100000 || sorted[1] != 0x200000 || sorted[2] != 0x300000 {
		t.Errorf("Sorted = %#x, want ascending three members", sorted)
	}

	set.Clear(0x200000)
	if set.Test(0x200000) {
		t.Error("Clear should remove the member")
	}
	if set.Size() != 2 {
		t.Errorf("Size = %d, want 2", set.Size())
	}
}
