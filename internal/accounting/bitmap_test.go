package accounting

import (
	"testing"
)

func TestSpaceBitmapSetTestClear(t *testing.T) {
	b := NewSpaceBitmap("test bitmap", 0x1000, 0x1000)

	addr := uintptr(0x1040)
	if b.Test(addr) {
		t.Error("fresh bitmap should not have the bit set")
	}
	if prev := b.Set(addr); prev {
		t.Error("first Set should report the bit as previously clear")
	}
	if !b.Test(addr) {
		t.Error("Test should see the bit after Set")
	}
	if prev := b.Set(addr); !prev {
		t.Error("second Set should report the bit as previously set")
	}
	b.Clear(addr)
	if b.Test(addr) {
		t.Error("Test should not see the bit after Clear")
	}
}

func TestSpaceBitmapWalkAscending(t *testing.T) {
	b := NewSpaceBitmap("walk bitmap", 0x1000, 0x2000)
	want := []uintptr{0x1008, 0x1400, 0x1ff8, 0x2800}
	// 乱序置位
	b.Set(want[2])
	b.Set(want[0])
	b.Set(want[3])
	b.Set(want[1])

	var got []uintptr
	b.Walk(func(addr uintptr) { got = append(got, addr) })
	if len(got) != len(want) {
		t.Fatalf("Walk visited %d objects, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Walk order: got[%d] = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestSpaceBitmapWalkDenseWord(t *testing.T) {
	// 多个位挤在同一个 64 位字里，地址必须是绝对值而不是相对前
	// 一个位的偏移
	b := NewSpaceBitmap("dense bitmap", 0x1000, 0x1000)
	want := []uintptr{0x1000, 0x1050, 0x10a0, 0x10a8}
	for _, addr := range want {
		b.Set(addr)
	}

	var got []uintptr
	b.Walk(func(addr uintptr) { got = append(got, addr) })
	if len(got) != len(want) {
		t.Fatalf("Walk visited %d objects, want %d (got %#x)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Walk address %d = %#x, want %#x (all: %#x)", i, got[i], want[i], got)
		}
	}
}

func TestSpaceBitmapVisitRange(t *testing.T) {
	b := NewSpaceBitmap("range bitmap", 0, 0x1000)
	b.Set(0x80)
	b.Set(0x100)
	b.Set(0x180)

	var got []uintptr
	b.VisitRange(0x100, 0x180, func(addr uintptr) { got = append(got, addr) })
	if len(got) != 1 || got[0] != 0x100 {
		t.Errorf("VisitRange [0x100,0x180) = %#x, want just 0x100", got)
	}
}

func TestSweepWalkFindsDeadObjects(t *testing.T) {
	live := NewSpaceBitmap("live", 0, 0x1000)
	mark := NewSpaceBitmap("mark", 0, 0x1000)

	live.Set(0x10) // 存活且被标记
	mark.Set(0x10)
	live.Set(0x20) // 存活但未标记：死亡
	live.Set(0x30) // 同上
	mark.Set(0x40) // 仅标记（本轮新增），不算死亡

	var dead []uintptr
	SweepWalk(live, mark, 0, 0x1000, func(addr uintptr) { dead = append(dead, addr) })
	if len(dead) != 2 {
		t.Fatalf("SweepWalk found %d dead objects, want 2", len(dead))
	}
	if dead[0] != 0x20 || dead[1] != 0x30 {
		t.Errorf("SweepWalk dead = %#x, want [0x20 0x30]", dead)
	}
}

func TestSpaceBitmapCopyFrom(t *testing.T) {
	a := NewSpaceBitmap("a", 0, 0x1000)
	b := NewSpaceBitmap("b", 0, 0x1000)
	a.Set(0x100)
	a.Set(0x200)
	b.Set(0x300)

	b.CopyFrom(a)
	if !b.Test(0x100) || !b.Test(0x200) {
		t.Error("CopyFrom should carry over the source bits")
	}
	if b.Test(0x300) {
		t.Error("CopyFrom should drop bits not present in the source")
	}
}

func TestHeapBitmapAggregation(t *testing.T) {
	h := NewHeapBitmap()
	b1 := NewSpaceBitmap("space1", 0x1000, 0x1000)
	b2 := NewSpaceBitmap("space2", 0x3000, 0x1000)
	los := NewObjectSet("los")
	h.AddBitmap(b1)
	h.AddBitmap(b2)
	h.AddObjectSet(los)

	h.Set(0x1100)
	h.Set(0x3100)
	h.Set(0x9000000) // 不在任何位图覆盖内，落入大对象集合

	if !b1.Test(0x1100) {
		t.Error("Set should route to the covering bitmap")
	}
	if !b2.Test(0x3100) {
		t.Error("Set should route to the second bitmap")
	}
	if !los.Test(0x9000000) {
		t.Error("Set outside all bitmaps should land in the object set")
	}
	if !h.Test(0x1100) || !h.Test(0x3100) || !h.Test(0x9000000) {
		t.Error("HeapBitmap.Test should see all three objects")
	}
	if h.Test(0x1108) {
		t.Error("HeapBitmap.Test should not see unset addresses")
	}
}
