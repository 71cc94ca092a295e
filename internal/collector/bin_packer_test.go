package collector

import (
	"testing"

	"github.com/tangzhangming/aster/internal/accounting"
)

func TestBinPackerBestFit(t *testing.T) {
	p := NewBinPacker()
	p.AddBin(0x1000, 64)
	p.AddBin(0x2000, 32)
	p.AddBin(0x3000, 128)

	// 24 字节应进最小的能装下的洞（32）
	addr, ok := p.Alloc(24)
	if !ok {
		t.Fatal("alloc should succeed")
	}
	if addr != 0x2000 {
		t.Errorf("best fit should pick the 32-byte bin at 0x2000, got %#x", addr)
	}
	// 剩余 8 字节放回，还能装一个最小对象
	addr, ok = p.Alloc(8)
	if !ok || addr != 0x2018 {
		t.Errorf("leftover should be reusable at 0x2018, got %#x ok=%v", addr, ok)
	}

	// 96 字节只有 128 的洞装得下
	addr, ok = p.Alloc(96)
	if !ok || addr != 0x3000 {
		t.Errorf("expected the 128-byte bin at 0x3000, got %#x", addr)
	}

	// 超过最大洞
	if _, ok := p.Alloc(256); ok {
		t.Error("alloc larger than every bin should fail")
	}
}

func TestBinPackerNeverUndersizes(t *testing.T) {
	p := NewBinPacker()
	p.AddBin(0x1000, 16)
	if _, ok := p.Alloc(17); ok {
		t.Error("an object must never land in a bin smaller than itself")
	}
	// 对齐后 17 -> 24 也装不进 16
	if p.Count() != 1 {
		t.Errorf("failed alloc must not consume the bin, count=%d", p.Count())
	}
}

func TestBinPackerTinyLeftoverDropped(t *testing.T) {
	p := NewBinPacker()
	p.AddBin(0x1000, 40)
	if _, ok := p.Alloc(40); !ok {
		t.Fatal("exact fit should succeed")
	}
	if p.Count() != 0 {
		t.Errorf("exact fit should leave no bins, count=%d", p.Count())
	}

	p.AddBin(0x2000, 36)
	// 不足一个对象头的洞不登记
	if p.Count() != 1 {
		t.Fatalf("36-byte bin should register, count=%d", p.Count())
	}
	if _, ok := p.Alloc(32); !ok {
		t.Fatal("alloc should succeed")
	}
	// 剩 4 字节，装不下任何对象，被丢弃
	if p.Count() != 0 {
		t.Errorf("sub-header leftover should be dropped, count=%d", p.Count())
	}
}

func TestBuildBinsFromBitmap(t *testing.T) {
	live := accounting.NewSpaceBitmap("gaps", 0x1000, 0x1000)
	// 对象：0x1000(64B) 0x1050(32B)，其余是洞
	live.Set(0x1000)
	live.Set(0x1050)
	sizes := map[uintptr]uintptr{0x1000: 64, 0x1050: 32}

	p := BuildBins(live, 0x1000, 0x1100, func(addr uintptr) uintptr { return sizes[addr] })

	// 洞：0x1040..0x1050 (16B) 和 0x1070..0x1100 (144B)
	if p.Count() != 2 {
		t.Fatalf("expected 2 bins, got %d", p.Count())
	}
	if p.FreeBytes() != 16+144 {
		t.Errorf("expected %d free bytes, got %d", 16+144, p.FreeBytes())
	}
	addr, ok := p.Alloc(16)
	if !ok || addr != 0x1040 {
		t.Errorf("16-byte object should pack into the 16-byte gap, got %#x", addr)
	}
}

func TestResultAccumulation(t *testing.T) {
	r := Result{
		FreedObjects:          10,
		FreedBytes:            1000,
		FreedLargeObjects:     2,
		FreedLargeObjectBytes: 4096,
	}
	if r.TotalFreedObjects() != 12 {
		t.Errorf("expected 12 total objects, got %d", r.TotalFreedObjects())
	}
	if r.TotalFreedBytes() != 5096 {
		t.Errorf("expected 5096 total bytes, got %d", r.TotalFreedBytes())
	}
}

func TestGcTypeOrdering(t *testing.T) {
	// GC 计划从弱到强升级依赖这个次序
	if !(GcTypeNone < GcTypeSticky && GcTypeSticky < GcTypePartial && GcTypePartial < GcTypeFull) {
		t.Error("gc types must order none < sticky < partial < full")
	}
}
