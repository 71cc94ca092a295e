// Package accounting 实现堆的记账结构：标记/存活位图、卡表、
// mod-union 表以及对象栈。
//
// 这些结构被多个 mutator 线程与收集器共享，读写路径全部走原子操作，
// 结构性变更（增删位图）由堆的 heap-bitmap 写锁保护。
package accounting

import (
	"fmt"
	"sync/atomic"

	"github.com/tangzhangming/aster/internal/object"
)

// 每个位图字覆盖的字节数
const bytesPerWord = object.Alignment * 64

// SpaceBitmap 覆盖单个连续空间的位图。
// 一位对应一个对齐的对象槽，地址到位的映射是简单移位，Set/Test/Clear 均为 O(1)。
type SpaceBitmap struct {
	name  string
	begin uintptr  // 覆盖范围起始地址
	size  uintptr  // 覆盖的字节数
	words []uint64 // 位存储
}

// NewSpaceBitmap 创建覆盖 [begin, begin+size) 的位图
func NewSpaceBitmap(name string, begin, size uintptr) *SpaceBitmap {
	n := (size/object.Alignment + 63) / 64
	return &SpaceBitmap{
		name:  name,
		begin: begin,
		size:  size,
		words: make([]uint64, n),
	}
}

// Name 返回位图名
func (b *SpaceBitmap) Name() string { return b.name }

// Begin 返回覆盖范围起始
func (b *SpaceBitmap) Begin() uintptr { return b.begin }

// HasAddress 地址是否在覆盖范围内
func (b *SpaceBitmap) HasAddress(addr uintptr) bool {
	return addr >= b.begin && addr < b.begin+b.size
}

func (b *SpaceBitmap) index(addr uintptr) (word int, mask uint64) {
	bit := (addr - b.begin) / object.Alignment
	return int(bit / 64), 1 << (bit % 64)
}

// Set 置位，返回该位之前是否已置
func (b *SpaceBitmap) Set(addr uintptr) bool {
	w, mask := b.index(addr)
	old := atomic.OrUint64(&b.words[w], mask)
	return old&mask != 0
}

// Clear 清位
func (b *SpaceBitmap) Clear(addr uintptr) {
	w, mask := b.index(addr)
	atomic.AndUint64(&b.words[w], ^mask)
}

// Test 测试某地址的位
func (b *SpaceBitmap) Test(addr uintptr) bool {
	w, mask := b.index(addr)
	return atomic.LoadUint64(&b.words[w])&mask != 0
}

// Walk 按地址升序访问所有置位的对象地址。
// 遍历是一次性的：每次调用从头产生一个有限序列。
func (b *SpaceBitmap) Walk(fn func(addr uintptr)) {
	for i, w := range b.words {
		w = atomic.LoadUint64(&b.words[i])
		// bit 在整个字内累计，右移只消费低位
		bit := uintptr(0)
		for w != 0 {
			for ; w&1 == 0; w >>= 1 {
				bit++
			}
			fn(b.begin + uintptr(i)*bytesPerWord + bit*object.Alignment)
			w &^= 1
		}
	}
}

// VisitRange 按地址升序访问 [begin, end) 内置位的对象地址
func (b *SpaceBitmap) VisitRange(begin, end uintptr, fn func(addr uintptr)) {
	if begin < b.begin {
		begin = b.begin
	}
	if end > b.begin+b.size {
		end = b.begin + b.size
	}
	for addr := begin; addr < end; addr += object.Alignment {
		if b.Test(addr) {
			fn(addr)
		}
	}
}

// SweepWalk 访问在 live 中置位而在 mark 中未置位的地址，即本轮死亡的对象。
// 两个位图必须覆盖同一范围。
func SweepWalk(live, mark *SpaceBitmap, begin, end uintptr, fn func(addr uintptr)) {
	if live.begin != mark.begin || live.size != mark.size {
		panic(fmt.Sprintf("accounting: sweeping mismatched bitmaps %q and %q", live.name, mark.name))
	}
	for i := range live.words {
		dead := atomic.LoadUint64(&live.words[i]) &^ atomic.LoadUint64(&mark.words[i])
		if dead == 0 {
			continue
		}
		base := live.begin + uintptr(i)*bytesPerWord
		for bit := uintptr(0); dead != 0; bit++ {
			if dead&1 != 0 {
				addr := base + bit*object.Alignment
				if addr >= begin && addr < end {
					fn(addr)
				}
			}
			dead >>= 1
		}
	}
}

// CopyFrom 用另一位图的内容覆盖本位图（覆盖范围必须一致）
func (b *SpaceBitmap) CopyFrom(other *SpaceBitmap) {
	if b.begin != other.begin || b.size != other.size {
		panic(fmt.Sprintf("accounting: copying mismatched bitmaps %q and %q", b.name, other.name))
	}
	for i := range b.words {
		atomic.StoreUint64(&b.words[i], atomic.LoadUint64(&other.words[i]))
	}
}

// Shrink 把覆盖范围截短为 [begin, begin+size)，截掉部分的位随之作废。
// 空间退役收缩容量时同步收缩它的位图，避免与接管余下地址带的
// 新空间位图重叠
func (b *SpaceBitmap) Shrink(size uintptr) {
	if size > b.size {
		panic(fmt.Sprintf("accounting: cannot shrink bitmap %q from %d to %d bytes", b.name, b.size, size))
	}
	b.size = size
	n := (size/object.Alignment + 63) / 64
	b.words = b.words[:n]
}

// Reset 清空所有位
func (b *SpaceBitmap) Reset() {
	for i := range b.words {
		atomic.StoreUint64(&b.words[i], 0)
	}
}

// CountBits 返回置位总数
func (b *SpaceBitmap) CountBits() int {
	n := 0
	for i := range b.words {
		w := atomic.LoadUint64(&b.words[i])
		for w != 0 {
			w &= w - 1
			n++
		}
	}
	return n
}
