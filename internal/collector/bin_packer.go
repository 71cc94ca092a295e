package collector

import (
	"sort"

	"github.com/tangzhangming/aster/internal/accounting"
	"github.com/tangzhangming/aster/internal/object"
)

// bin 一个可放置对象的空洞
type bin struct {
	size uintptr
	addr uintptr
}

// BinPacker 最佳适配装箱器，zygote 压实用它把对象塞进
// 目标空间的既有空洞，而不是简单指针碰撞，最大限度压小
// 将被所有 fork 进程共享的空间。
//
// 洞按大小排序，分配取不小于请求的最小洞（lower bound），
// 剩余部分若还装得下一个对象就放回。绝不把对象放进比它小的洞。
type BinPacker struct {
	bins []bin // 按 size 升序，同 size 按 addr 升序
}

// NewBinPacker 空装箱器
func NewBinPacker() *BinPacker {
	return &BinPacker{}
}

// BuildBins 沿存活位图升序走一遍 [begin, end)，把相邻存活对象
// 之间的缝隙收集为洞
func BuildBins(live *accounting.SpaceBitmap, begin, end uintptr, sizeOf func(addr uintptr) uintptr) *BinPacker {
	p := NewBinPacker()
	prevEnd := begin
	live.VisitRange(begin, end, func(obj uintptr) {
		if obj > prevEnd {
			p.AddBin(prevEnd, obj-prevEnd)
		}
		prevEnd = obj + object.AlignUp(sizeOf(obj))
	})
	if end > prevEnd {
		p.AddBin(prevEnd, end-prevEnd)
	}
	return p
}

// AddBin 登记一个洞
func (p *BinPacker) AddBin(addr, size uintptr) {
	if size < object.HeaderSize {
		return
	}
	b := bin{size: size, addr: addr}
	i := sort.Search(len(p.bins), func(i int) bool {
		return p.bins[i].size > b.size ||
			(p.bins[i].size == b.size && p.bins[i].addr >= b.addr)
	})
	p.bins = append(p.bins, bin{})
	copy(p.bins[i+1:], p.bins[i:])
	p.bins[i] = b
}

// Alloc 取出能装下 size 的最小洞，剩余部分放回
func (p *BinPacker) Alloc(size uintptr) (uintptr, bool) {
	aligned := object.AlignUp(size)
	i := sort.Search(len(p.bins), func(i int) bool { return p.bins[i].size >= aligned })
	if i == len(p.bins) {
		return 0, false
	}
	b := p.bins[i]
	p.bins = append(p.bins[:i], p.bins[i+1:]...)
	if left := b.size - aligned; left >= object.HeaderSize {
		p.AddBin(b.addr+aligned, left)
	}
	return b.addr, true
}

// Count 当前洞数
func (p *BinPacker) Count() int { return len(p.bins) }

// FreeBytes 洞的总字节数
func (p *BinPacker) FreeBytes() uintptr {
	var total uintptr
	for _, b := range p.bins {
		total += b.size
	}
	return total
}
