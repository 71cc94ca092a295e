package accounting

import "sync/atomic"

// 卡表取值。写屏障把卡置为 CardDirty；收集器的老化把
// CardDirty 变成 CardAged，把 CardAged 清零。
// 老化发生在本轮扫描前的卡必须仍被视为需要重扫。
const (
	// CardSize 一张卡覆盖的字节数
	CardSize = 128

	// CardClean 干净卡
	CardClean uint32 = 0

	// CardDirty 脏卡（写屏障写入）
	CardDirty uint32 = 0x70

	// CardAged 老化卡：本轮扫描开始前就脏了
	CardAged uint32 = CardDirty - 1
)

// CardTable 进程级卡表，每张卡对应堆地址空间的一段 128 字节区域。
// 引用字段的每次存储都必须经过 MarkCard，这是分代/并发收集的写屏障契约。
type CardTable struct {
	begin uintptr  // 覆盖的堆起始地址
	cards []uint32 // 每卡一个值，用 32 位字是为了原子访问
}

// NewCardTable 创建覆盖 [begin, begin+capacity) 的卡表
func NewCardTable(begin, capacity uintptr) *CardTable {
	n := (capacity + CardSize - 1) / CardSize
	return &CardTable{
		begin: begin,
		cards: make([]uint32, n),
	}
}

func (c *CardTable) cardIndex(addr uintptr) int {
	return int((addr - c.begin) / CardSize)
}

// CardBegin 返回某地址所在卡覆盖区域的起始地址
func (c *CardTable) CardBegin(addr uintptr) uintptr {
	return addr &^ (CardSize - 1)
}

// MarkCard 写屏障入口：把包含 addr 的卡置脏
func (c *CardTable) MarkCard(addr uintptr) {
	atomic.StoreUint32(&c.cards[c.cardIndex(addr)], CardDirty)
}

// IsDirty 该地址所在卡是否为脏
func (c *CardTable) IsDirty(addr uintptr) bool {
	return atomic.LoadUint32(&c.cards[c.cardIndex(addr)]) == CardDirty
}

// Card 返回该地址所在卡的当前值
func (c *CardTable) Card(addr uintptr) uint32 {
	return atomic.LoadUint32(&c.cards[c.cardIndex(addr)])
}

// ClearCardRange 清空 [begin, end) 覆盖的卡
func (c *CardTable) ClearCardRange(begin, end uintptr) {
	for i := c.cardIndex(begin); i < len(c.cards) && uintptr(i)*CardSize+c.begin < end; i++ {
		atomic.StoreUint32(&c.cards[i], CardClean)
	}
}

// AgeCard 标准老化函数：脏变老化，老化变干净，干净保持干净
func AgeCard(old uint32) uint32 {
	if old == CardDirty {
		return CardAged
	}
	return CardClean
}

// ModifyCardsAtomic 对 [begin, end) 内每张卡原子地应用 age。
// 每张卡用 CAS 修改，与并发的写屏障竞争时要么得到老化卡要么得到新脏卡，
// 两种结果都会被后续扫描覆盖到。
// visitor 不为 nil 时对每张发生变化的卡回调（旧值、新值）。
func (c *CardTable) ModifyCardsAtomic(begin, end uintptr, age func(uint32) uint32, visitor func(card uintptr, old, new uint32)) {
	for i := c.cardIndex(begin); i < len(c.cards) && uintptr(i)*CardSize+c.begin < end; i++ {
		for {
			old := atomic.LoadUint32(&c.cards[i])
			next := age(old)
			if next == old {
				break
			}
			if atomic.CompareAndSwapUint32(&c.cards[i], old, next) {
				if visitor != nil {
					visitor(c.begin+uintptr(i)*CardSize, old, next)
				}
				break
			}
		}
	}
}

// Scan 对 [begin, end) 内取值不小于 minAge 的卡，按地址升序访问
// 卡覆盖区域内 bitmap 置位的对象。返回扫过的卡数。
func (c *CardTable) Scan(bitmap *SpaceBitmap, begin, end uintptr, minAge uint32, fn func(addr uintptr)) int {
	scanned := 0
	for i := c.cardIndex(begin); i < len(c.cards); i++ {
		cardBegin := c.begin + uintptr(i)*CardSize
		if cardBegin >= end {
			break
		}
		if atomic.LoadUint32(&c.cards[i]) < minAge {
			continue
		}
		cardEnd := cardBegin + CardSize
		if cardEnd > end {
			cardEnd = end
		}
		bitmap.VisitRange(cardBegin, cardEnd, fn)
		scanned++
	}
	return scanned
}
