package accounting

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// ReferenceScanner 对象引用遍历能力，由堆提供：
// 对 addr 处对象的每个引用字段回调（槽地址、当前引用）。
type ReferenceScanner interface {
	VisitReferences(addr uintptr, fn func(slot, ref uintptr))
}

// ModUnionTable 针对整个空间的粗粒度写记录，用于很少扫描的空间
// （镜像空间、zygote 空间）。记录自上次清理以来哪些卡上发生过
// 引用存储，收集时只重扫这些卡，避免每轮全量遍历。
type ModUnionTable struct {
	name       string
	begin, end uintptr
	cardTable  *CardTable
	liveBitmap func() *SpaceBitmap // 返回空间当前的存活位图（位图对会交换）

	mu    sync.Mutex
	cards map[uintptr]struct{} // 记住的卡起始地址
}

// NewModUnionTable 创建覆盖 [begin, end) 的 mod-union 表
func NewModUnionTable(name string, ct *CardTable, begin, end uintptr, liveBitmap func() *SpaceBitmap) *ModUnionTable {
	return &ModUnionTable{
		name:       name,
		begin:      begin,
		end:        end,
		cardTable:  ct,
		liveBitmap: liveBitmap,
		cards:      make(map[uintptr]struct{}),
	}
}

// Name 返回表名
func (t *ModUnionTable) Name() string { return t.name }

// ClearCards 把空间范围内的脏卡拉入表中并清零卡表。
// 之后空间的卡在卡表视角是干净的，脏信息只保留在本表里。
func (t *ModUnionTable) ClearCards() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cardTable.ModifyCardsAtomic(t.begin, t.end,
		func(old uint32) uint32 { return CardClean },
		func(card uintptr, old, _ uint32) {
			if old >= CardAged {
				t.cards[card] = struct{}{}
			}
		})
}

// VisitObjects 遍历所有记住的卡上的存活对象。
// 卡保留在表中，空间的写历史是累积的。
func (t *ModUnionTable) VisitObjects(fn func(obj uintptr)) {
	t.mu.Lock()
	cards := make([]uintptr, 0, len(t.cards))
	for c := range t.cards {
		cards = append(cards, c)
	}
	t.mu.Unlock()

	bitmap := t.liveBitmap()
	for _, card := range cards {
		end := card + CardSize
		if end > t.end {
			end = t.end
		}
		bitmap.VisitRange(card, end, fn)
	}
}

// UpdateAndMarkReferences 重扫所有记住的卡：对卡上每个存活对象的
// 每个引用调用 mark。
func (t *ModUnionTable) UpdateAndMarkReferences(scanner ReferenceScanner, mark func(ref uintptr)) {
	t.VisitObjects(func(obj uintptr) {
		scanner.VisitReferences(obj, func(_, ref uintptr) {
			if ref != 0 {
				mark(ref)
			}
		})
	})
}

// Verify 校验表中记录的卡上所有对象的引用仍然存活。
// 返回聚合后的全部违例，供堆的校验通道落日志后终止进程。
func (t *ModUnionTable) Verify(scanner ReferenceScanner, isLive func(ref uintptr) bool) error {
	var err error
	t.VisitObjects(func(obj uintptr) {
		scanner.VisitReferences(obj, func(slot, ref uintptr) {
			if ref != 0 && !isLive(ref) {
				err = multierr.Append(err, fmt.Errorf(
					"mod-union table %q: object %#x slot %#x references dead object %#x (card %#x)",
					t.name, obj, slot, ref, obj&^(CardSize-1)))
			}
		})
	})
	return err
}

// NumCards 表中记录的卡数
func (t *ModUnionTable) NumCards() int {
	t.mu.Lock()
	n := len(t.cards)
	t.mu.Unlock()
	return n
}

// Reset 丢弃全部记录
func (t *ModUnionTable) Reset() {
	t.mu.Lock()
	t.cards = make(map[uintptr]struct{})
	t.mu.Unlock()
}
