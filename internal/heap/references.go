package heap

// RefKind 引用对象强度
type RefKind int

const (
	// RefSoft 软引用：内存紧张（清软引用的收集）才清
	RefSoft RefKind = iota
	// RefWeak 弱引用：指称对象不可达即清
	RefWeak
	// RefFinalizer 终结引用：指称对象救活一轮交终结器，只通知一次
	RefFinalizer
	// RefPhantom 虚引用：同弱引用清空，仅用于入队通知
	RefPhantom
)

func (k RefKind) String() string {
	switch k {
	case RefSoft:
		return "soft"
	case RefWeak:
		return "weak"
	case RefFinalizer:
		return "finalizer"
	case RefPhantom:
		return "phantom"
	default:
		return "unknown"
	}
}

// RegisterReference 把对象登记为引用对象。指称对象放在该类型的
// 第一个引用槽里
func (h *Heap) RegisterReference(addr uintptr, kind RefKind) {
	h.refMu.Lock()
	h.refs[addr] = kind
	h.refMu.Unlock()
}

// SetClearedReferenceHandler 被清空的引用对象在每轮收集结束后
// 交给该回调（执行引擎入队 ReferenceQueue 用）
func (h *Heap) SetClearedReferenceHandler(fn func(cleared []uintptr)) {
	h.clearedHandler = fn
}

// referentSlot 引用对象的指称槽地址
func (h *Heap) referentSlot(ref uintptr) uintptr {
	classID, _ := h.header(ref)
	offsets := h.classes.ReferenceOffsets(classID)
	if len(offsets) == 0 {
		fatalf("reference object %#x has class %d with no reference slots", ref, classID)
	}
	return ref + offsets[0]
}

// ProcessReferences 标记收敛后处理登记的引用对象：
//   - 引用对象自身已死的撤销登记
//   - 指称对象已标记的原样保留
//   - 软引用在非清软收集中把指称对象救活（保持软可达语义）
//   - 终结引用把指称对象救活一轮，撤销登记并记入待通知列表，
//     终结器处理后下一轮照常回收
//   - 其余清空指称槽并记入待通知列表
//
// 清空直接写槽，不走写屏障：此刻卡表语义由收集器负责
func (h *Heap) ProcessReferences(clearSoftReferences bool, isMarked func(uintptr) bool, mark func(uintptr)) {
	h.refMu.Lock()
	defer h.refMu.Unlock()
	for ref, kind := range h.refs {
		if !isMarked(ref) {
			delete(h.refs, ref)
			continue
		}
		slot := h.referentSlot(ref)
		referent := h.loadWord(slot)
		if referent == 0 || isMarked(referent) {
			continue
		}
		if kind == RefSoft && !clearSoftReferences {
			mark(referent)
			continue
		}
		if kind == RefFinalizer {
			mark(referent)
			delete(h.refs, ref)
			h.clearedList = append(h.clearedList, ref)
			continue
		}
		h.storeWord(slot, 0)
		h.clearedList = append(h.clearedList, ref)
	}
}

// NotifyMoved 移动式收集后按转发表重映射引用登记表与待通知列表
func (h *Heap) NotifyMoved(forward map[uintptr]uintptr) {
	h.refMu.Lock()
	defer h.refMu.Unlock()
	for old, dst := range forward {
		if kind, ok := h.refs[old]; ok {
			delete(h.refs, old)
			h.refs[dst] = kind
		}
	}
	for i, ref := range h.clearedList {
		if dst, ok := forward[ref]; ok {
			h.clearedList[i] = dst
		}
	}
}

// deliverClearedReferences 收集结束后把清空的引用对象交给回调
func (h *Heap) deliverClearedReferences() {
	h.refMu.Lock()
	cleared := h.clearedList
	h.clearedList = nil
	h.refMu.Unlock()
	if len(cleared) > 0 && h.clearedHandler != nil {
		h.clearedHandler(cleared)
	}
}
