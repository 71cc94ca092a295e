// Package space 实现堆的内存空间：
// 指针碰撞空间（含 TLAB）、空闲链表空间、大对象空间、镜像空间与 zygote 空间。
//
// 空间的地址是堆虚拟地址空间中的区间，[Begin, Limit) 由堆在创建时分配，
// 互不重叠。底层字节由匿名映射支撑，地址到字节的换算是 addr-Begin。
package space

import (
	"encoding/binary"

	"github.com/tangzhangming/aster/internal/accounting"
	"github.com/tangzhangming/aster/internal/mem"
	"github.com/tangzhangming/aster/internal/object"
)

// GCRetentionPolicy 空间的回收保留策略
type GCRetentionPolicy int

const (
	// RetentionAlwaysCollect 每轮收集都参与
	RetentionAlwaysCollect GCRetentionPolicy = iota
	// RetentionFullCollect 只在 Full GC 参与（zygote 空间）
	RetentionFullCollect
	// RetentionNeverCollect 从不回收（镜像空间）
	RetentionNeverCollect
)

func (p GCRetentionPolicy) String() string {
	switch p {
	case RetentionAlwaysCollect:
		return "always collect"
	case RetentionFullCollect:
		return "full collect only"
	case RetentionNeverCollect:
		return "never collect"
	default:
		return "unknown"
	}
}

// Space 所有空间的公共面
type Space interface {
	Name() string
	IsContinuous() bool
	Retention() GCRetentionPolicy
}

// ContinuousSpace 连续地址区间的空间
type ContinuousSpace interface {
	Space

	// Begin 区间起始地址
	Begin() uintptr
	// End 当前使用到的末端
	End() uintptr
	// Limit 映射上限
	Limit() uintptr
	// Capacity 映射容量（字节）
	Capacity() uintptr
	// Contains 地址是否落在 [Begin, Limit)
	Contains(addr uintptr) bool
	// Bytes 底层字节，下标为 addr-Begin
	Bytes() []byte
	// LiveBitmap 存活位图
	LiveBitmap() *accounting.SpaceBitmap
	// MarkBitmap 标记位图
	MarkBitmap() *accounting.SpaceBitmap
	// SwapBitmaps 交换存活/标记位图对（收集完成后由堆调用）
	SwapBitmaps()
}

// AllocSpace 支持分配的空间
type AllocSpace interface {
	// Alloc 分配 size 字节，返回对象地址与实际占用。
	// 超过足迹上限不是错误，ok=false 表示"先 GC 或增长再试"。
	Alloc(size uintptr) (addr, allocated uintptr, ok bool)
	// Free 释放单个对象，返回回收的字节数
	Free(addr uintptr) uintptr
	// BytesAllocated 账面已分配字节
	BytesAllocated() uintptr
	// ObjectsAllocated 账面对象数
	ObjectsAllocated() int64
}

// continuousSpace 连续空间的公共实现
type continuousSpace struct {
	name     string
	policy   GCRetentionPolicy
	begin    uintptr
	capacity uintptr
	mapping  *mem.Mapping // 子视图空间为 nil
	bytes    []byte
	live     *accounting.SpaceBitmap
	mark     *accounting.SpaceBitmap
}

func newContinuousSpace(name string, policy GCRetentionPolicy, begin uintptr, data []byte, mapping *mem.Mapping) continuousSpace {
	capacity := uintptr(len(data))
	return continuousSpace{
		name:     name,
		policy:   policy,
		begin:    begin,
		capacity: capacity,
		mapping:  mapping,
		bytes:    data,
		live:     accounting.NewSpaceBitmap(name+" live bitmap", begin, capacity),
		mark:     accounting.NewSpaceBitmap(name+" mark bitmap", begin, capacity),
	}
}

func (s *continuousSpace) Name() string                          { return s.name }
func (s *continuousSpace) IsContinuous() bool                    { return true }
func (s *continuousSpace) Retention() GCRetentionPolicy          { return s.policy }
func (s *continuousSpace) Begin() uintptr                        { return s.begin }
func (s *continuousSpace) Limit() uintptr                        { return s.begin + s.capacity }
func (s *continuousSpace) Capacity() uintptr                     { return s.capacity }
func (s *continuousSpace) Bytes() []byte                         { return s.bytes }
func (s *continuousSpace) LiveBitmap() *accounting.SpaceBitmap   { return s.live }
func (s *continuousSpace) MarkBitmap() *accounting.SpaceBitmap   { return s.mark }

func (s *continuousSpace) Contains(addr uintptr) bool {
	return addr >= s.begin && addr < s.begin+s.capacity
}

func (s *continuousSpace) SwapBitmaps() {
	s.live, s.mark = s.mark, s.live
}

// ReadWord 读取空间内 addr 处的 8 字节字
func ReadWord(s ContinuousSpace, addr uintptr) uintptr {
	off := addr - s.Begin()
	return uintptr(binary.LittleEndian.Uint64(s.Bytes()[off : off+object.WordSize]))
}

// WriteWord 写入空间内 addr 处的 8 字节字
func WriteWord(s ContinuousSpace, addr uintptr, val uintptr) {
	off := addr - s.Begin()
	binary.LittleEndian.PutUint64(s.Bytes()[off:off+object.WordSize], uint64(val))
}

// ReadHeader 读取对象头（classID、数组长度）
func ReadHeader(data []byte, off uintptr) (classID, length uint32) {
	classID = binary.LittleEndian.Uint32(data[off : off+4])
	length = binary.LittleEndian.Uint32(data[off+4 : off+8])
	return
}

// WriteHeader 写入对象头
func WriteHeader(data []byte, off uintptr, classID, length uint32) {
	binary.LittleEndian.PutUint32(data[off:off+4], classID)
	binary.LittleEndian.PutUint32(data[off+4:off+8], length)
}
