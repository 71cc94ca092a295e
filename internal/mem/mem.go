// Package mem 提供堆空间使用的匿名内存映射。
//
// 每个 Space 的底层存储由一个 Mapping 支撑。Linux 上通过 mmap 分配，
// 其余平台退化为普通切片（见 mem_other.go）。
package mem

import "fmt"

// Mapping 一段匿名映射的内存
type Mapping struct {
	name string // 映射名（调试用）
	data []byte // 映射的字节
}

// Name 返回映射名
func (m *Mapping) Name() string {
	return m.name
}

// Data 返回映射的字节切片
func (m *Mapping) Data() []byte {
	return m.data
}

// Size 返回映射大小（字节）
func (m *Mapping) Size() uintptr {
	return uintptr(len(m.data))
}

// MapAnonymous 创建一段指定大小的匿名映射
func MapAnonymous(name string, size uintptr) (*Mapping, error) {
	if size == 0 {
		return nil, fmt.Errorf("mem: mapping %q has zero size", name)
	}
	data, err := mapAnonymous(size)
	if err != nil {
		return nil, fmt.Errorf("mem: failed to map %q (%d bytes): %w", name, size, err)
	}
	return &Mapping{name: name, data: data}, nil
}

// Release 释放整个映射。释放后不得再访问 Data。
func (m *Mapping) Release() error {
	if m.data == nil {
		return nil
	}
	err := unmap(m.data)
	m.data = nil
	return err
}

// DontNeed 告知内核 [begin, end) 的页内容可以丢弃。
// 失败不致命，Trim 的效果只是尽力而为。
func (m *Mapping) DontNeed(begin, end uintptr) {
	if begin >= end || end > m.Size() {
		return
	}
	dontNeed(m.data[begin:end])
}
