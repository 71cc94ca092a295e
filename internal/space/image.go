package space

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/tangzhangming/aster/internal/mem"
	"github.com/tangzhangming/aster/internal/object"
)

// 镜像文件头布局（小端）：
//
//	+0  magic   uint32
//	+4  version uint32
//	+8  objects uint32
//	+12 bytes   uint32
//	+16 base    uint64  写出时的空间基址
//
// 引用按写出时的绝对地址存储，加载到新基址时按差值整体搬迁，
// 零值保持 nil 语义。
const (
	imageMagic      = 0x41535452 // "ASTR"
	imageVersion    = 1
	imageHeaderSize = 24
)

// ImageSpace 预构建堆镜像空间。
//
// 从镜像文件加载，对象引用按写出基址与加载基址的差值整体
// 搬迁。镜像对象永不回收，存活位图在加载时一次性填好。
type ImageSpace struct {
	continuousSpace

	end     uintptr // 已用末端
	objects int64
}

// LoadImageSpace 读取镜像文件并在 begin 处建立镜像空间。
// 文件里的引用保留写出时的绝对地址，加载时整体加上基址差。
func LoadImageSpace(name, path string, begin uintptr, classes object.ClassProvider) (*ImageSpace, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取镜像文件失败: %w", err)
	}
	if len(raw) < imageHeaderSize {
		return nil, fmt.Errorf("镜像文件过小: %d 字节", len(raw))
	}
	magic := binary.LittleEndian.Uint32(raw[0:])
	version := binary.LittleEndian.Uint32(raw[4:])
	count := binary.LittleEndian.Uint32(raw[8:])
	size := binary.LittleEndian.Uint32(raw[12:])
	srcBase := uintptr(binary.LittleEndian.Uint64(raw[16:]))
	if magic != imageMagic {
		return nil, fmt.Errorf("镜像魔数不匹配: %#x", magic)
	}
	if version != imageVersion {
		return nil, fmt.Errorf("不支持的镜像版本: %d", version)
	}
	if int(size) != len(raw)-imageHeaderSize {
		return nil, fmt.Errorf("镜像长度不一致: 头部 %d, 实际 %d", size, len(raw)-imageHeaderSize)
	}

	capacity := object.AlignUp(uintptr(size))
	m, err := mem.MapAnonymous(name, capacity)
	if err != nil {
		return nil, err
	}
	s := &ImageSpace{
		continuousSpace: newContinuousSpace(name, RetentionNeverCollect, begin, m.Data(), m),
		end:             begin + uintptr(size),
		objects:         int64(count),
	}
	copy(s.bytes, raw[imageHeaderSize:])

	// 逐对象按基址差搬迁引用并预置存活位图
	delta := begin - srcBase
	addr := begin
	for i := uint32(0); i < count; i++ {
		classID, length := ReadHeader(s.bytes, addr-begin)
		s.live.Set(addr)
		for _, off := range referenceOffsets(classes, classID, length) {
			slot := addr + off
			ref := ReadWord(s, slot)
			if ref != 0 {
				WriteWord(s, slot, ref+delta)
			}
		}
		addr += object.AlignUp(classes.ObjectSize(classID, length))
	}
	if addr != s.end {
		return nil, fmt.Errorf("镜像对象遍历越界: 末端 %#x, 期望 %#x", addr, s.end)
	}
	// 镜像对象视为永久存活，标记位图与存活位图一致
	s.mark.CopyFrom(s.live)
	return s, nil
}

// referenceOffsets 解析对象的引用槽偏移
func referenceOffsets(classes object.ClassProvider, classID, length uint32) []uintptr {
	if classes.IsReferenceArray(classID) {
		offs := make([]uintptr, 0, length)
		for i := uint32(0); i < length; i++ {
			offs = append(offs, object.HeaderSize+uintptr(i)*object.WordSize)
		}
		return offs
	}
	return classes.ReferenceOffsets(classID)
}

// End 已用末端
func (s *ImageSpace) End() uintptr { return s.end }

// ObjectsLoaded 镜像对象数
func (s *ImageSpace) ObjectsLoaded() int64 { return s.objects }

// BytesAllocated 镜像字节数
func (s *ImageSpace) BytesAllocated() uintptr { return s.end - s.begin }

// WriteImageFile 把一段连续空间的对象序列化为镜像文件，
// 记录写出时的基址供加载端搬迁。与 LoadImageSpace 互逆。
func WriteImageFile(path string, src ContinuousSpace, classes object.ClassProvider) error {
	begin, end := src.Begin(), src.End()
	size := end - begin
	buf := make([]byte, imageHeaderSize+size)

	var count uint32
	addr := begin
	for addr < end {
		classID, length := ReadHeader(src.Bytes(), addr-begin)
		objSize := object.AlignUp(classes.ObjectSize(classID, length))
		off := imageHeaderSize + (addr - begin)
		copy(buf[off:off+objSize], src.Bytes()[addr-begin:addr-begin+objSize])
		count++
		addr += objSize
	}

	binary.LittleEndian.PutUint32(buf[0:], imageMagic)
	binary.LittleEndian.PutUint32(buf[4:], imageVersion)
	binary.LittleEndian.PutUint32(buf[8:], count)
	binary.LittleEndian.PutUint32(buf[12:], uint32(size))
	binary.LittleEndian.PutUint64(buf[16:], uint64(begin))
	return os.WriteFile(path, buf, 0o644)
}
