//go:build !linux

package mem

// 非 Linux 平台没有 mmap 保证，退化为普通切片。
// DontNeed 变成空操作，Trim 只影响账面统计。

func mapAnonymous(size uintptr) ([]byte, error) {
	return make([]byte, size), nil
}

func unmap(data []byte) error {
	return nil
}

func dontNeed(data []byte) {
}
