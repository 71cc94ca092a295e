package mem

import "golang.org/x/sys/unix"

// mapAnonymous 通过 mmap 分配一段可读写的匿名内存
func mapAnonymous(size uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmap(data []byte) error {
	return unix.Munmap(data)
}

func dontNeed(data []byte) {
	// 页对齐不足时 madvise 会失败，忽略即可
	_ = unix.Madvise(data, unix.MADV_DONTNEED)
}
