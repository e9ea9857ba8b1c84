package isopage

import (
	"golang.org/x/sys/unix"
)

func mmapPage(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
}

func munmapPage(buf []byte) error {
	return unix.Munmap(buf)
}
