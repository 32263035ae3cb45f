//go:build linux || darwin || freebsd

package hv

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type mmapFrameAllocator struct{}

// DefaultFrameAllocator hands out anonymous private host pages.
func DefaultFrameAllocator() FrameAllocator {
	return mmapFrameAllocator{}
}

func (mmapFrameAllocator) AllocFrame() ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap guest frame: %w", err)
	}
	return mem, nil
}

func (mmapFrameAllocator) FreeFrame(frame []byte) error {
	if err := unix.Munmap(frame); err != nil {
		return fmt.Errorf("munmap guest frame: %w", err)
	}
	return nil
}
