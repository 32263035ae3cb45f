//go:build !(linux || darwin || freebsd)

package hv

type heapFrameAllocator struct{}

func DefaultFrameAllocator() FrameAllocator {
	return heapFrameAllocator{}
}

func (heapFrameAllocator) AllocFrame() ([]byte, error) {
	return make([]byte, PageSize), nil
}

func (heapFrameAllocator) FreeFrame(frame []byte) error { return nil }
