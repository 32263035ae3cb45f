package hv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type countingAllocator struct {
	allocs, frees int
}

func (a *countingAllocator) AllocFrame() ([]byte, error) {
	a.allocs++
	// Dirty on purpose; AllocFrame must hand back zeroed pages.
	return bytes.Repeat([]byte{0xAA}, PageSize), nil
}

func (a *countingAllocator) FreeFrame([]byte) error {
	a.frees++
	return nil
}

func TestBuildAddressSpaceRoundsUp(t *testing.T) {
	image := bytes.Repeat([]byte{0x13}, PageSize+10)
	base := GuestPhysAddr(0x8020_0000)

	s, err := BuildAddressSpace(image, base, WithFrameAllocator(&countingAllocator{}))
	if err != nil {
		t.Fatalf("BuildAddressSpace: %v", err)
	}

	if got, want := s.Image(), (AddressRange{Start: base, End: base + 2*PageSize}); got != want {
		t.Fatalf("image range = %v, want %v", got, want)
	}
	if s.MappedPages() != 2 {
		t.Fatalf("expected 2 mapped pages, got %d", s.MappedPages())
	}
	for _, m := range s.Mappings() {
		if m.Perm != PermRead|PermExec {
			t.Fatalf("page %s perm = %s, want r-x", m.Addr(), m.Perm)
		}
	}

	tail := make([]byte, PageSize-10)
	if err := s.ReadGuest(base+PageSize+10, tail); err != nil {
		t.Fatalf("ReadGuest: %v", err)
	}
	if !bytes.Equal(tail, make([]byte, len(tail))) {
		t.Fatalf("tail of last image page is not zeroed")
	}

	got := make([]byte, len(image))
	if err := s.ReadGuest(base, got); err != nil {
		t.Fatalf("ReadGuest: %v", err)
	}
	if !bytes.Equal(got, image) {
		t.Fatalf("image contents differ after build")
	}
	if s.IsMapped(base + 2*PageSize) {
		t.Fatalf("page past the image should not be mapped")
	}
}

func TestBuildAddressSpaceRejectsBadInput(t *testing.T) {
	if _, err := BuildAddressSpace(nil, 0x1000); err == nil {
		t.Fatalf("expected error for empty image")
	}
	if _, err := BuildAddressSpace([]byte{1}, 0x1001); err == nil {
		t.Fatalf("expected error for unaligned base")
	}
}

func TestMapPageNoDoubleMapping(t *testing.T) {
	s := NewGuestAddressSpace(WithFrameAllocator(&countingAllocator{}))

	frame, _ := s.AllocFrame()
	if err := s.MapPage(0x2200_0123, frame, PermRead); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	if !s.IsMapped(0x2200_0000) || !s.IsMapped(0x2200_0fff) {
		t.Fatalf("page containing the address should be mapped")
	}

	other, _ := s.AllocFrame()
	err := s.MapPage(0x2200_0800, other, PermRead|PermWrite)
	if !errors.Is(err, ErrAlreadyMapped) {
		t.Fatalf("second MapPage error = %v, want ErrAlreadyMapped", err)
	}

	m, ok := s.Translate(0x2200_0000)
	if !ok || m.Perm != PermRead {
		t.Fatalf("original mapping was modified: %+v", m)
	}
}

func TestMapPageRejectsShortFrame(t *testing.T) {
	s := NewGuestAddressSpace()
	if err := s.MapPage(0x1000, make([]byte, 16), PermRead); err == nil {
		t.Fatalf("expected error for short frame")
	}
}

func TestMappingsAreOrdered(t *testing.T) {
	s := NewGuestAddressSpace(WithFrameAllocator(&countingAllocator{}))
	for _, a := range []GuestPhysAddr{0x5000, 0x1000, 0x3000} {
		f, _ := s.AllocFrame()
		if err := s.MapPage(a, f, PermRead); err != nil {
			t.Fatalf("MapPage(%s): %v", a, err)
		}
	}

	var got []GuestPhysAddr
	for _, m := range s.Mappings() {
		got = append(got, m.Addr())
	}
	if diff := cmp.Diff([]GuestPhysAddr{0x1000, 0x3000, 0x5000}, got); diff != "" {
		t.Fatalf("mapping order mismatch (-want +got):\n%s", diff)
	}
}

func TestCloseFreesFrames(t *testing.T) {
	alloc := &countingAllocator{}
	s, err := BuildAddressSpace(make([]byte, 3*PageSize), 0x4020_0000, WithFrameAllocator(alloc))
	if err != nil {
		t.Fatalf("BuildAddressSpace: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if alloc.frees != alloc.allocs {
		t.Fatalf("freed %d of %d frames", alloc.frees, alloc.allocs)
	}
}

func TestDefaultFrameAllocator(t *testing.T) {
	s, err := BuildAddressSpace([]byte("guest"), 0x10000)
	if err != nil {
		t.Fatalf("BuildAddressSpace: %v", err)
	}
	defer s.Close()

	buf := make([]byte, 5)
	if err := s.ReadGuest(0x10000, buf); err != nil {
		t.Fatalf("ReadGuest: %v", err)
	}
	if string(buf) != "guest" {
		t.Fatalf("got %q", buf)
	}
}

func TestDistinctRoots(t *testing.T) {
	a, b := NewPageTable(), NewPageTable()
	if a.Root() == b.Root() {
		t.Fatalf("page tables share root %#x", a.Root())
	}
	if a.Root()&(PageSize-1) != 0 {
		t.Fatalf("root %#x is not page aligned", a.Root())
	}
}

var (
	errAllocExhausted = errors.New("allocator exhausted")
	errFreeFailed     = errors.New("free failed")
)

// limitedAllocator hands out n frames and then fails; every free fails.
type limitedAllocator struct {
	n int
}

func (a *limitedAllocator) AllocFrame() ([]byte, error) {
	if a.n == 0 {
		return nil, errAllocExhausted
	}
	a.n--
	return make([]byte, PageSize), nil
}

func (a *limitedAllocator) FreeFrame([]byte) error { return errFreeFailed }

func TestBuildAddressSpaceReportsCleanupErrors(t *testing.T) {
	image := bytes.Repeat([]byte{0x13}, 3*PageSize)
	_, err := BuildAddressSpace(image, 0x8020_0000, WithFrameAllocator(&limitedAllocator{n: 1}))
	if !errors.Is(err, errAllocExhausted) {
		t.Fatalf("err = %v, want the allocation failure", err)
	}
	if !errors.Is(err, errFreeFailed) {
		t.Fatalf("err = %v, want the release failure joined in", err)
	}
}
