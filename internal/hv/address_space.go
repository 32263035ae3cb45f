package hv

import (
	"errors"
	"fmt"
	"log/slog"
)

// FrameAllocator supplies zeroed host pages that back guest memory.
type FrameAllocator interface {
	AllocFrame() ([]byte, error)
	FreeFrame(frame []byte) error
}

// GuestAddressSpace is the guest-physical to host-frame mapping of one VM.
// Pages are mapped at most once and never unmapped while the VM runs.
//
// It is owned by the goroutine driving the run loop and is not safe for
// concurrent use.
type GuestAddressSpace struct {
	table  PageTable
	frames FrameAllocator
	log    *slog.Logger

	image AddressRange
}

type AddressSpaceOption func(*GuestAddressSpace)

func WithPageTable(t PageTable) AddressSpaceOption {
	return func(s *GuestAddressSpace) { s.table = t }
}

func WithFrameAllocator(a FrameAllocator) AddressSpaceOption {
	return func(s *GuestAddressSpace) { s.frames = a }
}

func WithAddressSpaceLogger(l *slog.Logger) AddressSpaceOption {
	return func(s *GuestAddressSpace) { s.log = l }
}

// NewGuestAddressSpace returns an empty address space.
func NewGuestAddressSpace(opts ...AddressSpaceOption) *GuestAddressSpace {
	s := &GuestAddressSpace{}
	for _, opt := range opts {
		opt(s)
	}
	if s.table == nil {
		s.table = NewPageTable()
	}
	if s.frames == nil {
		s.frames = DefaultFrameAllocator()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// BuildAddressSpace places image at base. The image is mapped read+execute,
// rounded up to whole pages with the tail of the last page zeroed.
func BuildAddressSpace(image []byte, base GuestPhysAddr, opts ...AddressSpaceOption) (*GuestAddressSpace, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("address space: guest image is empty")
	}
	if base.PageOffset() != 0 {
		return nil, fmt.Errorf("address space: image base %s is not page aligned", base)
	}

	s := NewGuestAddressSpace(opts...)

	size := alignUp(uint64(len(image)), PageSize)
	for off := uint64(0); off < size; off += PageSize {
		frame, err := s.AllocFrame()
		if err != nil {
			return nil, errors.Join(fmt.Errorf("address space: %w", err), s.Close())
		}
		end := min(off+PageSize, uint64(len(image)))
		copy(frame, image[off:end])

		if err := s.MapPage(base+GuestPhysAddr(off), frame, PermRead|PermExec); err != nil {
			return nil, errors.Join(err, s.frames.FreeFrame(frame), s.Close())
		}
	}
	s.image = AddressRange{Start: base, End: base + GuestPhysAddr(size)}

	s.log.Debug("address space built",
		"base", base,
		"pages", size/PageSize,
		"root", fmt.Sprintf("%#x", s.table.Root()),
	)
	return s, nil
}

// AllocFrame returns a zeroed, unmapped host page.
func (s *GuestAddressSpace) AllocFrame() ([]byte, error) {
	frame, err := s.frames.AllocFrame()
	if err != nil {
		return nil, err
	}
	if len(frame) != PageSize {
		return nil, fmt.Errorf("frame allocator returned %d bytes", len(frame))
	}
	clear(frame)
	return frame, nil
}

// MapPage installs frame at the page containing gpa. It returns an error
// wrapping ErrAlreadyMapped if that page is already present.
func (s *GuestAddressSpace) MapPage(gpa GuestPhysAddr, frame []byte, perm Perm) error {
	page := gpa.PageDown()
	if err := s.table.Map(Mapping{GPN: page.PageNumber(), Frame: frame, Perm: perm}); err != nil {
		return fmt.Errorf("address space: map %s: %w", page, err)
	}
	return nil
}

// IsMapped reports whether the page containing gpa is present.
func (s *GuestAddressSpace) IsMapped(gpa GuestPhysAddr) bool {
	_, ok := s.table.Lookup(gpa.PageNumber())
	return ok
}

// Translate returns the mapping for the page containing gpa.
func (s *GuestAddressSpace) Translate(gpa GuestPhysAddr) (Mapping, bool) {
	return s.table.Lookup(gpa.PageNumber())
}

func (s *GuestAddressSpace) Root() uint64 { return s.table.Root() }

// Image is the page-rounded range the guest image occupies.
func (s *GuestAddressSpace) Image() AddressRange { return s.image }

func (s *GuestAddressSpace) MappedPages() int { return s.table.Len() }

// Mappings lists every mapping in ascending address order.
func (s *GuestAddressSpace) Mappings() []Mapping {
	out := make([]Mapping, 0, s.table.Len())
	s.table.Walk(func(m Mapping) bool {
		out = append(out, m)
		return true
	})
	return out
}

// ReadGuest copies guest memory at gpa into p without permission checks.
// Every page touched must be mapped.
func (s *GuestAddressSpace) ReadGuest(gpa GuestPhysAddr, p []byte) error {
	return s.access(gpa, p, func(frame, buf []byte) { copy(buf, frame) })
}

// WriteGuest copies p into guest memory at gpa without permission checks.
func (s *GuestAddressSpace) WriteGuest(gpa GuestPhysAddr, p []byte) error {
	return s.access(gpa, p, func(frame, buf []byte) { copy(frame, buf) })
}

func (s *GuestAddressSpace) access(gpa GuestPhysAddr, p []byte, fn func(frame, buf []byte)) error {
	for len(p) > 0 {
		m, ok := s.Translate(gpa)
		if !ok {
			return fmt.Errorf("address space: %s is not mapped", gpa.PageDown())
		}
		off := gpa.PageOffset()
		n := min(uint64(len(p)), PageSize-off)
		fn(m.Frame[off:off+n], p[:n])
		p = p[n:]
		gpa += GuestPhysAddr(n)
	}
	return nil
}

// Close releases every host frame. The address space must not be used
// afterwards.
func (s *GuestAddressSpace) Close() error {
	var errs []error
	s.table.Walk(func(m Mapping) bool {
		if err := s.frames.FreeFrame(m.Frame); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	s.table = NewPageTable()
	return errors.Join(errs...)
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
