// Package debug is a process-wide binary trace of hypervisor events.
//
// Records are appended by reserving a region with an atomic offset and then
// writing into it, so writers never contend on a lock. Each record is:
//
//   - 2 bytes kind (1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (unix nanoseconds)
//   - source
//   - payload
package debug

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

type Writer interface {
	io.WriterAt
	io.Closer
}

type sink struct {
	w      Writer
	failed atomic.Bool
}

var (
	current atomic.Pointer[sink]
	offset  atomic.Int64
)

// OpenFile truncates filename and starts tracing into it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("debug: %w", err)
	}
	return Open(f)
}

// Open starts tracing into w. An error means a previous writer was replaced
// and may have lost records.
func Open(w Writer) error {
	offset.Store(0)
	if current.Swap(&sink{w: w}) != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

// Close stops tracing and closes the writer.
func Close() error {
	s := current.Swap(nil)
	offset.Store(0)
	if s == nil {
		return nil
	}
	return s.w.Close()
}

// Memory is an in-memory trace target.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	return copy(m.data[off:], p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns a copy of everything written so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.data)
}

// OpenMemory starts tracing into a fresh Memory.
func OpenMemory() (*Memory, error) {
	mem := &Memory{}
	return mem, Open(mem)
}

func writeRecord(kind Kind, source string, data []byte) {
	s := current.Load()
	if s == nil || s.failed.Load() {
		return
	}

	size := int64(headerSize + len(source) + len(data))
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(time.Now().UnixNano()))
	copy(buf[headerSize:], source)
	copy(buf[headerSize+len(source):], data)

	off := offset.Add(size) - size
	if _, err := s.w.WriteAt(buf, off); err != nil {
		// Tracing must never take the VM down; stop after the first failure.
		s.failed.Store(true)
		fmt.Fprintf(os.Stderr, "debug: trace write failed, tracing disabled: %v\n", err)
	}
}

func WriteBytes(source string, data []byte) { writeRecord(KindBytes, source, data) }

func Write(source string, data string) { writeRecord(KindString, source, []byte(data)) }

func Writef(source string, format string, args ...any) {
	if current.Load() == nil {
		return
	}
	writeRecord(KindString, source, fmt.Appendf(nil, format, args...))
}

// Debug writes records under a fixed source name.
type Debug interface {
	WriteBytes(data []byte)
	Write(data string)
	Writef(format string, args ...any)
}

type sourced string

func (s sourced) WriteBytes(data []byte)            { WriteBytes(string(s), data) }
func (s sourced) Write(data string)                 { Write(string(s), data) }
func (s sourced) Writef(format string, args ...any) { Writef(string(s), format, args...) }

func WithSource(source string) Debug { return sourced(source) }

// Record is one decoded trace entry.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// Reader iterates a trace in write order.
type Reader struct {
	records []Record
}

// NewReader decodes every record from r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	var (
		out []Record
		hdr [headerSize]byte
	)
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("debug: read header: %w", err)
		}
		kind := Kind(binary.LittleEndian.Uint16(hdr[0:2]))
		if kind == KindInvalid {
			// Reserved but never written, the writer stopped mid-record.
			break
		}
		srcLen := binary.LittleEndian.Uint16(hdr[2:4])
		dataLen := binary.LittleEndian.Uint32(hdr[4:8])
		ts := int64(binary.LittleEndian.Uint64(hdr[8:16]))

		body := make([]byte, int(srcLen)+int(dataLen))
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, fmt.Errorf("debug: read record: %w", err)
		}
		out = append(out, Record{
			Time:   time.Unix(0, ts),
			Kind:   kind,
			Source: string(body[:srcLen]),
			Data:   body[srcLen:],
		})
	}
	return &Reader{records: out}, nil
}

func NewReaderFromFile(filename string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("debug: %w", err)
	}
	defer f.Close()
	return NewReader(f)
}

func (r *Reader) Len() int { return len(r.records) }

// Sources lists source names in order of first appearance.
func (r *Reader) Sources() []string {
	var out []string
	seen := map[string]bool{}
	for _, rec := range r.records {
		if !seen[rec.Source] {
			seen[rec.Source] = true
			out = append(out, rec.Source)
		}
	}
	return out
}

// Each calls fn for every record whose source is in sources, or for every
// record when sources is empty.
func (r *Reader) Each(fn func(rec Record) error, sources ...string) error {
	for _, rec := range r.records {
		if len(sources) > 0 && !slices.Contains(sources, rec.Source) {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}
