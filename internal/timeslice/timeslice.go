// Package timeslice records how wall-clock time is split between running the
// guest and handling its exits.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

type header struct {
	Magic      uint32
	Version    uint32
	KindsBytes uint32
}

type ID uint32

type SliceFlags uint32

const (
	SliceFlagGuestTime SliceFlags = 1 << iota
)

func (f SliceFlags) String() string {
	var flags []string
	if f&SliceFlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	return strings.Join(flags, ",")
}

type Kind struct {
	Name  string
	Flags SliceFlags
}

var (
	kindsMu sync.Mutex
	kinds   = map[ID]Kind{}
)

// RegisterKind adds a slice kind. Call it from package initialisation.
func RegisterKind(name string, flags SliceFlags) ID {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	id := ID(len(kinds) + 1)
	kinds[id] = Kind{Name: name, Flags: flags}
	return id
}

type record struct {
	ID       ID
	_        uint32
	Duration int64
}

var recordSize = binary.Size(record{})

type recording struct {
	w    io.Writer
	ch   chan record
	done chan error
}

var active atomic.Pointer[recording]

func (r *recording) run() {
	bw := bufio.NewWriterSize(r.w, 4096)
	var err error
	for rec := range r.ch {
		if err != nil {
			continue
		}
		err = binary.Write(bw, binary.LittleEndian, rec)
	}
	if err == nil {
		err = bw.Flush()
	}
	r.done <- err
}

func (r *recording) Close() error {
	if !active.CompareAndSwap(r, nil) {
		return fmt.Errorf("timeslice: already closed")
	}
	close(r.ch)
	if err := <-r.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}
	return nil
}

// StartRecording streams records to w until the returned Closer is closed.
func StartRecording(w io.Writer) (io.Closer, error) {
	if active.Load() != nil {
		return nil, fmt.Errorf("timeslice: already recording")
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:      Magic,
		Version:    Version,
		KindsBytes: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	r := &recording{w: w, ch: make(chan record, 1024), done: make(chan error, 1)}
	if !active.CompareAndSwap(nil, r) {
		return nil, fmt.Errorf("timeslice: already recording")
	}
	go r.run()
	return r, nil
}

// Record adds one slice. It is a no-op when nothing is recording.
func Record(id ID, d time.Duration) {
	if r := active.Load(); r != nil {
		r.ch <- record{ID: id, Duration: d.Nanoseconds()}
	}
}

// Recorder attributes the time since its previous mark to a kind. It is not
// safe for concurrent use.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder { return &Recorder{last: time.Now()} }

func (r *Recorder) Record(id ID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

// ReadAllRecords decodes a recording, calling fn for each slice in order.
func ReadAllRecords(r io.Reader, fn func(kind Kind, d time.Duration) error) error {
	br := bufio.NewReader(r)

	var hdr header
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic %#x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var table map[ID]Kind
	if err := json.NewDecoder(io.LimitReader(br, int64(hdr.KindsBytes))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	buf := make([]byte, recordSize)
	for {
		if _, err := io.ReadFull(br, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		id := ID(binary.LittleEndian.Uint32(buf[0:4]))
		d := time.Duration(binary.LittleEndian.Uint64(buf[8:16]))
		kind, ok := table[id]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", id)
		}
		if err := fn(kind, d); err != nil {
			return err
		}
	}
}

// Summary aggregates the slices of one kind.
type Summary struct {
	Kind  Kind
	Count int
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s Summary) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summarize reads a recording and returns one Summary per kind, largest
// total first.
func Summarize(r io.Reader) ([]Summary, error) {
	byName := map[string]*Summary{}
	if err := ReadAllRecords(r, func(kind Kind, d time.Duration) error {
		s, ok := byName[kind.Name]
		if !ok {
			s = &Summary{Kind: kind, Min: d}
			byName[kind.Name] = s
		}
		s.Count++
		s.Total += d
		s.Min = min(s.Min, d)
		s.Max = max(s.Max, d)
		return nil
	}); err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Kind.Name < out[j].Kind.Name
	})
	return out, nil
}
