// Package asm builds small guest programs from composable fragments. Each
// architecture package supplies instruction fragments and an EmitProgram
// entry point.
package asm

import (
	"fmt"
)

type Variable int

type Label string

// Context receives the bytes produced by fragments.
type Context interface {
	EmitBytes(data []byte)

	// Offset is the number of bytes emitted so far.
	Offset() int

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

// FragmentFunc adapts a function to Fragment.
type FragmentFunc func(ctx Context) error

func (f FragmentFunc) Emit(ctx Context) error { return f(ctx) }

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// Program is the flat machine code produced by EmitProgram.
type Program struct {
	code   []byte
	labels map[Label]int
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int { return len(p.code) }

// LabelOffset returns the byte offset a label was bound to.
func (p Program) LabelOffset(label Label) (int, bool) {
	off, ok := p.labels[label]
	return off, ok
}

// Buffer is the Context shared by the architecture emitters.
type Buffer struct {
	code   []byte
	labels map[Label]int
}

func NewBuffer() *Buffer {
	return &Buffer{
		code:   make([]byte, 0, 64),
		labels: make(map[Label]int),
	}
}

func (b *Buffer) EmitBytes(data []byte) { b.code = append(b.code, data...) }
func (b *Buffer) Offset() int           { return len(b.code) }

func (b *Buffer) GetLabel(label Label) (int, bool) {
	off, ok := b.labels[label]
	return off, ok
}

func (b *Buffer) SetLabel(label Label) { b.labels[label] = len(b.code) }

// Program snapshots the buffer.
func (b *Buffer) Program() Program {
	labels := make(map[Label]int, len(b.labels))
	for k, v := range b.labels {
		labels[k] = v
	}
	return Program{code: append([]byte(nil), b.code...), labels: labels}
}

// Emit lowers frag into a Program using a fresh Buffer.
func Emit(frag Fragment) (Program, error) {
	if frag == nil {
		return Program{}, fmt.Errorf("fragment must be non-nil")
	}
	b := NewBuffer()
	if err := frag.Emit(b); err != nil {
		return Program{}, err
	}
	return b.Program(), nil
}

// BackwardDisplacement returns the byte distance from the current offset to
// an already-bound label. Forward references are not supported.
func BackwardDisplacement(ctx Context, label Label) (int, error) {
	target, ok := ctx.GetLabel(label)
	if !ok {
		return 0, fmt.Errorf("label %q is not bound before its use", label)
	}
	return target - ctx.Offset(), nil
}
