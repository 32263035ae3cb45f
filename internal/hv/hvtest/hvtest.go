// Package hvtest holds helpers shared by the backend register-context tests.
package hvtest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/guestaspace/internal/hv"
)

// RegisterMismatchError is used for checking registers.
type RegisterMismatchError []string

func (r RegisterMismatchError) Error() string {
	return strings.Join([]string(r), ";")
}

// addRegisterMismatch allows simple chaining of register mismatches.
func addRegisterMismatch(err error, reg string, got, expected any) error {
	errStr := fmt.Sprintf("%s got %08x, expected %08x", reg, got, expected)
	switch r := err.(type) {
	case nil:
		return RegisterMismatchError{errStr}
	case RegisterMismatchError:
		return append(r, errStr)
	default:
		return err
	}
}

// Pattern assigns each register a distinct, recognisable value derived from
// seed.
func Pattern(seed uint64, regs ...hv.Register) map[hv.Register]hv.RegisterValue {
	out := make(map[hv.Register]hv.RegisterValue, len(regs))
	for i, r := range regs {
		out[r] = hv.Register64(seed<<32 | uint64(i+1)*0x1111)
	}
	return out
}

// Range lists the registers from first to last inclusive.
func Range(first, last hv.Register) []hv.Register {
	var out []hv.Register
	for r := first; r <= last; r++ {
		out = append(out, r)
	}
	return out
}

type registerGetter interface {
	GetRegisters(regs map[hv.Register]hv.RegisterValue) error
}

// CheckRegisters reads every register in want from vcpu and reports all
// mismatches in one RegisterMismatchError.
func CheckRegisters(vcpu registerGetter, want map[hv.Register]hv.RegisterValue) error {
	got := make(map[hv.Register]hv.RegisterValue, len(want))
	for r := range want {
		got[r] = nil
	}
	if err := vcpu.GetRegisters(got); err != nil {
		return err
	}

	keys := make([]hv.Register, 0, len(want))
	for r := range want {
		keys = append(keys, r)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var err error
	for _, r := range keys {
		if !cmp.Equal(got[r], want[r]) {
			err = addRegisterMismatch(err, r.String(), got[r], want[r])
		}
	}
	return err
}

// Diff renders the difference between two register files.
func Diff(want, got map[hv.Register]hv.RegisterValue) string {
	return cmp.Diff(want, got)
}

// CheckFile compares two raw register arrays, naming entries with names.
func CheckFile[T comparable](names []string, got, want []T) error {
	var err error
	for i := range want {
		if i >= len(got) {
			return addRegisterMismatch(err, names[i], "missing", want[i])
		}
		if got[i] != want[i] {
			err = addRegisterMismatch(err, names[i], got[i], want[i])
		}
	}
	return err
}
