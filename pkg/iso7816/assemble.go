package iso7816

import (
	"errors"
	"fmt"
)

// CHAIN REASSEMBLY (receive side):
// The peer of the chaining engine: it folds the parsed units of one command
// chain back into a single logical command. Unlike CommandView, which borrows
// the receive buffer of a single unit, the assembler owns a bounded buffer it
// copies payloads into, because a chain outlives the individual buffers its
// units arrived in.
//
// The header fields of a chain are pinned by its first unit: every later unit
// must repeat CLA (ignoring the chaining bit), INS, P1 and P2, or the chain is
// corrupt and must be discarded and re-received. Only the final unit's Le is
// authoritative.

// Reassembly errors.
var (
	// ErrHeaderMismatch flags a chain unit whose header disagrees with the
	// first unit of the chain.
	ErrHeaderMismatch = errors.New("chain unit header mismatch")

	// ErrCapacityExceeded flags a chain whose accumulated payload would
	// overflow the assembler's fixed capacity.
	ErrCapacityExceeded = errors.New("assembler capacity exceeded")

	// ErrAlreadyComplete flags an Extend call after the final unit was folded
	// in; the assembler is terminal and the call is a programming error.
	ErrAlreadyComplete = errors.New("chain already complete")
)

// ChainStatus is the outcome of folding one unit into a CommandAssembler.
type ChainStatus int

const (
	// ChainContinuing means the unit carried the chaining bit; more units of
	// the same command are expected.
	ChainContinuing ChainStatus = iota

	// ChainComplete means the final unit was folded in; the reassembled
	// command is available.
	ChainComplete
)

func (s ChainStatus) String() string {
	switch s {
	case ChainContinuing:
		return "Continuing"
	case ChainComplete:
		return "Complete"
	default:
		return fmt.Sprintf("ChainStatus(%d)", int(s))
	}
}

// CommandAssembler reassembles one command chain into a logical command,
// bounded by a fixed payload capacity.
type CommandAssembler struct {
	capacity int
	seeded   bool
	complete bool

	class       Class // chaining bit stripped
	instruction Instruction
	p1, p2      byte
	data        []byte
	ne          int
}

// NewCommandAssembler creates an empty assembler accepting up to capacity
// payload bytes. The buffer is allocated once, up front.
func NewCommandAssembler(capacity int) *CommandAssembler {
	return &CommandAssembler{
		capacity: capacity,
		data:     make([]byte, 0, capacity),
	}
}

// Extend folds one parsed unit into the assembler.
//
// The first unit seeds the header fields (chaining bit masked off); every
// later unit must agree with them. The unit's payload is copied in, failing
// with ErrCapacityExceeded before anything is appended if it would not fit.
// ChainComplete is returned once a unit without the chaining bit is folded
// in; any further call fails with ErrAlreadyComplete.
func (a *CommandAssembler) Extend(v CommandView) (ChainStatus, error) {
	if a.complete {
		return 0, ErrAlreadyComplete
	}

	stripped := v.Class().withoutChaining()
	if !a.seeded {
		a.class = stripped
		a.instruction = v.Instruction()
		a.p1 = v.P1()
		a.p2 = v.P2()
		a.seeded = true
	} else if stripped.Byte() != a.class.Byte() ||
		v.Instruction().Raw != a.instruction.Raw ||
		v.P1() != a.p1 || v.P2() != a.p2 {
		return 0, fmt.Errorf("%w: unit %s", ErrHeaderMismatch, v.String())
	}

	if len(a.data)+len(v.Data()) > a.capacity {
		return 0, fmt.Errorf("%w: %d + %d bytes over %d",
			ErrCapacityExceeded, len(a.data), len(v.Data()), a.capacity)
	}
	a.data = append(a.data, v.Data()...)

	// Chain units carry no Le; the final unit's value wins.
	a.ne = v.Ne()

	if v.Chained() {
		return ChainContinuing, nil
	}
	a.complete = true
	return ChainComplete, nil
}

// Complete reports whether the final unit has been folded in.
func (a *CommandAssembler) Complete() bool {
	return a.complete
}

// Data returns the payload accumulated so far.
func (a *CommandAssembler) Data() []byte {
	return a.data
}

// Command returns the reassembled logical command. It fails until the chain
// is complete.
func (a *CommandAssembler) Command() (*CommandAPDU, error) {
	if !a.complete {
		return nil, fmt.Errorf("chain still open, cannot produce a command")
	}
	return &CommandAPDU{
		Class:       a.class,
		Instruction: a.instruction,
		P1:          a.p1,
		P2:          a.p2,
		Data:        a.data,
		Ne:          a.ne,
	}, nil
}
