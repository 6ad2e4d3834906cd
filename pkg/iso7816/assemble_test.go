package iso7816

import (
	"bytes"
	"errors"
	"testing"
)

func mustView(t *testing.T, raw string) CommandView {
	t.Helper()
	v, err := ParseCommand(mustHex(t, raw))
	if err != nil {
		t.Fatalf("ParseCommand(%s) failed: %v", raw, err)
	}
	return v
}

func TestCommandAssembler_TwoUnitChain(t *testing.T) {
	asm := NewCommandAssembler(16)

	status, err := asm.Extend(mustView(t, "10 D6 00 00 03 01 02 03"))
	if err != nil {
		t.Fatal(err)
	}
	if status != ChainContinuing {
		t.Fatalf("status = %v, want Continuing", status)
	}
	if asm.Complete() {
		t.Error("Complete() true with the chain still open")
	}
	if _, err := asm.Command(); err == nil {
		t.Error("Command() succeeded with the chain still open")
	}

	status, err = asm.Extend(mustView(t, "00 D6 00 00 02 04 05 0A"))
	if err != nil {
		t.Fatal(err)
	}
	if status != ChainComplete {
		t.Fatalf("status = %v, want Complete", status)
	}

	cmd, err := asm.Command()
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Class.Byte() != 0x00 {
		t.Errorf("Class = %02X, want 00 (chaining bit stripped)", cmd.Class.Byte())
	}
	if !bytes.Equal(cmd.Data, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("Data = %X, want 0102030405", cmd.Data)
	}
	if cmd.Ne != 0x0A {
		t.Errorf("Ne = %d, want 10 (final unit's Le)", cmd.Ne)
	}
}

func TestCommandAssembler_SingleUnit(t *testing.T) {
	asm := NewCommandAssembler(16)

	status, err := asm.Extend(mustView(t, "00 A4 04 00 02 3F 00"))
	if err != nil {
		t.Fatal(err)
	}
	if status != ChainComplete {
		t.Fatalf("status = %v, want Complete", status)
	}

	cmd, err := asm.Command()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(cmd.Data, []byte{0x3F, 0x00}) {
		t.Errorf("Data = %X", cmd.Data)
	}
}

func TestCommandAssembler_DatalessFinalUnit(t *testing.T) {
	// A chain may end with a unit that only carries the Le; this happens when
	// the payload filled earlier units exactly.
	asm := NewCommandAssembler(16)

	if _, err := asm.Extend(mustView(t, "10 D6 00 00 03 01 02 03")); err != nil {
		t.Fatal(err)
	}
	status, err := asm.Extend(mustView(t, "00 D6 00 00 08"))
	if err != nil {
		t.Fatal(err)
	}
	if status != ChainComplete {
		t.Fatalf("status = %v, want Complete", status)
	}

	cmd, _ := asm.Command()
	if !bytes.Equal(cmd.Data, []byte{1, 2, 3}) || cmd.Ne != 8 {
		t.Errorf("Data = %X, Ne = %d", cmd.Data, cmd.Ne)
	}
}

func TestCommandAssembler_HeaderMismatch(t *testing.T) {
	tests := []struct {
		name   string
		second string
	}{
		{"Class", "80 D6 00 00 01 04"},
		{"Instruction", "00 D0 00 00 01 04"},
		{"P1", "00 D6 01 00 01 04"},
		{"P2", "00 D6 00 01 01 04"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			asm := NewCommandAssembler(16)
			if _, err := asm.Extend(mustView(t, "10 D6 00 00 03 01 02 03")); err != nil {
				t.Fatal(err)
			}
			if _, err := asm.Extend(mustView(t, tc.second)); !errors.Is(err, ErrHeaderMismatch) {
				t.Fatalf("error = %v, want ErrHeaderMismatch", err)
			}
		})
	}
}

func TestCommandAssembler_OnlyChainingBitMayDiffer(t *testing.T) {
	// The final unit drops the chaining bit; that is not a header mismatch.
	asm := NewCommandAssembler(16)
	if _, err := asm.Extend(mustView(t, "10 D6 00 00 01 01")); err != nil {
		t.Fatal(err)
	}
	if _, err := asm.Extend(mustView(t, "00 D6 00 00 01 02")); err != nil {
		t.Fatal(err)
	}
}

func TestCommandAssembler_CapacityExceeded(t *testing.T) {
	asm := NewCommandAssembler(4)

	if _, err := asm.Extend(mustView(t, "10 D6 00 00 03 01 02 03")); err != nil {
		t.Fatal(err)
	}

	_, err := asm.Extend(mustView(t, "00 D6 00 00 02 04 05"))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("error = %v, want ErrCapacityExceeded", err)
	}
	// The failing unit must not have been partially folded in.
	if !bytes.Equal(asm.Data(), []byte{1, 2, 3}) {
		t.Errorf("Data = %X after rejected unit, want 010203", asm.Data())
	}
}

func TestCommandAssembler_AlreadyComplete(t *testing.T) {
	asm := NewCommandAssembler(16)

	if _, err := asm.Extend(mustView(t, "00 D6 00 00 01 01")); err != nil {
		t.Fatal(err)
	}
	if _, err := asm.Extend(mustView(t, "00 D6 00 00 01 02")); !errors.Is(err, ErrAlreadyComplete) {
		t.Fatalf("error = %v, want ErrAlreadyComplete", err)
	}
}

func TestCommandAssembler_OwnsItsData(t *testing.T) {
	// The assembler copies payloads; mutating the receive buffer afterwards
	// must not leak through.
	raw := mustHex(t, "00 D6 00 00 02 0A 0B")
	v, err := ParseCommand(raw)
	if err != nil {
		t.Fatal(err)
	}

	asm := NewCommandAssembler(8)
	if _, err := asm.Extend(v); err != nil {
		t.Fatal(err)
	}

	raw[5] = 0xEE
	if asm.Data()[0] != 0x0A {
		t.Error("assembler payload aliases the receive buffer")
	}
}

func TestChainStatus_String(t *testing.T) {
	if got := ChainContinuing.String(); got != "Continuing" {
		t.Errorf("got %q", got)
	}
	if got := ChainComplete.String(); got != "Complete" {
		t.Errorf("got %q", got)
	}
}
