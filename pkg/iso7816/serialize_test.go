package iso7816

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// driveChain serializes cmd across fresh writers whose capacities cycle
// through caps, returning one flushed buffer per emitted unit.
func driveChain(t *testing.T, cmd *CommandAPDU, extended bool, caps []int) [][]byte {
	t.Helper()

	var units [][]byte

	i := 0
	nextWriter := func() *BufferWriter {
		w := NewBufferWriter(caps[i%len(caps)])
		i++
		return w
	}

	w := nextWriter()
	rem, err := Serialize(cmd, w, extended)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	if w.Len() > 0 {
		units = append(units, bytes.Clone(w.Bytes()))
	}

	for rem != nil {
		if i > 10_000 {
			t.Fatal("serialization does not terminate")
		}
		w = nextWriter()
		if rem, err = rem.Serialize(w); err != nil {
			t.Fatalf("Remainder.Serialize failed: %v", err)
		}
		if w.Len() > 0 {
			units = append(units, bytes.Clone(w.Bytes()))
		}
	}

	return units
}

// reassemble parses every unit and folds it into a fresh assembler.
func reassemble(t *testing.T, units [][]byte, capacity int) *CommandAPDU {
	t.Helper()

	asm := NewCommandAssembler(capacity)
	for i, raw := range units {
		view, err := ParseCommand(raw)
		if err != nil {
			t.Fatalf("unit %d does not parse: %v\nraw: %X", i, err, raw)
		}

		status, err := asm.Extend(view)
		if err != nil {
			t.Fatalf("unit %d rejected by assembler: %v", i, err)
		}
		if (i == len(units)-1) != (status == ChainComplete) {
			t.Fatalf("unit %d/%d reported status %v", i+1, len(units), status)
		}
	}

	cmd, err := asm.Command()
	if err != nil {
		t.Fatalf("Command() after complete chain: %v", err)
	}
	return cmd
}

func TestSerialize_ChainingExample(t *testing.T) {
	// 300-byte payload without extended support must become exactly two
	// short units: 255 chained bytes, then the remaining 45.
	cls, _ := NewClass(0x00)
	ins, _ := NewInstruction(INS_SELECT)
	cmd := NewCommandAPDU(cls, ins, 0x04, 0x00, make([]byte, 300), 0)

	units := driveChain(t, cmd, false, []int{4096})
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}

	wantFirst := append([]byte{0x10, 0xA4, 0x04, 0x00, 0xFF}, make([]byte, 255)...)
	if !bytes.Equal(units[0], wantFirst) {
		t.Errorf("first unit mismatch:\ngot  %X\nwant %X", units[0], wantFirst)
	}

	wantSecond := append([]byte{0x00, 0xA4, 0x04, 0x00, 0x2D}, make([]byte, 45)...)
	if !bytes.Equal(units[1], wantSecond) {
		t.Errorf("second unit mismatch:\ngot  %X\nwant %X", units[1], wantSecond)
	}

	got := reassemble(t, units, 512)
	if !bytes.Equal(got.Data, cmd.Data) {
		t.Error("reassembled payload differs from the original")
	}
}

func TestSerialize_PathologicalClass(t *testing.T) {
	// 0xEF cannot come out of NewClass; build it directly to verify that the
	// serializer re-checks before writing anything.
	ins, _ := NewInstruction(INS_SELECT)
	cmd := NewCommandAPDU(Class{raw: 0xEF}, ins, 0x00, 0x00, []byte{0x01}, 10)

	w := NewBufferWriter(64)
	_, err := Serialize(cmd, w, false)
	if !errors.Is(err, ErrInvalidClass) {
		t.Fatalf("error = %v, want ErrInvalidClass", err)
	}
	if w.Len() != 0 {
		t.Errorf("%d bytes written before rejection", w.Len())
	}
}

func TestSerialize_NeClampWithoutExtended(t *testing.T) {
	// Extended Le without extended support is silently clamped to 256,
	// the short-mode 00 sentinel. Not an error.
	cls, _ := NewClass(0x00)
	ins, _ := NewInstruction(INS_READ_BINARY)
	cmd := NewCommandAPDU(cls, ins, 0x00, 0x00, nil, MaxExtendedLe)

	units := driveChain(t, cmd, false, []int{64})
	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
	if want := []byte{0x00, 0xB0, 0x00, 0x00, 0x00}; !bytes.Equal(units[0], want) {
		t.Fatalf("unit = %X, want %X", units[0], want)
	}

	view, err := ParseCommand(units[0])
	if err != nil {
		t.Fatal(err)
	}
	if view.Ne() != MaxShortLe {
		t.Errorf("Ne = %d, want %d", view.Ne(), MaxShortLe)
	}
	if view.Extended() {
		t.Error("unit must stay short form")
	}
}

func TestSerialize_ChunkingInvariance(t *testing.T) {
	// The logical result must not depend on the writer capacities, only the
	// number of continuations does.
	cls, _ := NewClass(0x00)
	ins, _ := NewInstruction(INS_PUT_DATA)

	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	cmd := NewCommandAPDU(cls, ins, 0x12, 0x34, payload, 300)

	capSequences := [][]int{
		{4096},
		{6}, // minimum progress: header + Lc + 1 payload byte
		{7, 40, 300},
		{128},
	}

	var first *CommandAPDU
	for _, caps := range capSequences {
		units := driveChain(t, cmd, false, caps)

		for i, raw := range units {
			view, err := ParseCommand(raw)
			if err != nil {
				t.Fatalf("caps %v: unit %d does not parse: %v", caps, i, err)
			}
			if len(view.Data()) > MaxShortLc {
				t.Fatalf("caps %v: unit %d carries %d bytes", caps, i, len(view.Data()))
			}
			if view.Extended() {
				t.Fatalf("caps %v: unit %d is extended without support", caps, i)
			}
			if chained := i < len(units)-1; view.Chained() != chained {
				t.Fatalf("caps %v: unit %d chaining bit = %v", caps, i, view.Chained())
			}
		}

		got := reassemble(t, units, len(payload))
		if first == nil {
			first = got
			if !bytes.Equal(got.Data, payload) {
				t.Fatal("reassembled payload differs from the original")
			}
			if got.Ne != MaxShortLe {
				t.Fatalf("reassembled Ne = %d, want clamped %d", got.Ne, MaxShortLe)
			}
		} else if diff := cmp.Diff(first, got, cmp.AllowUnexported(Class{})); diff != "" {
			t.Fatalf("caps %v changed the logical result (-first +got):\n%s", caps, diff)
		}
	}
}

func TestSerialize_ExtendedSingleUnit(t *testing.T) {
	// With extended support and enough capacity, a 300-byte payload is one
	// extended unit, Ne uncut.
	cls, _ := NewClass(0x00)
	ins, _ := NewInstruction(INS_PUT_DATA)
	cmd := NewCommandAPDU(cls, ins, 0x00, 0x00, make([]byte, 300), 2000)

	units := driveChain(t, cmd, true, []int{4096})
	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}

	view, err := ParseCommand(units[0])
	if err != nil {
		t.Fatal(err)
	}
	if !view.Extended() {
		t.Error("unit should be extended")
	}
	if view.Chained() {
		t.Error("single unit must not carry the chaining bit")
	}
	if view.Ne() != 2000 {
		t.Errorf("Ne = %d, want 2000", view.Ne())
	}
	if len(view.Data()) != 300 {
		t.Errorf("payload = %d bytes, want 300", len(view.Data()))
	}
}

func TestSerialize_ExtendedChaining(t *testing.T) {
	// Extended mode committed, writer smaller than the unit: the chain links
	// stay extended-form, never a mix.
	cls, _ := NewClass(0x00)
	ins, _ := NewInstruction(INS_PUT_DATA)

	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	cmd := NewCommandAPDU(cls, ins, 0x00, 0x00, payload, 5000)

	units := driveChain(t, cmd, true, []int{128})
	if len(units) < 2 {
		t.Fatalf("got %d units, want a chain", len(units))
	}

	for i, raw := range units {
		view, err := ParseCommand(raw)
		if err != nil {
			t.Fatalf("unit %d does not parse: %v", i, err)
		}
		if !view.Extended() {
			t.Fatalf("unit %d fell back to short form mid-chain", i)
		}
	}

	got := reassemble(t, units, len(payload))
	if !bytes.Equal(got.Data, payload) {
		t.Error("reassembled payload differs from the original")
	}
	if got.Ne != 5000 {
		t.Errorf("Ne = %d, want 5000 (no clamping with extended support)", got.Ne)
	}
}

func TestSerialize_NoProgressOnTinyWriter(t *testing.T) {
	cls, _ := NewClass(0x00)
	ins, _ := NewInstruction(INS_PUT_DATA)
	cmd := NewCommandAPDU(cls, ins, 0x00, 0x00, []byte{1, 2, 3}, 0)

	// 5 bytes: not enough for the 8-byte unit nor for header+Lc+1.
	w := NewBufferWriter(5)
	rem, err := Serialize(cmd, w, false)
	if err != nil {
		t.Fatal(err)
	}
	if rem == nil {
		t.Fatal("command cannot be complete in 5 bytes")
	}
	if w.Len() != 0 {
		t.Fatalf("%d bytes written into a writer too small for any unit", w.Len())
	}

	// 6 bytes allow a one-byte chained unit.
	w = NewBufferWriter(6)
	rem, err = rem.Serialize(w)
	if err != nil {
		t.Fatal(err)
	}
	if rem == nil {
		t.Fatal("chain cannot be complete yet")
	}
	if want := []byte{0x10, 0xDA, 0x00, 0x00, 0x01, 0x01}; !bytes.Equal(w.Bytes(), want) {
		t.Fatalf("unit = %X, want %X", w.Bytes(), want)
	}
}

// trickleWriter advertises plenty of capacity but accepts at most a few bytes
// per call, exercising resumption inside a unit.
type trickleWriter struct {
	buf     []byte
	perCall int
}

func (w *trickleWriter) Write(p []byte) (int, error) {
	n := min(w.perCall, len(p))
	w.buf = append(w.buf, p[:n]...)
	return n, nil
}

func (w *trickleWriter) RemainingLen() int { return MaxAPDUBufferSize }

func TestSerialize_WriterShortCounts(t *testing.T) {
	// A writer may accept fewer bytes than RemainingLen promised; the
	// serializer resumes inside the current unit and the byte stream comes
	// out identical, however the accepted counts fall.
	cls, _ := NewClass(0x00)
	ins, _ := NewInstruction(INS_PUT_DATA)
	cmd := NewCommandAPDU(cls, ins, 0x56, 0x78, []byte{0xDE, 0xAD, 0xBE, 0xEF}, 256)

	want, err := cmd.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	for _, perCall := range []int{1, 2, 3, 5} {
		w := &trickleWriter{perCall: perCall}
		rem, err := Serialize(cmd, w, false)
		if err != nil {
			t.Fatal(err)
		}
		for rounds := 0; rem != nil; rounds++ {
			if rounds > 100 {
				t.Fatal("serialization does not terminate")
			}
			if rem, err = rem.Serialize(w); err != nil {
				t.Fatal(err)
			}
		}
		if !bytes.Equal(w.buf, want) {
			t.Errorf("perCall=%d: stream %X, want %X", perCall, w.buf, want)
		}
	}
}

type writerError struct{}

func (writerError) Error() string { return "transport torn down" }

// failingWriter fails after accepting a fixed number of bytes.
type failingWriter struct {
	accepted int
	left     int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.left <= 0 {
		return 0, writerError{}
	}
	n := min(w.left, len(p))
	w.left -= n
	w.accepted += n
	return n, nil
}

func (w *failingWriter) RemainingLen() int { return MaxAPDUBufferSize }

func TestSerialize_WriterErrorPropagates(t *testing.T) {
	cls, _ := NewClass(0x00)
	ins, _ := NewInstruction(INS_PUT_DATA)
	cmd := NewCommandAPDU(cls, ins, 0x00, 0x00, make([]byte, 32), 0)

	w := &failingWriter{left: 3}
	rem, err := Serialize(cmd, w, false)
	var werr writerError
	if !errors.As(err, &werr) {
		t.Fatalf("error = %v, want the writer's own error", err)
	}
	if rem == nil {
		t.Fatal("remainder must survive a writer error for retry")
	}
}

func FuzzSerializeRoundTrip(f *testing.F) {
	f.Add(byte(0x00), byte(0xA4), byte(0x04), byte(0x00), uint32(0), uint32(256), false, []byte{})
	f.Add(byte(0x00), byte(0xDA), byte(0x12), byte(0x34), uint32(65536), uint32(128), false, bytes.Repeat([]byte{0xAB}, 300))
	f.Add(byte(0x80), byte(0x20), byte(0x00), byte(0x80), uint32(300), uint32(1000), true, bytes.Repeat([]byte{0x01}, 1000))
	f.Add(byte(0x10), byte(0xB0), byte(0xFF), byte(0xFF), uint32(1), uint32(131), true, []byte{0x42})

	f.Fuzz(func(t *testing.T, cla, ins, p1, p2 byte, ne, capSeed uint32, extended bool, data []byte) {
		// The logical command never carries the chaining bit; the engine owns it.
		class, err := NewClass(cla &^ 0x10)
		if err != nil {
			t.Skip()
		}
		if len(data) > MaxExtendedLc {
			data = data[:MaxExtendedLc]
		}
		expNe := int(ne % (MaxExtendedLe + 1))

		cmd := &CommandAPDU{
			Class:       class,
			Instruction: rawInstruction(ins),
			P1:          p1,
			P2:          p2,
			Data:        data,
			Ne:          expNe,
		}

		// Capacities of at least 128 always allow progress.
		capacity := 128 + int(capSeed%4096)

		asm := NewCommandAssembler(MaxExtendedLc)
		w := NewBufferWriter(capacity)
		rem, err := Serialize(cmd, w, extended)
		if err != nil {
			t.Fatalf("Serialize: %v", err)
		}

		for rounds := 0; ; rounds++ {
			if rounds > 4096 {
				t.Fatal("serialization does not terminate")
			}

			view, err := ParseCommand(w.Bytes())
			if err != nil {
				t.Fatalf("flushed buffer does not parse: %v\nraw: %X", err, w.Bytes())
			}
			if !extended {
				if view.Extended() {
					t.Fatal("extended unit emitted without extended support")
				}
				if len(view.Data()) > MaxShortLc {
					t.Fatalf("short unit carries %d bytes", len(view.Data()))
				}
			}
			if view.Chained() != (rem != nil) {
				t.Fatalf("chaining bit %v with remainder %v", view.Chained(), rem != nil)
			}

			if _, err := asm.Extend(view); err != nil {
				t.Fatalf("Extend: %v", err)
			}

			if rem == nil {
				break
			}
			w = NewBufferWriter(capacity)
			if rem, err = rem.Serialize(w); err != nil {
				t.Fatalf("Remainder.Serialize: %v", err)
			}
		}

		got, err := asm.Command()
		if err != nil {
			t.Fatalf("Command: %v", err)
		}

		if !extended && expNe > MaxShortLe {
			// Without extended support Le is clamped to 256.
			expNe = MaxShortLe
		}

		if got.Class.Byte() != cmd.Class.Byte() {
			t.Errorf("class %02X, want %02X", got.Class.Byte(), cmd.Class.Byte())
		}
		if got.Instruction.Raw != cmd.Instruction.Raw || got.P1 != p1 || got.P2 != p2 {
			t.Error("header fields changed across the chain")
		}
		if !bytes.Equal(got.Data, data) {
			t.Errorf("payload changed: %d bytes, want %d", len(got.Data), len(data))
		}
		if got.Ne != expNe {
			t.Errorf("Ne = %d, want %d", got.Ne, expNe)
		}
	})
}
