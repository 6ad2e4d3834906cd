package iso7816

import (
	"errors"
	"fmt"
)

// COMMAND PARSING (receive side):
// ParseCommand decodes the raw bytes of exactly one physical unit. The
// returned CommandView borrows the input buffer - payload access is zero-copy
// and the view is only valid as long as that buffer lives. Reassembling a
// chain, whose units arrive in buffers with separate lifetimes, is the job of
// CommandAssembler, which owns its storage.
//
// The body after the 4-byte header is disambiguated by its first byte and its
// length (ISO 7816-4, 5.1):
//   - empty                  -> Case 1, no payload, no Le.
//   - single byte            -> Case 2 Short, Le (00 encodes 256).
//   - first byte != 00       -> Short Lc, payload, then optional short Le.
//   - 00 + exactly 2 bytes   -> Case 2 Extended, Le (0000 encodes 65536).
//   - 00 + 2-byte length + payload -> Extended Lc, then optional 2-byte Le.
// Anything else is a malformed unit.

// ErrParse is wrapped by every CommandView parsing failure.
var ErrParse = errors.New("malformed command unit")

// CommandView is a zero-copy decoding of one physical command APDU.
type CommandView struct {
	class       Class
	instruction Instruction
	p1, p2      byte
	data        []byte
	ne          int
	extended    bool
}

// ParseCommand decodes one physical unit. The view borrows raw.
func ParseCommand(raw []byte) (CommandView, error) {
	if len(raw) < 4 {
		return CommandView{}, fmt.Errorf("%w: %d bytes, need at least the 4-byte header", ErrParse, len(raw))
	}

	class, err := NewClass(raw[0])
	if err != nil {
		return CommandView{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	v := CommandView{
		class:       class,
		instruction: rawInstruction(raw[1]),
		p1:          raw[2],
		p2:          raw[3],
	}

	body := raw[4:]
	switch {
	case len(body) == 0:
		// Case 1: header only.

	case len(body) == 1:
		// Case 2 Short: a single trailing byte is Le.
		v.ne = decodeShortLe(body[0])

	case body[0] != 0x00:
		// Short Lc.
		lc := int(body[0])
		rest := body[1:]
		if len(rest) < lc {
			return CommandView{}, fmt.Errorf("%w: Lc %d but only %d body bytes", ErrParse, lc, len(rest))
		}
		v.data = rest[:lc]

		switch tail := rest[lc:]; len(tail) {
		case 0:
		case 1:
			v.ne = decodeShortLe(tail[0])
		default:
			return CommandView{}, fmt.Errorf("%w: %d trailing bytes after short Lc", ErrParse, len(tail))
		}

	case len(body) == 3:
		// Case 2 Extended: 00 + 2-byte Le, no payload.
		v.ne = decodeExtendedLe(body[1], body[2])
		v.extended = true

	case len(body) == 2:
		return CommandView{}, fmt.Errorf("%w: 2-byte body starting with 00", ErrParse)

	default:
		// Extended Lc: 00 + 2-byte big-endian length.
		lc := int(body[1])<<8 | int(body[2])
		if lc == 0 {
			return CommandView{}, fmt.Errorf("%w: extended Lc of zero", ErrParse)
		}
		rest := body[3:]
		if len(rest) < lc {
			return CommandView{}, fmt.Errorf("%w: extended Lc %d but only %d body bytes", ErrParse, lc, len(rest))
		}
		v.data = rest[:lc]
		v.extended = true

		switch tail := rest[lc:]; len(tail) {
		case 0:
		case 2:
			v.ne = decodeExtendedLe(tail[0], tail[1])
		default:
			// A 1-byte (short) or 3-byte Le after an extended Lc mixes the
			// two encodings.
			return CommandView{}, fmt.Errorf("%w: %d trailing bytes after extended Lc", ErrParse, len(tail))
		}
	}

	return v, nil
}

func decodeShortLe(b byte) int {
	if b == 0x00 {
		return MaxShortLe
	}
	return int(b)
}

func decodeExtendedLe(hi, lo byte) int {
	if hi == 0 && lo == 0 {
		return MaxExtendedLe
	}
	return int(hi)<<8 | int(lo)
}

// Class returns the CLA of this unit, chaining bit included.
func (v CommandView) Class() Class { return v.class }

// Instruction returns the INS of this unit.
func (v CommandView) Instruction() Instruction { return v.instruction }

// P1 returns the first parameter byte.
func (v CommandView) P1() byte { return v.p1 }

// P2 returns the second parameter byte.
func (v CommandView) P2() byte { return v.p2 }

// Data returns the payload of this unit. The slice borrows the parsed buffer.
func (v CommandView) Data() []byte { return v.data }

// Ne returns the expected response length this unit solicits (0 for none,
// 256 and 65536 for the 00 sentinels).
func (v CommandView) Ne() int { return v.ne }

// Extended reports whether this unit used extended length fields.
func (v CommandView) Extended() bool { return v.extended }

// Chained reports whether the chaining bit is set, i.e. more units of the
// same logical command follow.
func (v CommandView) Chained() bool { return v.class.IsChained() }

// String returns a readable summary of the unit.
func (v CommandView) String() string {
	form := "short"
	if v.extended {
		form = "extended"
	}
	chain := "final"
	if v.Chained() {
		chain = "chained"
	}
	return fmt.Sprintf("CLA %02X INS %02X P1 %02X P2 %02X | Lc: %d | Le: %d | %s, %s",
		v.class.Byte(), byte(v.instruction.Raw), v.p1, v.p2, len(v.data), v.ne, form, chain)
}
