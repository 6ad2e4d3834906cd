package iso7816

import (
	"errors"
	"fmt"
)

// SERIALIZATION & COMMAND CHAINING (ISO 7816-4, 5.1.1.1):
// A logical command does not always fit in one physical APDU. Two independent
// limits force splitting:
//
// 1. Encoding limit: without extended-length support, Lc caps the payload of
//    one unit at 255 bytes. A longer payload is sent as a CHAIN of short
//    units, each carrying the chaining bit (bit 5 of CLA) except the last.
//
// 2. Transport limit: the Writer may hold fewer bytes than one unit needs.
//    The engine then closes the current chain unit early, sized to what the
//    writer guarantees, so that every flushed buffer contains only complete
//    units. The rest of the command continues in the next writer.
//
// The encoding mode (Short vs Extended) is decided once, from the whole
// logical command, before the first byte goes out, and is never re-evaluated
// mid-chain: a command is never a mix of short and extended units.
//
// When a writer runs out before the command completes, Serialize hands back a
// Remainder. The caller flushes its buffer, obtains fresh capacity and calls
// Serialize on the Remainder, repeating until it gets nil.

// Serialization errors. All are detected before any byte is written.
var (
	// ErrInvalidClass flags the CLA bytes whose chained form would collide
	// with the reserved value 0xFF.
	ErrInvalidClass = errors.New("class byte cannot carry the chaining bit")

	// ErrDataOverflow flags a payload longer than the extended Lc limit (65535).
	ErrDataOverflow = errors.New("command data exceeds the extended Lc limit")

	// ErrNeOverflow flags an expected response length outside 0..65536.
	ErrNeOverflow = errors.New("expected response length exceeds the extended Le limit")
)

// Serialize encodes cmd into w as a sequence of physical APDUs, one unit per
// call: when the command needs more than one unit, the return value is a
// Remainder positioned at the start of the next one, even if the writer still
// has room. Flushing after every call therefore yields one unit per flush.
//
// extendedSupported declares whether the receiving side accepts extended
// length fields. Without it, a payload over 255 bytes is command-chained and
// Ne is silently clamped to 256 (a defined normalization, not an error).
//
// A nil Remainder means the command is fully written. A non-nil Remainder
// means the writer ran out of capacity; call its Serialize method with a new
// writer to continue. Writer errors are returned verbatim, with the Remainder
// still valid for a retry on a healthy writer.
func Serialize(cmd *CommandAPDU, w Writer, extendedSupported bool) (*Remainder, error) {
	switch cmd.Class.Byte() {
	case 0xEF, 0xFF:
		return nil, fmt.Errorf("CLA %02X: %w", cmd.Class.Byte(), ErrInvalidClass)
	}
	if len(cmd.Data) > MaxExtendedLc {
		return nil, fmt.Errorf("%d bytes: %w", len(cmd.Data), ErrDataOverflow)
	}
	if cmd.Ne < 0 || cmd.Ne > MaxExtendedLe {
		return nil, fmt.Errorf("Ne %d: %w", cmd.Ne, ErrNeOverflow)
	}

	r := &Remainder{
		cmd:      cmd,
		extended: extendedSupported && (len(cmd.Data) > MaxShortLc || cmd.Ne > MaxShortLe),
		ne:       cmd.Ne,
	}
	if !extendedSupported && r.ne > MaxShortLe {
		r.ne = MaxShortLe
	}

	return r.Serialize(w)
}

// Remainder is the resume state of a partially serialized command.
//
// It pins the originating command, the payload offset already emitted, the
// committed encoding mode, and - when a writer accepted a short count - the
// position inside the unit currently on the wire. A Remainder is only valid
// for the command it was produced for; dropping it abandons the partial chain
// with no other side effect.
type Remainder struct {
	cmd      *CommandAPDU
	extended bool // encoding mode, committed before the first byte
	ne       int  // expected length after short-mode clamping

	offset int // payload bytes covered by completed units

	// In-progress unit, present when a writer stopped mid-unit.
	cur      *unit
	curOff   int  // bytes of cur already accepted
	curFinal bool // cur is the closing, non-chained unit
}

// Serialize continues writing the command. Each call emits at most one
// physical unit, so a flush boundary never falls inside a unit unless the
// writer itself accepted a short count. Same contract as the package-level
// Serialize: nil means the chain is closed.
func (r *Remainder) Serialize(w Writer) (*Remainder, error) {
	if r.cur == nil && !r.startUnit(w) {
		// Not even a one-byte chain unit fits this writer (or there is no
		// payload left to split). Wait for a writer with more capacity
		// rather than splitting a unit across flush boundaries.
		return r, nil
	}

	done, err := r.flushCurrent(w)
	if err != nil {
		return r, err
	}
	if !done {
		return r, nil
	}

	r.offset += len(r.cur.data)
	final := r.curFinal
	r.cur, r.curOff, r.curFinal = nil, 0, false
	if final {
		return nil, nil
	}
	return r, nil
}

// startUnit stages the next unit, sized to what the writer guarantees. It
// reports false when no progress is possible in this writer.
func (r *Remainder) startUnit(w Writer) bool {
	rem := r.cmd.Data[r.offset:]
	maxChunk, lcLen := MaxShortLc, 1
	if r.extended {
		maxChunk, lcLen = MaxExtendedLc, 3
	}

	// Close the command in one final unit if both the encoding and the
	// writer allow it.
	if len(rem) <= maxChunk && w.RemainingLen() >= unitLen(len(rem), r.ne, r.extended) {
		r.cur = buildUnit(r.cmd.Class.withoutChaining(), r.cmd, rem, r.ne, r.extended)
		r.curFinal = true
		return true
	}

	// Otherwise chain: emit as much payload as the writer guarantees, capped
	// by the Lc limit of the committed mode. Chain units carry no Le.
	chunk := min(maxChunk, w.RemainingLen()-4-lcLen, len(rem))
	if chunk < 1 {
		return false
	}

	r.cur = buildUnit(r.cmd.Class.withChaining(), r.cmd, rem[:chunk], 0, r.extended)
	return true
}

// flushCurrent writes the pending bytes of the in-progress unit. It reports
// completion; a false result with nil error means the writer stopped early.
func (r *Remainder) flushCurrent(w Writer) (bool, error) {
	pos := 0
	for _, seg := range [][]byte{r.cur.header[:], r.cur.lc, r.cur.data, r.cur.le} {
		if r.curOff >= pos+len(seg) {
			pos += len(seg)
			continue
		}

		rel := r.curOff - pos
		n, err := w.Write(seg[rel:])
		r.curOff += n
		if err != nil {
			return false, err
		}
		if n < len(seg)-rel {
			return false, nil
		}
		pos += len(seg)
	}
	return true, nil
}

// unit is the wire form of one physical APDU: CLA INS P1 P2 [Lc] [DATA] [Le].
type unit struct {
	header [4]byte
	lc     []byte // 0, 1 (short) or 3 (extended) bytes
	data   []byte // aliases the command payload, never copied
	le     []byte // 0, 1 (short), 2 or 3 (extended) bytes

	lcBuf [3]byte
	leBuf [3]byte
}

// buildUnit lays out one unit. ne is the expected length this unit solicits
// (0 for chain units, which never carry Le).
func buildUnit(cla Class, cmd *CommandAPDU, data []byte, ne int, extended bool) *unit {
	u := &unit{
		header: [4]byte{cla.Byte(), byte(cmd.Instruction.Raw), cmd.P1, cmd.P2},
		data:   data,
	}

	if len(data) > 0 {
		if extended {
			u.lcBuf = [3]byte{0x00, byte(len(data) >> 8), byte(len(data))}
			u.lc = u.lcBuf[:3]
		} else {
			u.lcBuf[0] = byte(len(data))
			u.lc = u.lcBuf[:1]
		}
	}

	if ne > 0 {
		if extended {
			n := 0
			if len(data) == 0 {
				// Case 2 Extended: a leading 00 marks the absent Lc.
				u.leBuf[n] = 0x00
				n++
			}
			// 0x0000 encodes 65536.
			u.leBuf[n] = byte(ne >> 8 & 0xFF)
			u.leBuf[n+1] = byte(ne)
			u.le = u.leBuf[:n+2]
		} else {
			// 0x00 encodes 256.
			u.leBuf[0] = byte(ne)
			u.le = u.leBuf[:1]
		}
	}

	return u
}

// unitLen is the encoded length of a final unit carrying nc payload bytes and
// soliciting ne response bytes.
func unitLen(nc, ne int, extended bool) int {
	n := 4 + nc
	if nc > 0 {
		if extended {
			n += 3
		} else {
			n++
		}
	}
	if ne > 0 {
		if extended {
			n += 2
			if nc == 0 {
				n++
			}
		} else {
			n++
		}
	}
	return n
}
