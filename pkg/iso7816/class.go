package iso7816

import (
	"fmt"

	"github.com/Nitrokey/iso7816/pkg/bits"
)

// Class Byte (CLA) Structure according to ISO/IEC 7816-4.
//
// The CLA byte conveys the command class, covering secure messaging (SM), command chaining,
// and logical channel selection.
//
// Structure:
// Bit 8: Proprietary (1) or Interindustry (0).
// Bit 7: Type of Interindustry (0=First, 1=Further).
// Bit 5: Command Chaining (0=Last/Only, 1=More follow).
//
// 1. First Interindustry Class (00xx xxxx):
//    - Bits 4-3: Secure Messaging (2 bits, 4 states).
//    - Bits 2-1: Logical Channel number (0-3).
//
// 2. Further Interindustry Class (01xx xxxx):
//    - Bit 6: Secure Messaging (1 bit: No SM or SM active).
//    - Bits 4-1: Logical Channel number minus 4 (encoding 0-15 for channels 4-19).
//
// The chaining bit (bit 5) is owned by the serialization engine: it is set on
// every non-final unit of a command chain and cleared on the last one. Callers
// never toggle it themselves, which is why Class keeps its byte private and
// only exposes read accessors.

// chainingBit is bit 5 of CLA, set on every non-final unit of a chain.
const chainingBit uint = 5

// SecureMessaging defines the security level applied to the APDU.
type SecureMessaging int

const (
	// SMNone indicates no secure messaging or no indication given.
	SMNone SecureMessaging = 0
	// SMProprietary indicates a proprietary secure messaging format (First Interindustry only).
	SMProprietary SecureMessaging = 1
	// SMHeaderNoProc indicates SM according to ISO, where the header is not processed.
	SMHeaderNoProc SecureMessaging = 2
	// SMHeaderAuth indicates SM according to ISO, where the header is authenticated (First Interindustry only).
	SMHeaderAuth SecureMessaging = 3
)

// Class represents a validated ISO 7816-4 Class byte (CLA).
//
// The raw byte is the single source of truth; every property is decoded from
// it on demand. The zero value is the plain interindustry class 0x00.
type Class struct {
	raw byte
}

// NewClass validates a raw CLA byte.
//
// Two values are rejected: 0xFF, reserved by ISO 7816-4, and 0xEF, whose
// chained form (bit 5 set) would collide with 0xFF and corrupt the class
// meaning mid-chain.
func NewClass(cla byte) (Class, error) {
	switch cla {
	case 0xFF:
		return Class{}, fmt.Errorf("invalid CLA value: 0xFF is reserved")
	case 0xEF:
		return Class{}, fmt.Errorf("invalid CLA value: 0xEF cannot carry the chaining bit")
	}
	return Class{raw: cla}, nil
}

// NewInterindustryClass creates a Class from parameters.
// It automatically selects First or Further interindustry encoding based on the channel number.
func NewInterindustryClass(sm SecureMessaging, channel uint8) (Class, error) {
	if channel > 19 {
		return Class{}, fmt.Errorf("channel %d out of range (max 19)", channel)
	}

	// Further Interindustry (Ch 4-19) only supports 1 bit for SM (No SM vs ISO SM)
	if channel >= 4 && (sm == SMProprietary || sm == SMHeaderAuth) {
		return Class{}, fmt.Errorf("SM indicator %d not supported for further interindustry range (ch 4-19)", sm)
	}

	var raw byte
	if channel <= 3 {
		// First Interindustry Encoding: SM on bits 4-3, channel on bits 2-1
		raw = byte(sm)<<2 | channel
	} else {
		// Further Interindustry Encoding: indicator on bit 7, SM on bit 6,
		// channel offset on bits 4-1
		raw = bits.Set(0, 7) | (channel - 4)
		if sm != SMNone {
			raw = bits.Set(raw, 6)
		}
	}

	return Class{raw: raw}, nil
}

// Byte returns the raw CLA byte.
func (c Class) Byte() byte {
	return c.raw
}

// IsProprietary reports whether the class is proprietary (bit 8 set).
func (c Class) IsProprietary() bool {
	return bits.IsSet(c.raw, 8)
}

// IsChained reports whether the chaining bit (bit 5) is set, meaning this
// unit is a non-final link of a command chain.
func (c Class) IsChained() bool {
	return bits.IsSet(c.raw, chainingBit)
}

// SecureMessaging decodes the secure messaging indication.
// For proprietary classes the indication is undefined and SMNone is returned.
func (c Class) SecureMessaging() SecureMessaging {
	if c.IsProprietary() {
		return SMNone
	}
	if !bits.IsSet(c.raw, 7) {
		// First Interindustry: SM on bits 4-3
		return SecureMessaging(bits.GetRange(c.raw, 4, 3))
	}
	// Further Interindustry: SM on bit 6
	if bits.IsSet(c.raw, 6) {
		return SMHeaderNoProc
	}
	return SMNone
}

// Channel decodes the logical channel number (0-19).
// For proprietary classes the channel is undefined and 0 is returned.
func (c Class) Channel() uint8 {
	if c.IsProprietary() {
		return 0
	}
	if !bits.IsSet(c.raw, 7) {
		// First Interindustry: channel on bits 2-1
		return bits.GetRange(c.raw, 2, 1)
	}
	// Further Interindustry: channel offset on bits 4-1
	return bits.GetRange(c.raw, 4, 1) + 4
}

// withChaining returns the class with the chaining bit set. Reserved for the
// serialization engine.
func (c Class) withChaining() Class {
	return Class{raw: bits.Set(c.raw, chainingBit)}
}

// withoutChaining returns the class with the chaining bit cleared.
func (c Class) withoutChaining() Class {
	return Class{raw: bits.Clear(c.raw, chainingBit)}
}

// Verbose returns a human-readable description of the CLA byte configuration.
func (c Class) Verbose() string {
	if c.IsProprietary() {
		return fmt.Sprintf("Class: Proprietary (0x%02X)", c.raw)
	}

	rangeName := "First Interindustry (Ch 0-3)"
	if c.Channel() >= 4 {
		rangeName = "Further Interindustry (Ch 4-19)"
	}

	smDesc := "Unknown"
	switch c.SecureMessaging() {
	case SMNone:
		smDesc = "None"
	case SMProprietary:
		smDesc = "Proprietary"
	case SMHeaderNoProc:
		smDesc = "ISO (Header not processed)"
	case SMHeaderAuth:
		smDesc = "ISO (Header authenticated)"
	}

	chaining := "Last or only command"
	if c.IsChained() {
		chaining = "More commands follow (Chaining)"
	}

	return fmt.Sprintf(
		"Range: %s\nChaining: %s\nSecure Messaging: %s\nLogical Channel: %d",
		rangeName, chaining, smDesc, c.Channel(),
	)
}
