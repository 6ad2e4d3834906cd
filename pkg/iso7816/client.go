package iso7816

import (
	"fmt"
)

// CLIENT & PROTOCOL LOGIC:
// The Client acts as a high-level driver over the physical connection.
// It implements the automatic handling of ISO 7816 transport behaviors that
// are often exposed to the application layer:
//
// 1. Command chaining (send path):
//    When the encoded command exceeds one transport unit - payload over 255
//    bytes without extended support, or a transport buffer smaller than the
//    unit - the command goes out as a chain. The card must acknowledge every
//    non-final leg with 9000 before the next one is sent.
//
// 2. "61 XX" (Response Available):
//    The card indicates that XX bytes are waiting. The client automatically
//    generates and sends a GET RESPONSE command to retrieve them.
//
// 3. "6C XX" (Wrong Length):
//    The card indicates that the expected length (Le) was incorrect and
//    suggests XX. The client automatically re-sends the command with Le = XX.
//
// The Send() method returns a Trace, which is a log of all atomic
// transactions that occurred to fulfill the logical request.

// Transmitter abstracts the physical card connection.
type Transmitter interface {
	Transmit(cmd []byte) ([]byte, error)
}

// Client manages the high-level communication with the card.
type Client struct {
	Card Transmitter

	// ExtendedSupported declares whether the card and reader accept extended
	// length fields. When false, Ne is clamped to 256 and large payloads are
	// command-chained.
	ExtendedSupported bool

	// MaxUnitLen bounds the size of one transmitted unit, for readers that
	// cap their transmit buffer. Zero means MaxAPDUBufferSize.
	MaxUnitLen int
}

// NewClient creates a new Client instance assuming extended length support.
func NewClient(card Transmitter) *Client {
	return &Client{Card: card, ExtendedSupported: true}
}

func (c *Client) maxUnitLen() int {
	if c.MaxUnitLen > 0 {
		return c.MaxUnitLen
	}
	return MaxAPDUBufferSize
}

// Send transmits a command, chaining it if needed, and handles the protocol
// statuses (61xx, 6Cxx). The returned trace holds every physical exchange.
func (c *Client) Send(cmd *CommandAPDU) (Trace, error) {
	var trace Trace

	w := NewBufferWriter(c.maxUnitLen())
	rem, err := Serialize(cmd, w, c.ExtendedSupported)
	if err != nil {
		return nil, fmt.Errorf("encoding error: %w", err)
	}

	for {
		if w.Len() == 0 {
			return trace, fmt.Errorf("transport unit of %d bytes too small to make progress", c.maxUnitLen())
		}

		resp, err := c.transmit(w.Bytes())
		if err != nil {
			return trace, err
		}
		trace = append(trace, Transaction{Command: cmd, Response: resp})

		if rem == nil {
			break
		}

		// Chain in progress: the card acknowledges each leg with 9000.
		if resp.Status != SW_NO_ERROR {
			return trace, fmt.Errorf("chain aborted by card: %s", resp.Status.Verbose())
		}

		w = NewBufferWriter(c.maxUnitLen())
		rem, err = rem.Serialize(w)
		if err != nil {
			return trace, fmt.Errorf("encoding error: %w", err)
		}
	}

	resp := trace.Last().Response
	sw1 := resp.Status.SW1()
	sw2 := resp.Status.SW2()

	// Case 61XX: More data available -> Issue GET RESPONSE
	if sw1 == 0x61 {
		// ISO 7816-4: GET RESPONSE must use the same logical channel as the
		// original command; cmd.Class carries no chaining bit, so it can be
		// reused as-is.
		ins, _ := NewInstruction(INS_GET_RESPONSE)

		// Le = sw2 (number of bytes available)
		getRespCmd := NewCommandAPDU(cmd.Class, ins, 0x00, 0x00, nil, int(sw2))

		subTrace, err := c.Send(getRespCmd)
		if err != nil {
			return trace, err
		}

		trace = append(trace, subTrace...)
		return trace, nil
	}

	// Case 6CXX: Wrong Length -> Re-issue original command with correct Le
	if sw1 == 0x6C {
		// Clone command to update Le without mutating the original pointer
		newCmd := *cmd
		newCmd.Ne = int(sw2)

		subTrace, err := c.Send(&newCmd)
		if err != nil {
			return trace, err
		}

		trace = append(trace, subTrace...)
		return trace, nil
	}

	return trace, nil
}

func (c *Client) transmit(raw []byte) (*ResponseAPDU, error) {
	rawResp, err := c.Card.Transmit(raw)
	if err != nil {
		return nil, fmt.Errorf("transmission error: %w", err)
	}
	return ParseResponseAPDU(rawResp)
}
