/*
Package iso7816 implements the command-encoding layer of ISO/IEC 7816-4, the byte-level protocol used to talk to smart cards via APDUs (Application Protocol Data Units).

The heart of the package is the serialization and chaining engine: it turns a logical command (class, instruction, parameters, payload, expected response length) into correct wire-format units, pacing the output across Writer buffers of arbitrary capacity and splitting oversized payloads into ISO-compliant command chains when the reader lacks extended-APDU support. The receive side mirrors it: a zero-copy parser decodes one physical unit into a CommandView, and a fixed-capacity CommandAssembler folds a chain of views back into one logical command.

# Fundamentals

The communication with a smart card is strictly synchronous:
 1. The Host sends a Command APDU (Header + Optional Body).
 2. The Card processes it and returns a Response APDU (Optional Body + Trailer SW1/SW2).

A command that does not fit one physical unit is sent as a chain: every non-final unit carries the chaining bit (bit 5 of CLA), and the card acknowledges each leg before the next.

# Serialization

Serialize streams a command into any Writer. When the writer fills up, it hands back a Remainder that resumes on the next writer:

	cmd := iso7816.NewCommandAPDU(cls, ins, 0x04, 0x00, payload, 0)

	w := iso7816.NewBufferWriter(transportLimit)
	rem, err := iso7816.Serialize(cmd, w, supportsExtended)
	if err != nil {
	    log.Fatal(err)
	}
	for rem != nil {
	    flush(w.Bytes()) // exactly one complete unit
	    w = iso7816.NewBufferWriter(transportLimit)
	    if rem, err = rem.Serialize(w); err != nil {
	        log.Fatal(err)
	    }
	}
	flush(w.Bytes())

# Reassembly

The receive side accumulates a chain into a bounded buffer:

	asm := iso7816.NewCommandAssembler(4096)
	for {
	    view, err := iso7816.ParseCommand(receive())
	    if err != nil {
	        log.Fatal(err)
	    }
	    status, err := asm.Extend(view)
	    if err != nil {
	        log.Fatal(err)
	    }
	    if status == iso7816.ChainComplete {
	        break
	    }
	}
	cmd, _ := asm.Command()

# Status Words

Every response ends with a 2-byte Status Word (SW).
  - 0x9000: Success (OK).
  - 0x61XX: Success, but response data is still available (XX bytes).
  - 0x6CXX: Error, wrong length expectation (XX is the correct length).
  - Other: Various error conditions.

The Client wraps a Transmitter and handles 61XX/6CXX automatically, together with command chaining on the send path; SELECT and READ RECORD helpers plus the FCI parsers build on it.
*/
package iso7816
