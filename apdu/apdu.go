// Package apdu assembles ISO 7816-4 command APDUs from the raw bulk
// segments ccid hands it, resolving command chaining, and paginates
// oversized responses behind GET RESPONSE. The package knows nothing
// about USB or CCID framing; it consumes and produces plain APDU byte
// strings.
//
// Grounded on openpgp.c's apdu.c-adjacent
// state handling (`cmd_got_a_byte`/`use_chained_block` and GET RESPONSE's
// `res_APDU_pointer`/`res_APDU_size` bookkeeping) for the chaining and
// paging rules; expressed as an explicit Go state machine rather than
// the original's cooperative-scheduling coroutine, since Go already has
// goroutines and channels for that.
package apdu

import (
	"errors"

	"github.com/usbarmory/gnuk-token/internal/sw"
)

// insGetResponse is ISO 7816-4's GET RESPONSE instruction byte.
const insGetResponse = 0xc0

// chainBit is CLA bit 0x10: "command chaining, more data follows".
const chainBit = 0x10

// Command is a fully assembled command APDU: every chained segment has
// been folded into Data, and Le reflects the final segment's requested
// response length (-1 if no Le byte was present at all).
type Command struct {
	CLA, INS, P1, P2 byte
	Data             []byte
	Le               int
}

var errShortHeader = errors.New("apdu: header shorter than 4 bytes")
var errMalformed = errors.New("apdu: Lc/Le framing does not match segment length")

type head struct {
	cla, ins, p1, p2 byte
}

type parsed struct {
	head
	data []byte
	le   int // -1 means absent
}

// parse decodes one raw ISO 7816-4 short-form command APDU segment (cases
// 1-4; extended length is never used by this card, matching its
// advertised short-APDU-only CCID class descriptor).
func parse(raw []byte) (parsed, error) {
	if len(raw) < 4 {
		return parsed{}, errShortHeader
	}

	p := parsed{head: head{cla: raw[0], ins: raw[1], p1: raw[2], p2: raw[3]}, le: -1}
	rest := raw[4:]

	switch len(rest) {
	case 0:
		return p, nil
	case 1:
		p.le = leValue(rest[0])
		return p, nil
	}

	lc := int(rest[0])
	if len(rest) < 1+lc {
		return parsed{}, errMalformed
	}
	p.data = rest[1 : 1+lc]

	trailer := rest[1+lc:]
	switch len(trailer) {
	case 0:
	case 1:
		p.le = leValue(trailer[0])
	default:
		return parsed{}, errMalformed
	}

	return p, nil
}

// leValue maps the encoded Le octet to a requested length, where 0 means
// "as many as 256 bytes" per ISO 7816-4.
func leValue(b byte) int {
	if b == 0 {
		return 256
	}
	return int(b)
}

// Serialize renders data and word as a complete response APDU (data
// followed by SW1SW2), the shape ccid writes back into an XfrBlock's
// DataBlock payload.
func Serialize(data []byte, word sw.Word) []byte {
	out := make([]byte, 0, len(data)+2)
	out = append(out, data...)
	b := word.Bytes()
	return append(out, b[0], b[1])
}
