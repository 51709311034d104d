package apdu

import (
	"sync"

	"github.com/usbarmory/gnuk-token/internal/sw"
)

// Machine implements the command-chaining and GET RESPONSE pagination
// state machine:
//
//	WAIT_COMMAND -> COMMAND_CHAINING (self-loop) -> COMMAND_RECEIVED
//	  -> {RESULT, RESULT_GET_RESPONSE -> RESULT} -> WAIT_COMMAND
//
// Feed drives the WAIT_COMMAND/COMMAND_CHAINING/COMMAND_RECEIVED half;
// Respond and the GET RESPONSE branch of Feed drive the RESULT/
// RESULT_GET_RESPONSE half. A Machine is not meant to be shared beyond one
// card-application task; its mutex exists only to make races detectable
// under the race detector, matching ccid's "one command at a time" model.
type Machine struct {
	mu sync.Mutex

	active bool // mid chain: at least one chained segment buffered
	head   head
	data   []byte
	lastLe int

	paging  bool
	pending []byte
}

// Feed consumes one raw command APDU segment. At most one of its return
// values is non-nil:
//   - cmd: a fully assembled command, ready for card-application dispatch
//     (including a command that aborted a pending GET RESPONSE sequence)
//   - direct: a complete response APDU (GET RESPONSE continuation or a
//     malformed-header error) that should be sent back to the host
//     without reaching the application
//   - (nil, nil): more chained segments are expected (COMMAND_CHAINING)
func (m *Machine) Feed(raw []byte) (cmd *Command, direct []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := parse(raw)
	if err != nil {
		m.resetChain()
		m.paging = false
		m.pending = nil
		return nil, Serialize(nil, sw.WrongLength)
	}

	if m.paging {
		if p.ins == insGetResponse {
			return nil, m.drainPendingLocked(p.le)
		}
		// Any other instruction while RESULT_GET_RESPONSE aborts
		// pagination; fall through and treat p as a fresh command.
		m.paging = false
		m.pending = nil
	}

	chained := p.cla&chainBit != 0
	h := head{cla: p.cla &^ chainBit, ins: p.ins, p1: p.p1, p2: p.p2}

	if m.active && h != m.head {
		// A later chained command whose head differs discards the
		// buffer and restarts.
		m.data = nil
	}

	m.head = h
	m.data = append(m.data, p.data...)
	m.lastLe = p.le
	m.active = true

	if chained {
		return nil, nil
	}

	out := &Command{CLA: m.head.cla, INS: m.head.ins, P1: m.head.p1, P2: m.head.p2, Data: m.data, Le: m.lastLe}
	m.resetChain()
	return out, nil
}

func (m *Machine) resetChain() {
	m.active = false
	m.head = head{}
	m.data = nil
}

// Respond turns a card-application result into the first outgoing
// response APDU, buffering the remainder for GET RESPONSE if it exceeds
// the command's Le. Le < 0 (no Le byte present) is treated as Le == 256,
// matching this card's short-APDU-only advertisement: there is no
// extended-length Le to fall back to.
func (m *Machine) Respond(data []byte, word sw.Word) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	le := m.lastLe
	if le <= 0 {
		le = 256
	}

	if word != sw.Success || len(data) <= le {
		return Serialize(data, word)
	}

	out := data[:le]
	m.pending = append([]byte{}, data[le:]...)
	m.paging = true
	return Serialize(out, sw.GetResponseRemaining(len(m.pending)))
}

// drainPendingLocked serves one GET RESPONSE call, releasing up to le
// bytes of the buffered continuation.
func (m *Machine) drainPendingLocked(le int) []byte {
	if le <= 0 {
		le = 256
	}
	if le > len(m.pending) {
		le = len(m.pending)
	}

	out := m.pending[:le]
	m.pending = m.pending[le:]

	if len(m.pending) == 0 {
		m.paging = false
		return Serialize(out, sw.Success)
	}
	return Serialize(out, sw.GetResponseRemaining(len(m.pending)))
}
