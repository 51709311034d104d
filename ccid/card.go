// Package ccid implements the USB CCID (Chip/Smart Card Interface
// Device) message framing: bulk-transfer message reassembly, the
// NOCARD/START/WAIT/EXECUTE slot state machine, ATR delivery,
// command-chaining hand-off into apdu.Machine, and the timeout-extension
// / card-change-notification paths that keep a host CCID driver
// synchronized with a card application that can legitimately take longer
// than one USB bulk transfer's timeout to answer.
//
// Grounded on usb-ccid.c's main message
// loop (icc_power_on, icc_power_off, xfr_block's chaining handoff into
// the APDU layer, and ccid_notify_slot_change's interrupt-IN
// notification), translated from ChibiOS event flags to Go channels and
// a select-driven timer.
package ccid

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/usbarmory/gnuk-token/apdu"
	"github.com/usbarmory/gnuk-token/internal/sw"
	"github.com/usbarmory/gnuk-token/transport"
)

// cardState is the NOCARD -> START -> WAIT -> EXECUTE -> WAIT -> ...
// machine a CCID slot walks between power-up, idle, and command
// execution.
type cardState int

const (
	stateNoCard cardState = iota
	stateStart
	stateWait
	stateExecute
)

// CCID error codes (bError), embedded in the DataBlock/SlotStatus header
// alongside bStatus.
const (
	errCmdNotSupported = 0x00
	errICCMissing      = 0xfb
	errTimeOut         = 0xfe
)

// timeoutTick and maxTimeExtensions bound how long a command dispatch may
// run before the host's own bulk-transfer timeout would fire: every tick
// a pending DataBlock with cmdStatusTimeExt is sent to buy another
// ~1.95s, for up to maxTimeExtensions ticks (long enough to cover an
// ACK-button confirmation flow) before giving up with errTimeOut.
const (
	timeoutTick       = 1950 * time.Millisecond
	maxTimeExtensions = 7
)

var errShortMessage = errors.New("ccid: message shorter than declared length")

// Dispatcher is the card-application boundary ccid drives: one Dispatch
// call per fully assembled command APDU, plus power lifecycle hooks that
// let the card application spawn/destroy its per-session state. PowerOff
// must fully tear down the previous session before returning, since the
// next PowerOn is expected to start from a clean instance.
type Dispatcher interface {
	PowerOn()
	PowerOff()
	Dispatch(cmd *apdu.Command) ([]byte, sw.Word)
}

// CardChange identifies an asynchronous card-presence event, surfaced to
// the slot state machine via a vendor-specific USB control request.
type CardChange int

const (
	CardInsert CardChange = iota
	CardRemove
	CardToggle
)

// Card owns one CCID slot's framing state machine and drives Dispatcher
// in response to host messages arriving over a transport.Transport.
type Card struct {
	t    transport.Transport
	disp Dispatcher

	mu      sync.Mutex
	state   cardState
	machine *apdu.Machine
}

// New constructs a Card in the NOCARD state (matching a freshly started
// reader with no card physically present until the first CardInsert).
func New(t transport.Transport, disp Dispatcher) *Card {
	return &Card{t: t, disp: disp, state: stateNoCard, machine: &apdu.Machine{}}
}

// SignalCardChange is the handler for the vendor-specific CARD CHANGE
// control request: it flips NOCARD<->START and emits the 2-byte
// interrupt-IN notification CCID's RDR_to_PC_NotifySlotChange defines
// (50 02 insert / 50 03 remove).
func (c *Card) SignalCardChange(kind CardChange) error {
	c.mu.Lock()

	var notify []byte
	switch kind {
	case CardInsert:
		if c.state == stateNoCard {
			c.state = stateStart
		}
		notify = []byte{0x50, 0x02}
	case CardRemove:
		c.state = stateNoCard
		notify = []byte{0x50, 0x03}
	case CardToggle:
		if c.state == stateNoCard {
			c.state = stateStart
			notify = []byte{0x50, 0x02}
		} else {
			c.state = stateNoCard
			notify = []byte{0x50, 0x03}
		}
	}

	c.mu.Unlock()
	return c.t.Notify(notify)
}

// Run processes messages until ctx is canceled or the transport errors
// out. It never returns nil outside of ctx cancellation.
func (c *Card) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		h, payload, err := c.readMessage()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return err
			}
			log.Printf("ccid: malformed message: %v", err)
			continue
		}

		c.handle(h, payload)
	}
}

func (c *Card) readMessage() (header, []byte, error) {
	buf, err := c.t.ReadPacket()
	if err != nil {
		return header{}, nil, err
	}
	if len(buf) < headerSize {
		return header{}, nil, errShortMessage
	}

	h := parseHeader(buf)
	total := headerSize + int(h.length)
	data := append([]byte{}, buf...)

	for len(data) < total {
		more, err := c.t.ReadPacket()
		if err != nil {
			return header{}, nil, err
		}
		data = append(data, more...)
		if len(more) < transport.MaxPacketSize {
			break
		}
	}

	if len(data) < total {
		return header{}, nil, errShortMessage
	}

	return h, data[headerSize:total], nil
}

func (c *Card) handle(h header, payload []byte) {
	switch h.msgType {
	case msgIccPowerOn:
		c.handlePowerOn(h)
	case msgIccPowerOff:
		c.handlePowerOff(h)
	case msgGetSlotStatus:
		c.handleGetSlotStatus(h)
	case msgXfrBlock:
		c.handleXfrBlock(h, payload)
	case msgGetParameters, msgResetParameters, msgSetParameters:
		c.handleParameters(h)
	case msgSecure:
		c.handleSecure(h, payload)
	default:
		c.writeMsg(slotStatusMsg(h.slot, h.seq, cmdStatusFailed|c.iccStatus(), errCmdNotSupported))
	}
}

func (c *Card) iccStatus() byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateNoCard:
		return iccStatusAbsent
	case stateStart:
		return iccStatusPresent
	default:
		return iccStatusActive
	}
}

func (c *Card) handlePowerOn(h header) {
	c.mu.Lock()
	if c.state == stateNoCard {
		c.mu.Unlock()
		c.writeMsg(slotStatusMsg(h.slot, h.seq, cmdStatusFailed|iccStatusAbsent, errICCMissing))
		return
	}
	c.state = stateWait
	c.machine = &apdu.Machine{}
	c.mu.Unlock()

	c.disp.PowerOn()
	c.writeMsg(dataBlock(h.slot, h.seq, cmdStatusOK|iccStatusActive, 0, ATR()))
}

func (c *Card) handlePowerOff(h header) {
	c.mu.Lock()
	if c.state != stateNoCard {
		c.state = stateStart
	}
	c.mu.Unlock()

	c.disp.PowerOff()
	c.writeMsg(slotStatusMsg(h.slot, h.seq, cmdStatusOK|c.iccStatus(), 0))
}

func (c *Card) handleGetSlotStatus(h header) {
	c.writeMsg(slotStatusMsg(h.slot, h.seq, cmdStatusOK|c.iccStatus(), 0))
}

// handleXfrBlock is the heart of the WAIT/EXECUTE cycle: feed the
// payload to apdu.Machine, and either acknowledge a still-chaining
// segment, answer a GET RESPONSE/error directly, or dispatch a fully
// assembled command to the card application — extending the host's
// timeout every ~1.95s while that dispatch runs.
func (c *Card) handleXfrBlock(h header, payload []byte) {
	c.mu.Lock()
	m := c.machine
	c.mu.Unlock()

	cmd, direct := m.Feed(payload)
	if direct != nil {
		c.writeMsg(dataBlock(h.slot, h.seq, cmdStatusOK|iccStatusActive, 0, direct))
		return
	}
	if cmd == nil {
		// Still chaining: acknowledge with an empty DataBlock so the
		// host sends the next segment.
		c.writeMsg(dataBlock(h.slot, h.seq, cmdStatusOK|iccStatusActive, 0, nil))
		return
	}

	type result struct {
		data []byte
		word sw.Word
	}
	done := make(chan result, 1)
	go func() {
		data, word := c.disp.Dispatch(cmd)
		done <- result{data, word}
	}()

	ticker := time.NewTicker(timeoutTick)
	defer ticker.Stop()

	for ext := 0; ; {
		select {
		case r := <-done:
			resp := m.Respond(r.data, r.word)
			c.writeMsg(dataBlock(h.slot, h.seq, cmdStatusOK|iccStatusActive, 0, resp))
			return
		case <-ticker.C:
			ext++
			if ext > maxTimeExtensions {
				c.writeMsg(slotStatusMsg(h.slot, h.seq, cmdStatusFailed|iccStatusActive, errTimeOut))
				return
			}
			c.writeMsg(dataBlock(h.slot, h.seq, cmdStatusTimeExt|iccStatusActive, byte(ext), nil))
		}
	}
}

// handleParameters answers GetParameters/ResetParameters/SetParameters
// with a fixed T=1 abProtocolDataStructure: this reader only ever
// negotiates T=1, with PPS/baud/clock/voltage handled automatically, so
// there is no per-card variation to report.
func (c *Card) handleParameters(h header) {
	var params [7]byte // IFSC/CWI/BWI/etc left at their power-on defaults
	c.writeMsg(parametersMsg(h.slot, h.seq, cmdStatusOK|c.iccStatus(), 0, params))
}

// handleSecure accepts the PC_to_RDR_Secure framing (pinpad verify/modify
// sub-messages) but reports it unsupported: this reader has no physical
// PIN pad, so there is no collaborator to translate the sub-message into
// a synthetic APDU.
func (c *Card) handleSecure(h header, payload []byte) {
	c.writeMsg(slotStatusMsg(h.slot, h.seq, cmdStatusFailed|c.iccStatus(), errCmdNotSupported))
}

func (c *Card) writeMsg(msg []byte) {
	if err := c.t.WritePacket(msg); err != nil {
		log.Printf("ccid: write failed: %v", err)
	}
}
