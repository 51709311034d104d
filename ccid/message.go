package ccid

import "encoding/binary"

// Message types, per the USB CCID class specification.
const (
	msgIccPowerOn       = 0x62
	msgIccPowerOff      = 0x63
	msgGetSlotStatus    = 0x65
	msgXfrBlock        = 0x6f
	msgGetParameters   = 0x6c
	msgResetParameters = 0x6d
	msgSetParameters   = 0x61
	msgSecure          = 0x69

	msgDataBlock  = 0x80
	msgSlotStatus = 0x81
	msgParameters = 0x82
)

// headerSize is every CCID message's fixed 10-byte header: bMessageType,
// dwLength, bSlot, bSeq, and 3 message-specific bytes.
const headerSize = 10

// header is the common CCID message framing: (type, length:u32, slot,
// seq, status, error, chain) — the last three bytes' meaning depends on
// direction (host->device: mostly RFU; device->host:
// bStatus/bError/bChainParameter).
type header struct {
	msgType    byte
	length     uint32
	slot       byte
	seq        byte
	b7, b8, b9 byte
}

func parseHeader(raw []byte) header {
	return header{
		msgType: raw[0],
		length:  binary.LittleEndian.Uint32(raw[1:5]),
		slot:    raw[5],
		seq:     raw[6],
		b7:      raw[7],
		b8:      raw[8],
		b9:      raw[9],
	}
}

func (h header) bytes() []byte {
	out := make([]byte, headerSize)
	out[0] = h.msgType
	binary.LittleEndian.PutUint32(out[1:5], h.length)
	out[5] = h.slot
	out[6] = h.seq
	out[7] = h.b7
	out[8] = h.b8
	out[9] = h.b9
	return out
}

// Slot/ICC status bits packed into bStatus' low 2 bits.
const (
	iccStatusActive  = 0x00
	iccStatusPresent = 0x01
	iccStatusAbsent  = 0x02
)

// Command-status bits packed into bStatus' high 2 bits.
const (
	cmdStatusOK      = 0x00
	cmdStatusFailed  = 0x40
	cmdStatusTimeExt = 0x80
)

// dataBlock builds a RDR_to_PC_DataBlock message.
func dataBlock(slot, seq byte, status byte, errByte byte, payload []byte) []byte {
	h := header{msgType: msgDataBlock, length: uint32(len(payload)), slot: slot, seq: seq, b7: status, b8: errByte}
	return append(h.bytes(), payload...)
}

// slotStatus builds a RDR_to_PC_SlotStatus message (no payload).
func slotStatusMsg(slot, seq byte, status byte, errByte byte) []byte {
	h := header{msgType: msgSlotStatus, length: 0, slot: slot, seq: seq, b7: status, b8: errByte}
	return h.bytes()
}

// parametersMsg builds a RDR_to_PC_Parameters message for T=1, carrying
// the 7-byte abProtocolDataStructure CCID defines for protocol 1.
func parametersMsg(slot, seq byte, status byte, errByte byte, params [7]byte) []byte {
	h := header{msgType: msgParameters, length: uint32(len(params)), slot: slot, seq: seq, b7: status, b8: errByte, b9: 1}
	return append(h.bytes(), params[:]...)
}
