// Package openpgpapp implements the OpenPGP card application:
// instruction dispatch over assembled command APDUs, SELECT FILE/AID
// handling, VERIFY/CHANGE REFERENCE DATA/RESET RETRY COUNTER PIN
// management, PSO sign/decipher, INTERNAL AUTHENTICATE, key
// generation/import, and the firmware-update challenge-response.
//
// Grounded on openpgp.c's main instruction
// dispatch (`process_command_apdu`'s switch over ins), translated from a
// C switch/goto state machine into a Go method table over a single
// OpenPgpCard value — the global mutable state the original keeps in
// statics is modeled here as fields of a single Card value owned
// exclusively by the card application task.
package openpgpapp

import (
	"bytes"
	"crypto/rsa"
	"log"
	"sync"

	"github.com/usbarmory/gnuk-token/ac"
	"github.com/usbarmory/gnuk-token/apdu"
	"github.com/usbarmory/gnuk-token/dostore"
	"github.com/usbarmory/gnuk-token/flash"
	"github.com/usbarmory/gnuk-token/internal/sw"
	"github.com/usbarmory/gnuk-token/rng"
)

// INS bytes of the card's flat instruction dispatch table.
const (
	insVerify               = 0x20
	insChangeReferenceData  = 0x24
	insPSO                  = 0x2a
	insResetRetryCounter    = 0x2c
	insGenerateKeyPair      = 0x47
	insExternalAuthenticate = 0x82
	insGetChallenge         = 0x84
	insInternalAuthenticate = 0x88
	insSelectFile           = 0xa4
	insReadBinary           = 0xb0
	insGetData              = 0xca
	insWriteBinary          = 0xd0
	insUpdateBinary         = 0xd6
	insPutDataOdd           = 0xdb
	insPutDataEven          = 0xda
)

const challengeSize = 32


// Card owns every piece of mutable card-application state: the AC
// status, the DO table, the key slots, the DS counter, and this
// session's verified-PIN cache. A Card instance is driven by exactly
// one goroutine at a time —
// ccid.Card never calls Dispatch concurrently with itself — but Dispatch
// still takes mu since PowerOn/PowerOff run in ccid's own goroutine.
type Card struct {
	pool     *flash.Pool
	keyStore *flash.KeyStore
	pins     *ac.PINs
	status   *ac.Status
	store    *dostore.Store
	rng      *rng.Source
	ds       *flash.DSCounter

	firmwareUpdateKeys []*rsa.PublicKey
	onFirmwareUpdate   func()

	// bin backs the raw binary EFs (serial number, firmware-update
	// keys, cardholder certificate); nil when the deployment carries no
	// binary-EF region.
	bin *flash.BinaryStore

	mu         sync.Mutex
	keys       [3]keySlot
	sessionPIN map[ac.Role][]byte
	selected   flash.BinaryFile // EF selected for READ/WRITE/UPDATE BINARY
	hasEF      bool
	challenge  []byte
}

// New constructs the card application over its already-opened flash
// state. Rebuild must have been called on pool, pins and store (and
// counters/DS attached) before constructing; New itself only recovers
// key-slot bookkeeping via loadKeySlots.
func New(pool *flash.Pool, keyStore *flash.KeyStore, pins *ac.PINs, status *ac.Status, store *dostore.Store, rngSrc *rng.Source, ds *flash.DSCounter) *Card {
	c := &Card{
		pool:       pool,
		keyStore:   keyStore,
		pins:       pins,
		status:     status,
		store:      store,
		rng:        rngSrc,
		ds:         ds,
		sessionPIN: make(map[ac.Role][]byte),
	}
	c.loadKeySlots()
	return c
}

// OnFirmwareUpdate registers the hook EXTERNAL AUTHENTICATE calls on a
// successfully verified firmware-update challenge — the actual jump to
// the regnual loader is out of this card application's scope, so this
// hook is as far as it goes.
func (c *Card) OnFirmwareUpdate(f func()) {
	c.onFirmwareUpdate = f
}

// SetFirmwareUpdateKeys registers the (up to four) RSA public keys GET
// CHALLENGE / EXTERNAL AUTHENTICATE verifies a host's signed challenge
// against. Provisioning these keys is out of this card's scope; callers
// (cmd/gnuk-token) supply them at construction time. Keys registered on
// the card itself via WRITE BINARY to the update-key EFs are consulted
// as well — see AttachBinaryEFs.
func (c *Card) SetFirmwareUpdateKeys(keys []*rsa.PublicKey) {
	c.firmwareUpdateKeys = keys
}

// AttachBinaryEFs attaches the raw binary-EF store READ/WRITE/UPDATE
// BINARY operate on. Without it those instructions report File Not
// Found for everything but the AID-derived serial-number read.
func (c *Card) AttachBinaryEFs(b *flash.BinaryStore) {
	c.bin = b
}

// PowerOn resets all transient per-session authorization state: a fresh
// PowerOn starts from the same state a power-off leaves behind.
func (c *Card) PowerOn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetSessionLocked()
}

// PowerOff clears the same session state. The original firmware
// destroys and recreates the card application task on every power
// cycle; this Card approximates that by resetting rather than
// reallocating, since its flash-backed state must survive across the
// boundary.
func (c *Card) PowerOff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetSessionLocked()
}

func (c *Card) resetSessionLocked() {
	c.status.Reset()
	c.sessionPIN = make(map[ac.Role][]byte)
	c.hasEF = false
	c.challenge = nil
}

// sessionDigest returns the S2K keystring digest for role's most recent
// successful VERIFY this session, for DEK wrap/unwrap — see
// ac.PINs.Keystring. The card never retains a PIN beyond the session that
// verified it.
func (c *Card) sessionDigest(role ac.Role) (digest [ac.DigestSize]byte, ok bool) {
	cand, present := c.sessionPIN[role]
	if !present {
		return digest, false
	}
	return c.pins.Keystring(role, cand)
}

// Dispatch implements ccid.Dispatcher: one fully assembled command APDU
// in, one response body plus status word out.
func (c *Card) Dispatch(cmd *apdu.Command) ([]byte, sw.Word) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch cmd.INS {
	case insSelectFile:
		return c.selectFile(cmd)
	case insVerify:
		return c.verify(cmd)
	case insChangeReferenceData:
		return c.changeReferenceData(cmd)
	case insResetRetryCounter:
		return c.resetRetryCounter(cmd)
	case insPSO:
		return c.pso(cmd)
	case insInternalAuthenticate:
		return c.internalAuthenticate(cmd)
	case insGenerateKeyPair:
		return c.generateKeyPair(cmd)
	case insGetChallenge:
		return c.getChallenge(cmd)
	case insExternalAuthenticate:
		return c.externalAuthenticate(cmd)
	case insGetData:
		return c.getData(cmd)
	case insPutDataEven, insPutDataOdd:
		return c.putData(cmd)
	case insReadBinary:
		return c.readBinary(cmd)
	case insWriteBinary:
		return c.writeBinary(cmd)
	case insUpdateBinary:
		return c.updateBinary(cmd)
	default:
		log.Printf("openpgp: unsupported instruction %#x", cmd.INS)
		return nil, sw.InstructionNotSupported
	}
}

// selectFile implements SELECT FILE: AID select (P1=4, accepting either
// a 6-byte prefix match or a full 16-byte match), or a 2-byte file-ID
// data path selecting the serial-number EF (2F02) or the MF (3F00,
// which also resets all access-condition state).
func (c *Card) selectFile(cmd *apdu.Command) ([]byte, sw.Word) {
	if cmd.P1 == 0x04 {
		if c.matchesAID(cmd.Data) {
			c.hasEF = false
			return nil, sw.Success
		}
		return nil, sw.RecordNotFound
	}

	if len(cmd.Data) != 2 {
		return nil, sw.IncorrectParameters
	}

	switch fileID := uint16(cmd.Data[0])<<8 | uint16(cmd.Data[1]); fileID {
	case 0x2f02:
		c.selected = flash.FileSerialNo
		c.hasEF = true
		return nil, sw.Success
	case 0x3f00:
		c.hasEF = false
		c.resetSessionLocked()
		return nil, sw.Success
	default:
		return nil, sw.RecordNotFound
	}
}

// matchesAID accepts either a full 16-byte AID match or the ISO
// 7816-4-mandated 6-byte RID prefix match, since some hosts send the
// complete AID and some send only the prefix.
func (c *Card) matchesAID(data []byte) bool {
	aid, ok := c.store.ReadRaw(dostore.TagAID)
	if !ok {
		return false
	}
	if len(data) == len(aid) {
		return bytes.Equal(data, aid)
	}
	if len(data) == 6 && len(aid) >= 6 {
		return bytes.Equal(data, aid[:6])
	}
	return false
}

func (c *Card) getData(cmd *apdu.Command) ([]byte, sw.Word) {
	tag := uint16(cmd.P1)<<8 | uint16(cmd.P2)
	return c.store.GetData(tag, false)
}

func (c *Card) putData(cmd *apdu.Command) ([]byte, sw.Word) {
	tag := uint16(cmd.P1)<<8 | uint16(cmd.P2)

	if tag == dostore.TagKeyImport {
		if !c.status.Check(ac.Cond(ac.FlagAdmin)) {
			return nil, sw.SecurityFailure
		}
		return nil, c.importKey(cmd.Data)
	}

	return nil, c.store.PutData(tag, cmd.Data)
}
