// Package ac implements PIN verification and the card's access-condition
// bookkeeping: PW1 (user), RC (resetting code), and PW3 (admin), each
// backed by an S2K-derived keystring digest and a flash.Counter123 retry
// counter, plus the AC flags those PINs unlock.
//
// Grounded on ac.c (verify_pso_cds,
// verify_pso_other, verify_admin, the 1/2/3 retry-counter shape) and
// openpgp.c (s2k, cmd_change_password, gpg_change_keystring); the two
// files disagree at a few edges (an artifact of Gnuk's source spanning
// more than one release), and this package follows ac.c's retry-counter
// semantics where they differ.
package ac

import (
	"crypto/subtle"
	"errors"

	"github.com/usbarmory/gnuk-token/flash"
	"github.com/usbarmory/gnuk-token/internal/donr"
)

// Role identifies one of the three PIN entities. The ordering matches
// the PW Status Bytes DO's layout: remaining-retries bytes appear in
// PW1, RC, PW3 order.
type Role int

const (
	RolePW1 Role = iota
	RoleRC
	RolePW3
	numRoles
)

// MaxRetries is PASSWORD_ERRORS_MAX.
const MaxRetries = 3

// DefaultPW3 is OPENPGP_CARD_INITIAL_PW3: used whenever no PW3 keystring
// DO has ever been written ("admin-less" mode).
const DefaultPW3 = "12345678"

const (
	MinLenPW1 = 6
	MinLenPW3 = 8

	// MaxLenPIN is the PW Status Bytes "max length" field shared by
	// PW1, RC, and PW3 — the host-facing ceiling on PIN length.
	MaxLenPIN = 127
)

var (
	errLocked  = errors.New("ac: PIN is locked")
	errNoPW3   = errors.New("ac: no PW3 keystring configured")
	errBadKind = errors.New("ac: malformed keystring record")
)

func nr(r Role) uint8 {
	switch r {
	case RolePW1:
		return donr.KeystringPW1
	case RoleRC:
		return donr.KeystringRC
	default:
		return donr.KeystringPW3
	}
}

type pin struct {
	id      flash.RecordID
	hasID   bool
	pwLen   int
	salt    [SaltSize]byte
	digest  [DigestSize]byte
	present bool
}

// PINs owns the flash-backed state for all three PIN entities and their
// retry counters.
type PINs struct {
	pool     *flash.Pool
	entries  [numRoles]pin
	counters [numRoles]*flash.Counter123
}

// New creates PIN state bound to pool, with no entries recovered yet —
// callers doing a fresh-flash bring-up use this directly; callers
// reopening a pool with existing records use Rebuild.
func New(pool *flash.Pool) *PINs {
	p := &PINs{pool: pool}
	for r := Role(0); r < numRoles; r++ {
		p.counters[r] = pool.NewCounter123(uint8(r))
	}
	return p
}

// Rebuild recovers keystring and retry-counter records from a freshly
// opened pool's Records() index — the PIN-entity analogue of
// flash.Pool's own rebuild.
func (p *PINs) Rebuild() {
	for _, rec := range p.pool.Records() {
		switch rec.NR {
		case donr.KeystringPW1:
			p.loadKeystring(RolePW1, rec.ID)
		case donr.KeystringRC:
			p.loadKeystring(RoleRC, rec.ID)
		case donr.KeystringPW3:
			p.loadKeystring(RolePW3, rec.ID)
		case flash.NRCounter123:
			if int(rec.Aux) < int(numRoles) {
				p.counters[rec.Aux].Attach(rec.ID)
			}
		}
	}
}

func (p *PINs) loadKeystring(role Role, id flash.RecordID) {
	data, ok := p.pool.Read(id)
	if !ok || len(data) != 1+SaltSize+DigestSize {
		return
	}

	e := &p.entries[role]
	e.id = id
	e.hasID = true
	e.pwLen = int(data[0])
	copy(e.salt[:], data[1:1+SaltSize])
	copy(e.digest[:], data[1+SaltSize:])
	e.present = true
}

// Remaining returns the number of verification attempts left (0 when
// locked), mirroring gpg_pw_get_retry_counter.
func (p *PINs) Remaining(role Role) int {
	v := p.counters[role].Value()
	if v == 0 {
		return MaxRetries
	}
	return MaxRetries - v
}

// Locked reports whether role's retry counter has reached the locked
// (3) state.
func (p *PINs) Locked(role Role) bool {
	return p.counters[role].Value() >= MaxRetries
}

// Verify checks candidate against role's stored S2K digest (or, for PW3
// with no keystring configured, the hardcoded default password).
// Success resets the retry counter to the "never failed" state; failure
// advances it by one.
func (p *PINs) Verify(status *Status, role Role, candidate []byte) (bool, error) {
	if p.Locked(role) {
		return false, errLocked
	}

	e := &p.entries[role]

	if !e.present {
		if role != RolePW3 {
			return false, errNoPW3
		}
		if subtle.ConstantTimeCompare([]byte(DefaultPW3), candidate) != 1 {
			p.counters[role].Increment()
			return false, nil
		}
		status.Grant(FlagAdmin)
		return true, nil
	}

	got := s2k(e.salt[:], candidate)
	if subtle.ConstantTimeCompare(got[:], e.digest[:]) != 1 {
		p.counters[role].Increment()
		return false, nil
	}

	p.counters[role].Reset()

	switch role {
	case RolePW1:
		status.Grant(FlagPSOCDS)
		status.Grant(FlagOther)
	case RolePW3:
		status.Grant(FlagAdmin)
	}

	return true, nil
}

// Keystring returns the S2K digest callers use as an AES key via
// cryptoprov.WrapDEK/UnwrapDEK, re-deriving it from candidate and the
// role's stored salt. ok is false if role has no keystring configured
// (admin-less PW3) — callers must skip wrapping under that role, exactly
// as gpg_do_write_prvkey zeroes dek_encrypted_3 in that case.
func (p *PINs) Keystring(role Role, candidate []byte) (digest [DigestSize]byte, ok bool) {
	e := &p.entries[role]
	if !e.present {
		return digest, false
	}
	return s2k(e.salt[:], candidate), true
}

// Set writes a fresh keystring record for role, deriving its digest from
// newSalt and newPW, and resets the role's retry counter. Used both by
// initial PIN provisioning and CHANGE REFERENCE DATA / RESET RETRY
// COUNTER.
func (p *PINs) Set(role Role, newSalt [SaltSize]byte, newPW []byte) error {
	digest := s2k(newSalt[:], newPW)

	data := make([]byte, 1+SaltSize+DigestSize)
	data[0] = byte(len(newPW))
	copy(data[1:], newSalt[:])
	copy(data[1+SaltSize:], digest[:])

	e := &p.entries[role]
	if e.hasID {
		p.pool.Release(e.id)
	}

	id, err := p.pool.Write(nr(role), data)
	if err != nil {
		return err
	}

	e.id = id
	e.hasID = true
	e.pwLen = len(newPW)
	e.salt = newSalt
	e.digest = digest
	e.present = true

	return p.counters[role].Reset()
}

// Change is cmd_change_password: verifies the old PIN against role's
// stored digest (or, for an admin-less PW3, the hardcoded default) and,
// on success, replaces it with newPW under newSalt. data is old||new
// concatenated with no separator; the old PIN's length is recovered from
// the stored entry's pwLen (admin-less PW3 uses len(DefaultPW3)), exactly
// as the original card — which never receives an explicit old-PIN length
// from the host either — must do.
func (p *PINs) Change(role Role, data []byte, newSalt [SaltSize]byte) (bool, error) {
	if p.Locked(role) {
		return false, errLocked
	}

	e := &p.entries[role]

	if !e.present {
		if role != RolePW3 {
			return false, errNoPW3
		}
		if len(data) < len(DefaultPW3) {
			return false, nil
		}
		old, newPW := data[:len(DefaultPW3)], data[len(DefaultPW3):]
		if subtle.ConstantTimeCompare([]byte(DefaultPW3), old) != 1 {
			p.counters[role].Increment()
			return false, nil
		}
		return true, p.Set(role, newSalt, newPW)
	}

	if e.pwLen > len(data) {
		return false, nil
	}
	old, newPW := data[:e.pwLen], data[e.pwLen:]

	got := s2k(e.salt[:], old)
	if subtle.ConstantTimeCompare(got[:], e.digest[:]) != 1 {
		p.counters[role].Increment()
		return false, nil
	}

	return true, p.Set(role, newSalt, newPW)
}

// ResetPW1 is cmd_reset_user_password's Resetting-Code path: verifies
// data's leading RoleRC-length prefix against the stored Resetting Code,
// then sets PW1 to the remainder under newSalt. Unlike Change, RC itself
// is never updated by this call.
func (p *PINs) ResetPW1(data []byte, newSalt [SaltSize]byte) (bool, error) {
	e := &p.entries[RoleRC]
	if !e.present {
		return false, errNoPW3
	}
	if e.pwLen > len(data) {
		return false, nil
	}

	rc, newPW := data[:e.pwLen], data[e.pwLen:]

	got := s2k(e.salt[:], rc)
	if subtle.ConstantTimeCompare(got[:], e.digest[:]) != 1 {
		return false, nil
	}

	return true, p.Set(RolePW1, newSalt, newPW)
}

// Clear removes role's keystring entirely (used to return PW3 to
// admin-less mode).
func (p *PINs) Clear(role Role) error {
	e := &p.entries[role]
	if !e.hasID {
		return nil
	}
	if err := p.pool.Release(e.id); err != nil {
		return err
	}
	*e = pin{}
	return nil
}
