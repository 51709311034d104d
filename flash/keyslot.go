package flash

import "errors"

// KeyRole identifies which of the three OpenPGP key roles (SIGNING,
// DECRYPTION, AUTHENTICATION) a key-slot page belongs to.
type KeyRole int

const (
	RoleSigning KeyRole = iota
	RoleDecryption
	RoleAuthentication
	numRoles
)

var errNoFreeSlot = errors.New("flash: no free key slot on page")

// KeySlotSize is the fixed size of a key-slot entry. It holds this card's
// largest key, RSA-2048: a 276-byte sealed body (E||P||Q plus checksum)
// followed by a 260-byte public component (E||N).
const KeySlotSize = 1024

// KeyStore manages one dedicated flash page per key role, linearly
// allocating fixed-size slots within it. Grounded on
// flash_key_{alloc,write,release} in flash.c.
type KeyStore struct {
	dev      Device
	pageBase [numRoles]int
	pageSize int
	slotSize int
}

// OpenKeyStore scans each role's page at construction time only lazily;
// callers locate the live slot (if any) with Live.
func OpenKeyStore(dev Device, pageBase [numRoles]int, pageSize int) *KeyStore {
	return &KeyStore{dev: dev, pageBase: pageBase, pageSize: pageSize, slotSize: KeySlotSize}
}

func (ks *KeyStore) slots(role KeyRole) int {
	return ks.pageSize / ks.slotSize
}

// slotState classifies a slot's content: "free" if all 0xFF, "in use" if
// neither all-0x00 nor all-0xFF, "released" if all 0x00.
type slotState int

const (
	slotFree slotState = iota
	slotInUse
	slotReleased
)

func (ks *KeyStore) stateAt(addr int) slotState {
	b := ks.dev.Bytes(addr, ks.slotSize)

	allFF, allZero := true, true
	for _, v := range b {
		if v != 0xff {
			allFF = false
		}
		if v != 0x00 {
			allZero = false
		}
		if !allFF && !allZero {
			break
		}
	}

	switch {
	case allFF:
		return slotFree
	case allZero:
		return slotReleased
	default:
		return slotInUse
	}
}

// Live scans a role's page at boot and returns the address of the first
// in-use slot, if any — exactly flash_init's per-key scan.
func (ks *KeyStore) Live(role KeyRole) (addr int, ok bool) {
	base := ks.pageBase[role]
	for off := 0; off < ks.pageSize; off += ks.slotSize {
		a := base + off
		if ks.stateAt(a) == slotInUse {
			return a, true
		}
	}
	return 0, false
}

// Alloc finds the first free (all-0xFF) slot on the role's page.
func (ks *KeyStore) Alloc(role KeyRole) (addr int, err error) {
	base := ks.pageBase[role]
	for off := 0; off < ks.pageSize; off += ks.slotSize {
		a := base + off
		if ks.stateAt(a) == slotFree {
			return a, nil
		}
	}
	return 0, errNoFreeSlot
}

// Write programs the slot's private key body followed by its public
// component, within the slot's fixed size.
func (ks *KeyStore) Write(addr int, body, pub []byte) error {
	if len(body)+len(pub) > ks.slotSize {
		return errors.New("flash: key content exceeds slot size")
	}

	off := addr
	for i := 0; i+1 < len(body); i += 2 {
		v := uint16(body[i]) | uint16(body[i+1])<<8
		if err := ks.dev.ProgramHalfword(off, v); err != nil {
			return err
		}
		off += 2
	}
	if len(body)%2 == 1 {
		if err := ks.dev.ProgramHalfword(off, uint16(body[len(body)-1])|0xff00); err != nil {
			return err
		}
		off++
	}

	for i := 0; i+1 < len(pub); i += 2 {
		v := uint16(pub[i]) | uint16(pub[i+1])<<8
		if err := ks.dev.ProgramHalfword(off, v); err != nil {
			return err
		}
		off += 2
	}
	if len(pub)%2 == 1 {
		if err := ks.dev.ProgramHalfword(off, uint16(pub[len(pub)-1])); err != nil {
			return err
		}
	}

	return nil
}

// Read returns the n bytes stored at addr.
func (ks *KeyStore) Read(addr, n int) []byte {
	return ks.dev.Bytes(addr, n)
}

// Release zeroes a slot. If every slot on its page is then released, the
// whole page is erased to recover write endurance, exactly as
// flash_key_release / flash_check_all_other_keys_released do.
func (ks *KeyStore) Release(role KeyRole, addr int) error {
	for i := 0; i < ks.slotSize; i += 2 {
		if err := ks.dev.ProgramHalfword(addr+i, 0); err != nil {
			return err
		}
	}

	base := ks.pageBase[role]
	allReleased := true
	for off := 0; off < ks.pageSize; off += ks.slotSize {
		a := base + off
		if ks.stateAt(a) != slotReleased {
			allReleased = false
			break
		}
	}

	if allReleased {
		return ks.dev.ErasePage(base, ks.pageSize)
	}

	return nil
}
