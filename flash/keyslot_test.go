package flash

import (
	"bytes"
	"testing"
)

func newTestKeyStore(t *testing.T) (*KeyStore, Device) {
	t.Helper()
	pageSize := 1024
	dev := NewSim(pageSize * int(numRoles))
	bases := [numRoles]int{0, pageSize, pageSize * 2}
	return OpenKeyStore(dev, bases, pageSize), dev
}

func TestKeyStoreAllocWriteRelease(t *testing.T) {
	ks, _ := newTestKeyStore(t)

	if _, ok := ks.Live(RoleSigning); ok {
		t.Fatalf("fresh key store should have no live slot")
	}

	addr, err := ks.Alloc(RoleSigning)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	body := bytes.Repeat([]byte{0x11}, 256)
	pub := bytes.Repeat([]byte{0x22}, 32)

	if err := ks.Write(addr, body, pub); err != nil {
		t.Fatalf("Write: %v", err)
	}

	live, ok := ks.Live(RoleSigning)
	if !ok || live != addr {
		t.Fatalf("Live = %d, %v; want %d, true", live, ok, addr)
	}

	got := ks.Read(addr, len(body)+len(pub))
	if !bytes.Equal(got[:len(body)], body) || !bytes.Equal(got[len(body):], pub) {
		t.Fatalf("Read mismatch")
	}

	if err := ks.Release(RoleSigning, addr); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, ok := ks.Live(RoleSigning); ok {
		t.Fatalf("slot should no longer be live after release")
	}
}

func TestKeyStoreReimportAllocatesFreshSlot(t *testing.T) {
	ks, _ := newTestKeyStore(t)

	addr1, _ := ks.Alloc(RoleDecryption)
	ks.Write(addr1, []byte{0xaa}, []byte{0xbb})
	ks.Release(RoleDecryption, addr1)

	addr2, err := ks.Alloc(RoleDecryption)
	if err != nil {
		t.Fatalf("Alloc after release: %v", err)
	}
	if addr2 == addr1 {
		// Not required to differ (a released slot can be reused only
		// after the whole page erase triggered by Release), but if the
		// page was fully erased, first-fit will find the same address —
		// both are valid; we only assert Alloc succeeds and the slot is
		// genuinely free.
	}

	if st := ks.stateAt(addr2); st != slotFree {
		t.Fatalf("newly allocated slot state = %v, want free", st)
	}
}

func TestKeyStoreErasesPageWhenAllSlotsReleased(t *testing.T) {
	ks, dev := newTestKeyStore(t)

	a1, _ := ks.Alloc(RoleAuthentication)
	ks.Write(a1, []byte{0x01}, nil)
	ks.Release(RoleAuthentication, a1)

	base := ks.pageBase[RoleAuthentication]
	b := dev.Bytes(base, ks.pageSize)
	for _, v := range b {
		if v != 0xff {
			t.Fatalf("page not erased after releasing its only slot")
		}
	}
}
