package ac

import (
	"testing"

	"github.com/usbarmory/gnuk-token/flash"
)

func newTestPINs(t *testing.T) *PINs {
	t.Helper()
	const pageSize = 1024
	dev := flash.NewSim(pageSize * 2)
	pool, err := flash.Open(dev, [2]int{0, pageSize}, pageSize)
	if err != nil {
		t.Fatalf("flash.Open: %v", err)
	}
	return New(pool)
}

func TestVerifyPW3DefaultPassword(t *testing.T) {
	p := newTestPINs(t)
	var status Status

	ok, err := p.Verify(&status, RolePW3, []byte(DefaultPW3))
	if err != nil || !ok {
		t.Fatalf("Verify(default PW3) = %v, %v; want true, nil", ok, err)
	}
	if !status.Check(Cond(FlagAdmin)) {
		t.Fatalf("FlagAdmin not granted after default PW3 verify")
	}
}

// TestVerifyDefaultPW3LocksOutAfterThreeFailures verifies that three
// wrong attempts against the factory-default PW3 "12345678" yield
// 63C2/63C1/63C0 (via Remaining), and a fourth reports locked — this
// intentionally diverges from ac.c's "we don't try to lock for the case
// of empty PW3" comment, since a factory-default PIN is no less
// sensitive than a user-chosen one.
func TestVerifyDefaultPW3LocksOutAfterThreeFailures(t *testing.T) {
	p := newTestPINs(t)
	var status Status

	for i := 0; i < MaxRetries; i++ {
		ok, _ := p.Verify(&status, RolePW3, []byte("wrongwrong"))
		if ok {
			t.Fatalf("Verify with wrong admin-less password unexpectedly succeeded")
		}
	}

	if !p.Locked(RolePW3) {
		t.Fatalf("admin-less PW3 should be locked after %d failures", MaxRetries)
	}

	if ok, err := p.Verify(&status, RolePW3, []byte(DefaultPW3)); ok || err != errLocked {
		t.Fatalf("Verify on locked admin-less PW3 = %v, %v; want false, errLocked", ok, err)
	}
}

func TestSetAndVerifyRoundTrip(t *testing.T) {
	p := newTestPINs(t)
	var status Status

	var salt [SaltSize]byte
	for i := range salt {
		salt[i] = byte(i + 1)
	}

	if err := p.Set(RolePW1, salt, []byte("correcthorse")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ok, err := p.Verify(&status, RolePW1, []byte("correcthorse"))
	if err != nil || !ok {
		t.Fatalf("Verify(correct PW1) = %v, %v", ok, err)
	}
	if !status.Check(Cond(FlagPSOCDS)) || !status.Check(Cond(FlagOther)) {
		t.Fatalf("PW1 verify should grant both PSO-CDS and OTHER flags")
	}
}

func TestVerifyLocksAfterThreeFailures(t *testing.T) {
	p := newTestPINs(t)
	var status Status

	var salt [SaltSize]byte
	if err := p.Set(RolePW1, salt, []byte("goodpassword")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	for i := 0; i < MaxRetries; i++ {
		if ok, _ := p.Verify(&status, RolePW1, []byte("wrong")); ok {
			t.Fatalf("Verify(wrong) unexpectedly succeeded on attempt %d", i)
		}
	}

	if !p.Locked(RolePW1) {
		t.Fatalf("PW1 should be locked after %d failures", MaxRetries)
	}

	if ok, err := p.Verify(&status, RolePW1, []byte("goodpassword")); ok || err != errLocked {
		t.Fatalf("Verify on locked PIN = %v, %v; want false, errLocked", ok, err)
	}
}

func TestVerifySuccessResetsRetryCounter(t *testing.T) {
	p := newTestPINs(t)
	var status Status

	var salt [SaltSize]byte
	if err := p.Set(RolePW1, salt, []byte("goodpassword")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	p.Verify(&status, RolePW1, []byte("wrong"))
	if r := p.Remaining(RolePW1); r != MaxRetries-1 {
		t.Fatalf("Remaining after 1 failure = %d, want %d", r, MaxRetries-1)
	}

	if ok, _ := p.Verify(&status, RolePW1, []byte("goodpassword")); !ok {
		t.Fatalf("correct PIN should succeed")
	}
	if r := p.Remaining(RolePW1); r != MaxRetries {
		t.Fatalf("Remaining after success = %d, want %d (full reset)", r, MaxRetries)
	}
}

func TestRebuildRecoversKeystringAndCounter(t *testing.T) {
	const pageSize = 1024
	dev := flash.NewSim(pageSize * 2)
	pool, err := flash.Open(dev, [2]int{0, pageSize}, pageSize)
	if err != nil {
		t.Fatalf("flash.Open: %v", err)
	}

	p := New(pool)
	var salt [SaltSize]byte
	salt[0] = 0xaa
	if err := p.Set(RoleRC, salt, []byte("resetcode")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var status Status
	p.Verify(&status, RoleRC, []byte("wrong-once"))

	pool2, err := flash.Open(dev, [2]int{0, pageSize}, pageSize)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	p2 := New(pool2)
	p2.Rebuild()

	if r := p2.Remaining(RoleRC); r != MaxRetries-1 {
		t.Fatalf("Remaining after reopen = %d, want %d", r, MaxRetries-1)
	}

	var status2 Status
	ok, err := p2.Verify(&status2, RoleRC, []byte("resetcode"))
	if err != nil || !ok {
		t.Fatalf("Verify after reopen = %v, %v", ok, err)
	}
}

func TestKeystringMatchesS2KDigest(t *testing.T) {
	p := newTestPINs(t)

	var salt [SaltSize]byte
	salt[0] = 7
	if err := p.Set(RolePW3, salt, []byte("adminpw1")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	digest, ok := p.Keystring(RolePW3, []byte("adminpw1"))
	if !ok {
		t.Fatalf("Keystring should be available after Set")
	}

	want := s2k(salt[:], []byte("adminpw1"))
	if digest != want {
		t.Fatalf("Keystring digest mismatch")
	}
}

func TestKeystringUnavailableInAdminLessMode(t *testing.T) {
	p := newTestPINs(t)
	if _, ok := p.Keystring(RolePW3, []byte(DefaultPW3)); ok {
		t.Fatalf("Keystring should be unavailable before PW3 is ever Set")
	}
}
