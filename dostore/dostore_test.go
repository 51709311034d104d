package dostore

import (
	"bytes"
	"testing"

	"github.com/usbarmory/gnuk-token/ac"
	"github.com/usbarmory/gnuk-token/flash"
)

func newTestStore(t *testing.T) (*Store, *ac.Status) {
	t.Helper()
	const pageSize = 2048
	dev := flash.NewSim(pageSize * 2)
	pool, err := flash.Open(dev, [2]int{0, pageSize}, pageSize)
	if err != nil {
		t.Fatalf("flash.Open: %v", err)
	}

	status := &ac.Status{}
	s := New(pool, status)
	s.SetPINs(ac.New(pool))
	s.SetDSCounter(pool.NewDSCounter())
	return s, status
}

func TestGetDataAID(t *testing.T) {
	s, _ := newTestStore(t)

	got, swv := s.GetData(TagAID, false)
	if swv != 0x9000 {
		t.Fatalf("SW = %#x, want 9000", uint16(swv))
	}
	if !bytes.Equal(got, openpgpAID) {
		t.Fatalf("AID mismatch: %x", got)
	}
}

func TestGetDataUnknownTagNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, swv := s.GetData(0xdead, false); swv != 0x6a88 {
		t.Fatalf("SW = %#x, want 6a88", uint16(swv))
	}
}

func TestPutGetRoundTripURL(t *testing.T) {
	s, status := newTestStore(t)
	status.Grant(ac.FlagAdmin)

	for _, n := range []int{0, 1, 127, 128, 255} {
		data := bytes.Repeat([]byte{0x5a}, n)
		if swv := s.PutData(TagURL, data); swv != 0x9000 {
			t.Fatalf("PutData(%d bytes) SW = %#x", n, uint16(swv))
		}

		got, swv := s.GetData(TagURL, false)
		if swv != 0x9000 {
			t.Fatalf("GetData after PutData(%d) SW = %#x", n, uint16(swv))
		}
		if n == 0 {
			if len(got) != 0 {
				t.Fatalf("empty PUT DATA should delete the DO, got %d bytes", len(got))
			}
			continue
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("round trip mismatch at n=%d", n)
		}
	}
}

func TestPutDataDeniedWithoutAdmin(t *testing.T) {
	s, _ := newTestStore(t)
	if swv := s.PutData(TagURL, []byte("hi")); swv != 0x6982 {
		t.Fatalf("SW = %#x, want 6982", uint16(swv))
	}
}

func TestPWStatusBytesLayout(t *testing.T) {
	s, _ := newTestStore(t)

	got, swv := s.GetData(TagPWStatus, false)
	if swv != 0x9000 {
		t.Fatalf("SW = %#x", uint16(swv))
	}
	if len(got) != 7 {
		t.Fatalf("len(PW status bytes) = %d, want 7", len(got))
	}
	// Fresh card: all three retry counters report MaxRetries remaining.
	if got[4] != ac.MaxRetries || got[5] != ac.MaxRetries || got[6] != ac.MaxRetries {
		t.Fatalf("fresh retry counters = %v, want all %d", got[4:7], ac.MaxRetries)
	}
}

func TestPWStatusOnlyFirstByteWritable(t *testing.T) {
	s, status := newTestStore(t)
	status.Grant(ac.FlagAdmin)

	if swv := s.PutData(TagPWStatus, []byte{0x01, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}); swv != 0x9000 {
		t.Fatalf("PutData SW = %#x", uint16(swv))
	}

	got, _ := s.GetData(TagPWStatus, false)
	if got[0] != 0x01 {
		t.Fatalf("pw1_lifetime = %#x, want 1", got[0])
	}
	if got[1] != byte(ac.MaxLenPIN) {
		t.Fatalf("pw1_max_len was overwritten: %#x", got[1])
	}
}

func TestCompositeApplicationDataNesting(t *testing.T) {
	s, _ := newTestStore(t)

	got, swv := s.GetData(TagApplicationData, false)
	if swv != 0x9000 {
		t.Fatalf("SW = %#x", uint16(swv))
	}

	// The AID child must appear nested with its own tag/length: 4F 10 <16 bytes>.
	want := append([]byte{0x4f, 0x10}, openpgpAID...)
	if !bytes.Contains(got, want) {
		t.Fatalf("Application Data does not contain wrapped AID child: %x", got)
	}
}

func TestResettingCodeWriteOnly(t *testing.T) {
	s, status := newTestStore(t)
	status.Grant(ac.FlagAdmin)

	if _, swv := s.GetData(TagResettingCode, false); swv != 0x9000 {
		// ProcWrite descriptors deny GET regardless of ACRead.
		if swv != 0x6982 {
			t.Fatalf("GET DATA on write-only tag SW = %#x, want 6982", uint16(swv))
		}
	}

	if swv := s.PutData(TagResettingCode, []byte("resetme1")); swv != 0x9000 {
		t.Fatalf("PutData(ResettingCode) SW = %#x", uint16(swv))
	}
}

func TestRebuildRecoversVarAndPW1Lifetime(t *testing.T) {
	const pageSize = 2048
	dev := flash.NewSim(pageSize * 2)
	pool, err := flash.Open(dev, [2]int{0, pageSize}, pageSize)
	if err != nil {
		t.Fatalf("flash.Open: %v", err)
	}

	status := &ac.Status{}
	s := New(pool, status)
	pins := ac.New(pool)
	s.SetPINs(pins)
	s.SetDSCounter(pool.NewDSCounter())

	status.Grant(ac.FlagAdmin)
	s.PutData(TagURL, []byte("https://example.com"))
	s.PutData(TagPWStatus, []byte{0x01})

	pool2, err := flash.Open(dev, [2]int{0, pageSize}, pageSize)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	status2 := &ac.Status{}
	s2 := New(pool2, status2)
	pins2 := ac.New(pool2)
	pins2.Rebuild()
	s2.SetPINs(pins2)
	s2.SetDSCounter(pool2.NewDSCounter())
	s2.Rebuild()

	got, swv := s2.GetData(TagURL, false)
	if swv != 0x9000 || string(got) != "https://example.com" {
		t.Fatalf("URL after reopen = %q, %#x", got, uint16(swv))
	}

	pwstatus, _ := s2.GetData(TagPWStatus, false)
	if pwstatus[0] != 0x01 {
		t.Fatalf("pw1_lifetime after reopen = %#x, want 1", pwstatus[0])
	}
}

func TestAlgAttrAndKeygenTimeIndependent(t *testing.T) {
	const pageSize = 2048
	dev := flash.NewSim(pageSize * 2)
	pool, err := flash.Open(dev, [2]int{0, pageSize}, pageSize)
	if err != nil {
		t.Fatalf("flash.Open: %v", err)
	}

	status := &ac.Status{}
	s := New(pool, status)
	s.SetPINs(ac.New(pool))
	s.SetDSCounter(pool.NewDSCounter())
	status.Grant(ac.FlagAdmin)

	attr := []byte{0x02}
	stamp := []byte{0x65, 0x00, 0x00, 0x00}
	if swv := s.PutData(TagAlgAttrSig, attr); swv != 0x9000 {
		t.Fatalf("PutData(C1) SW = %#x", uint16(swv))
	}
	if swv := s.PutData(TagKeygenTimeSig, stamp); swv != 0x9000 {
		t.Fatalf("PutData(CE) SW = %#x", uint16(swv))
	}

	// The two DOs back onto distinct flash records: writing one must
	// not disturb the other, in the live index or across a reopen.
	check := func(s *Store, label string) {
		t.Helper()
		if got, _ := s.GetData(TagAlgAttrSig, false); !bytes.Equal(got, attr) {
			t.Fatalf("%s: C1 = %x, want %x", label, got, attr)
		}
		if got, _ := s.GetData(TagKeygenTimeSig, false); !bytes.Equal(got, stamp) {
			t.Fatalf("%s: CE = %x, want %x", label, got, stamp)
		}
	}
	check(s, "live")

	pool2, err := flash.Open(dev, [2]int{0, pageSize}, pageSize)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s2 := New(pool2, &ac.Status{})
	s2.SetPINs(ac.New(pool2))
	s2.SetDSCounter(pool2.NewDSCounter())
	s2.Rebuild()
	check(s2, "after reopen")
}

func TestAIDSplicesProvisionedSerial(t *testing.T) {
	s, _ := newTestStore(t)

	binDev := flash.NewSim(flash.BinaryStoreSize)
	bin := flash.OpenBinaryStore(binDev, 0)
	s.SetBinaryStore(bin)

	serial := []byte{0x00, 0x05, 0x00, 0x00, 0xca, 0xfe}
	if err := bin.Write(flash.FileSerialNo, 0, serial); err != nil {
		t.Fatalf("provisioning serial: %v", err)
	}

	got, swv := s.GetData(TagAID, false)
	if swv != 0x9000 {
		t.Fatalf("SW = %#x", uint16(swv))
	}
	if !bytes.Equal(got[:8], openpgpAID[:8]) {
		t.Fatalf("AID prefix disturbed: %x", got[:8])
	}
	if !bytes.Equal(got[8:14], serial) {
		t.Fatalf("AID serial field = %x, want %x", got[8:14], serial)
	}
}
