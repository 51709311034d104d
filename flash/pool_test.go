package flash

import (
	"bytes"
	"testing"
)

const testPageSize = 256

func newTestPool(t *testing.T) (*Pool, Device) {
	t.Helper()
	dev := NewSim(testPageSize * 2)
	p, err := Open(dev, [2]int{0, testPageSize}, testPageSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return p, dev
}

func TestOpenPicksFixedPageWhenBothBlank(t *testing.T) {
	p, _ := newTestPool(t)
	if p.active != 0 {
		t.Fatalf("active = %d, want 0", p.active)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	// The four records below take 2+4+130+130 bytes plus the page's
	// 2-byte generation header (268 in all), more than one testPageSize
	// page holds, so this test uses a larger page.
	const pageSize = 2 * testPageSize
	p, err := Open(NewSim(pageSize*2), [2]int{0, pageSize}, pageSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	cases := [][]byte{
		{},
		{0x42},
		bytes.Repeat([]byte{0xaa}, 127),
		bytes.Repeat([]byte{0xbb}, 128),
	}

	for _, data := range cases {
		id, err := p.Write(0x0c, data)
		if err != nil {
			t.Fatalf("Write(%d bytes): %v", len(data), err)
		}

		got, ok := p.Read(id)
		if !ok {
			t.Fatalf("Read: record not found")
		}

		if !bytes.Equal(got, data) {
			t.Fatalf("round trip mismatch: got %x want %x", got, data)
		}
	}
}

func TestReleaseThenScanSkipsRecord(t *testing.T) {
	p, _ := newTestPool(t)

	id1, _ := p.Write(0x0c, []byte("hello"))
	id2, _ := p.Write(0x0d, []byte("world!"))

	if err := p.Release(id1); err != nil {
		t.Fatalf("Release: %v", err)
	}

	recs := p.Records()
	if len(recs) != 1 || recs[0].ID != id2 {
		t.Fatalf("Records after release = %+v, want only id2", recs)
	}

	got, ok := p.Read(id2)
	if !ok || string(got) != "world!" {
		t.Fatalf("Read(id2) = %q, %v", got, ok)
	}
}

func TestRebuildAfterReopen(t *testing.T) {
	dev := NewSim(testPageSize * 2)
	p1, err := Open(dev, [2]int{0, testPageSize}, testPageSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	id1, _ := p1.Write(0x0b, []byte("login"))
	_, _ = p1.Write(0x0c, []byte("url"))
	p1.Release(id1)

	p2, err := Open(dev, [2]int{0, testPageSize}, testPageSize)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}

	recs := p2.Records()
	if len(recs) != 1 {
		t.Fatalf("Records after reopen = %d, want 1", len(recs))
	}
	if recs[0].NR != 0x0c {
		t.Fatalf("surviving record NR = %#x, want 0x0c", recs[0].NR)
	}
}

func TestGCPreservesLiveRecords(t *testing.T) {
	p, _ := newTestPool(t)

	// Fill the page with churn: write+release the same tag repeatedly so
	// GC is forced, while one record is never released.
	keep, err := p.Write(0x0b, []byte("keep-me"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	genBefore := p.Generation()

	for i := 0; i < 30; i++ {
		id, err := p.Write(0x0c, bytes.Repeat([]byte{byte(i)}, 8))
		if err != nil {
			t.Fatalf("Write churn %d: %v", i, err)
		}
		if err := p.Release(id); err != nil {
			t.Fatalf("Release churn %d: %v", i, err)
		}
	}

	data, ok := p.Read(keep)
	if !ok || string(data) != "keep-me" {
		t.Fatalf("surviving record corrupted: %q, %v", data, ok)
	}

	if p.Generation() <= genBefore {
		t.Fatalf("generation did not advance: before=%d after=%d", genBefore, p.Generation())
	}
}

func TestGCIdempotent(t *testing.T) {
	p, _ := newTestPool(t)

	p.Write(0x0b, []byte("a"))
	p.Write(0x0c, []byte("b"))

	if err := p.gc(); err != nil {
		t.Fatalf("first gc: %v", err)
	}
	hash1 := hashRecords(p)

	if err := p.gc(); err != nil {
		t.Fatalf("second gc: %v", err)
	}
	hash2 := hashRecords(p)

	if hash1 != hash2 {
		t.Fatalf("GC not idempotent: %q != %q", hash1, hash2)
	}
}

func hashRecords(p *Pool) string {
	var buf bytes.Buffer
	for _, r := range p.Records() {
		data, _ := p.Read(r.ID)
		buf.WriteByte(r.NR)
		buf.Write(data)
	}
	return buf.String()
}

func TestProgramHalfwordRejectsBitSet(t *testing.T) {
	dev := NewSim(16)
	if err := dev.ProgramHalfword(0, 0x00ff); err != nil {
		t.Fatalf("initial program: %v", err)
	}
	if err := dev.ProgramHalfword(0, 0xff00); err != ErrBitSet {
		t.Fatalf("expected ErrBitSet, got %v", err)
	}
}

func TestCounter123Lifecycle(t *testing.T) {
	p, _ := newTestPool(t)
	c := p.NewCounter123(1)

	if v := c.Value(); v != 0 {
		t.Fatalf("fresh counter value = %d, want 0", v)
	}

	for want, expect := range []int{1, 2, 3} {
		if err := c.Increment(); err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if got := c.Value(); got != expect {
			t.Fatalf("after %d increments, value = %d, want %d", want+1, got, expect)
		}
	}

	// locked: further increments are no-ops
	if err := c.Increment(); err != nil {
		t.Fatalf("Increment while locked: %v", err)
	}
	if v := c.Value(); v != 3 {
		t.Fatalf("value after increment-while-locked = %d, want 3", v)
	}

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if v := c.Value(); v != 0 {
		t.Fatalf("value after reset = %d, want 0", v)
	}
}

func TestCounter123SurvivesGCWithDistinctWhich(t *testing.T) {
	p, _ := newTestPool(t)

	// which=0 is the adversarial case: it must not be confused with a
	// zero-length ordinary record during the rebuild/GC scan.
	c0 := p.NewCounter123(0)
	if err := c0.Increment(); err != nil {
		t.Fatalf("Increment(which=0): %v", err)
	}

	// Interleave an ordinary record after it so a corrupted scan offset
	// would misparse this tag too.
	marker, err := p.Write(0x0b, []byte("after-counter"))
	if err != nil {
		t.Fatalf("Write marker: %v", err)
	}

	for i := 0; i < 30; i++ {
		id, err := p.Write(0x0c, bytes.Repeat([]byte{byte(i)}, 9))
		if err != nil {
			t.Fatalf("Write churn %d: %v", i, err)
		}
		if err := p.Release(id); err != nil {
			t.Fatalf("Release churn %d: %v", i, err)
		}
	}

	if v := c0.Value(); v != 1 {
		t.Fatalf("Counter123(which=0) value after GC churn = %d, want 1", v)
	}

	data, ok := p.Read(marker)
	if !ok || string(data) != "after-counter" {
		t.Fatalf("marker record corrupted after churn: %q, %v", data, ok)
	}
}

func TestDSCounterMonotonic(t *testing.T) {
	p, _ := newTestPool(t)
	c := p.NewDSCounter()

	for i := uint32(1); i <= 5; i++ {
		if err := c.Increment(); err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if c.Value() != i {
			t.Fatalf("value = %d, want %d", c.Value(), i)
		}
	}

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.Value() != 0 {
		t.Fatalf("value after reset = %d, want 0", c.Value())
	}
}

func TestBoolPresence(t *testing.T) {
	p, _ := newTestPool(t)
	b := p.NewBool(NRBoolBase)

	if b.Value() {
		t.Fatalf("fresh bool should be false")
	}
	if err := b.Set(); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !b.Value() {
		t.Fatalf("bool should be true after Set")
	}
	if err := b.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if b.Value() {
		t.Fatalf("bool should be false after Clear")
	}
}
