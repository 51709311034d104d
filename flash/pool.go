package flash

import (
	"log"
	"sort"

	"github.com/usbarmory/gnuk-token/fatal"
)

// NR values below 0x80 are DO tag-number records, written by Write.
// Values from 0x80 up are the reserved internal kinds (counters, booleans)
// from gnuk.h, implemented by the Counter123,
// DSCounter and Bool helpers in counter.go.
const (
	NRNone         = 0x00
	NRCounterDS    = 0x80 // DSCounter's ordinary 3-byte value record
	NRCounterDSLSB = 0xc0 // gnuk.h's low nibble-group kind; not written by this package
	NRBoolBase     = 0xf0
	NRCounter123   = 0xfe
	NREmpty        = 0xff
)

// headerSize is the 2-byte generation half-word at the start of each page.
const headerSize = 2

// RecordID is an opaque, GC-stable handle to a live record. Offsets move
// during garbage collection; RecordID does not.
type RecordID uint32

type record struct {
	id     RecordID
	offset int // absolute device address of the tag/length half-word
	nr     uint8
	// raw2 is the header's literal second byte: content length for
	// ordinary records, but the counter role index ("which") for
	// NRCounter123 records, whose content is always a fixed 2 bytes
	// regardless of raw2's value.
	raw2   uint8
	length int // logical content length in bytes, before even-padding
}

// Pool is the two-page rotating data pool: a generation-tagged pair of
// flash pages, one active at a time, holding a linear sequence of tagged
// variable-length records that is copied forward by garbage collection
// when the active page fills up.
type Pool struct {
	dev      Device
	pageBase [2]int
	pageSize int

	active int // index into pageBase
	lastP  int // bump pointer, absolute device address

	nextID  RecordID
	records map[RecordID]*record
}

// Open selects the active page (by generation half-word) and rebuilds the
// live-record index by walking the page from its header to the first
// unwritten (0xFFFF) half-word, exactly as a boot-time flash_init would.
func Open(dev Device, pageBase [2]int, pageSize int) (*Pool, error) {
	p := &Pool{
		dev:      dev,
		pageBase: pageBase,
		pageSize: pageSize,
		records:  make(map[RecordID]*record),
	}

	gen0 := dev.ReadHalfword(pageBase[0])
	gen1 := dev.ReadHalfword(pageBase[1])

	switch {
	case gen0 == 0xffff && gen1 == 0xffff:
		// both unwritten: pick a fixed page to bootstrap from
		p.active = 0
	case gen0 == 0xffff:
		p.active = 1
	case gen1 == 0xffff:
		p.active = 0
	case generationGreater(gen1, gen0):
		p.active = 1
	default:
		p.active = 0
	}

	if gen0 == 0xffff && gen1 == 0xffff {
		if err := dev.ProgramHalfword(pageBase[0], 1); err != nil {
			return nil, err
		}
	}

	p.rebuild()
	return p, nil
}

// generationGreater compares two 16-bit generation counters, treating
// 0xFFFF as "unwritten" rather than as a numeric value — the data-pool
// header's active-page selection rule.
func generationGreater(a, b uint16) bool {
	if b == 0xffff {
		return true
	}
	if a == 0xffff {
		return false
	}
	return a > b
}

// rebuild walks the active page from its header, treating every all-zero
// half-word as a released placeholder (exactly two bytes wide, regardless
// of the original record's length — this works because Release zeroes the
// entire footprint of a record, so the walk degenerates into a run of
// zero-length zero-tag placeholders that are safe to skip one half-word at
// a time) and every other half-word as a live record's tag/length header.
func (p *Pool) rebuild() {
	p.records = make(map[RecordID]*record)
	base := p.pageBase[p.active]
	pos := base + headerSize
	end := base + p.pageSize

	for pos < end {
		hw := p.dev.ReadHalfword(pos)

		if hw == 0xffff {
			break
		}

		if hw == 0x0000 {
			pos += 2
			continue
		}

		nr := uint8(hw & 0xff)
		raw2 := uint8(hw >> 8)
		length := int(raw2)
		if nr == NRCounter123 {
			length = 2
		}

		p.nextID++
		p.records[p.nextID] = &record{id: p.nextID, offset: pos, nr: nr, raw2: raw2, length: length}

		pos += headerSize + roundUp2(length)
	}

	p.lastP = pos
}

func roundUp2(n int) int {
	return (n + 1) &^ 1
}

// Records returns every live record, in pool order, for callers (dostore)
// that need to rebuild their own tag index after Open or after any
// mutation that can trigger GC.
func (p *Pool) Records() []struct {
	ID     RecordID
	NR     uint8
	Length int
	Aux    uint8 // raw2: the counter role index for NRCounter123 records
} {
	ids := make([]RecordID, 0, len(p.records))
	for id := range p.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return p.records[ids[i]].offset < p.records[ids[j]].offset })

	out := make([]struct {
		ID     RecordID
		NR     uint8
		Length int
		Aux    uint8
	}, 0, len(ids))

	for _, id := range ids {
		r := p.records[id]
		out = append(out, struct {
			ID     RecordID
			NR     uint8
			Length int
			Aux    uint8
		}{ID: id, NR: r.nr, Length: r.length, Aux: r.raw2})
	}

	return out
}

// Read returns the content bytes of a live record.
func (p *Pool) Read(id RecordID) ([]byte, bool) {
	r, ok := p.records[id]
	if !ok {
		return nil, false
	}

	return p.dev.Bytes(r.offset+headerSize, r.length), true
}

// Write allocates and serializes a new tagged record: a half-word
// (nr | len<<8) followed by ceil(len/2) half-words of content, odd final
// bytes padded with 0xFF. Triggers copying GC if the active page is full.
func (p *Pool) Write(nr uint8, data []byte) (RecordID, error) {
	if len(data) > 0xff {
		return 0, errBadLength
	}

	size := headerSize + roundUp2(len(data))

	if err := p.ensureSpace(size); err != nil {
		return 0, err
	}

	addr := p.lastP
	if err := p.programRecord(addr, nr, uint8(len(data)), data); err != nil {
		log.Printf("flash: DO WRITE ERROR at %#x: %v", addr, err)
	}

	p.lastP += size
	p.nextID++
	id := p.nextID
	p.records[id] = &record{id: id, offset: addr, nr: nr, raw2: uint8(len(data)), length: len(data)}

	return id, nil
}

func (p *Pool) programRecord(addr int, nr uint8, raw2 uint8, data []byte) error {
	hw := uint16(nr) | uint16(raw2)<<8
	if err := p.dev.ProgramHalfword(addr, hw); err != nil {
		return err
	}

	off := addr + headerSize
	for i := 0; i+1 < len(data); i += 2 {
		v := uint16(data[i]) | uint16(data[i+1])<<8
		if err := p.dev.ProgramHalfword(off, v); err != nil {
			return err
		}
		off += 2
	}

	if len(data)%2 == 1 {
		v := uint16(data[len(data)-1]) | 0xff00
		if err := p.dev.ProgramHalfword(off, v); err != nil {
			return err
		}
	}

	return nil
}

// Release overwrites every half-word of the record (content then header)
// with zero. The footprint remains space-wise present until the next GC.
func (p *Pool) Release(id RecordID) error {
	r, ok := p.records[id]
	if !ok {
		return nil
	}

	off := r.offset + headerSize
	for i := 0; i < roundUp2(r.length); i += 2 {
		if err := p.dev.ProgramHalfword(off+i, 0); err != nil {
			log.Printf("flash: release fill-zero failure at %#x: %v", off+i, err)
		}
	}

	if err := p.dev.ProgramHalfword(r.offset, 0); err != nil {
		log.Printf("flash: release fill-zero tag failure at %#x: %v", r.offset, err)
	}

	delete(p.records, id)
	return nil
}

func (p *Pool) ensureSpace(size int) error {
	if p.lastP+size <= p.pageBase[p.active]+p.pageSize {
		return nil
	}

	if err := p.gc(); err != nil {
		fatal.Halt(fatal.FLASH, "garbage collection failed: "+err.Error())
		return err
	}

	if p.lastP+size > p.pageBase[p.active]+p.pageSize {
		fatal.Halt(fatal.FLASH, "allocation failure after GC")
		return errPoolFull
	}

	return nil
}

// gc performs the copying garbage collection flash's write-only-from-1s
// constraint requires: erase the inactive page, reserialize every live
// record into it in pool order, bump the generation, erase the old
// active page, and swap.
func (p *Pool) gc() error {
	srcIdx := p.active
	dstIdx := 1 - p.active
	src := p.pageBase[srcIdx]
	dst := p.pageBase[dstIdx]

	if err := p.dev.ErasePage(dst, p.pageSize); err != nil {
		return err
	}

	gen := p.dev.ReadHalfword(src)
	if gen == 0xffff {
		gen = 0
	}

	entries := p.Records()

	newOffset := dst + headerSize
	newRecords := make(map[RecordID]*record, len(entries))

	for _, e := range entries {
		data, _ := p.Read(e.ID)

		raw2 := uint8(len(data))
		if e.NR == NRCounter123 {
			raw2 = e.Aux
		}

		if err := p.programRecordAt(newOffset, e.NR, raw2, data); err != nil {
			return err
		}

		newRecords[e.ID] = &record{id: e.ID, offset: newOffset, nr: e.NR, raw2: raw2, length: len(data)}
		newOffset += headerSize + roundUp2(len(data))
	}

	if err := p.dev.ProgramHalfword(dst, gen+1); err != nil {
		return err
	}

	if err := p.dev.ErasePage(src, p.pageSize); err != nil {
		return err
	}

	p.active = dstIdx
	p.lastP = newOffset
	p.records = newRecords

	return nil
}

func (p *Pool) programRecordAt(addr int, nr uint8, raw2 uint8, data []byte) error {
	return p.programRecord(addr, nr, raw2, data)
}

// Generation returns the active page's generation counter, for tests that
// assert the monotonicity invariant across GC cycles.
func (p *Pool) Generation() uint16 {
	return p.dev.ReadHalfword(p.pageBase[p.active])
}

// Free returns the number of bytes left before the next allocation in the
// active page would trigger GC.
func (p *Pool) Free() int {
	return p.pageBase[p.active] + p.pageSize - p.lastP
}
