package flash

// Counter123 implements the "123-counter": a 4-byte flash record whose
// content half-word takes exactly three programmable states without ever
// needing an erase, by exploiting the half-word program direction (bits
// only clear):
//
//	1 (fresh)  -> content left blank (0xffff, i.e. simply unwritten)
//	2          -> content programmed to 0xc3c3
//	3 (locked) -> content programmed to 0x0000
//
// Grounded exactly on flash_cnt123_{get_value,increment,clear} in
// flash.c. Used by the ac package for the PW1/RC/PW3
// failed-verification counters.
type Counter123 struct {
	pool    *Pool
	which   uint8
	content int // absolute device address of the content half-word, 0 if unallocated
}

// NewCounter123 returns a handle bound to a specific counter role
// ("which" distinguishes PW1 from RC from PW3 within the same NR tag).
// The caller is responsible for recovering `content` from Records() after
// Open, if the counter was already allocated in a prior session — see
// Attach.
func (p *Pool) NewCounter123(which uint8) *Counter123 {
	return &Counter123{pool: p, which: which}
}

// Attach binds an already-allocated 123-counter record recovered from a
// prior Records() scan (NR == NRCounter123, Length == 2, tag byte 1 ==
// which). Callers doing index rebuild on boot use this instead of
// starting a fresh counter at value 0.
func (c *Counter123) Attach(id RecordID) {
	r, ok := c.pool.records[id]
	if !ok {
		return
	}
	c.content = r.offset + headerSize
}

// Value returns the current state: 0 (never failed, no record), 1, 2, or
// 3 (locked).
func (c *Counter123) Value() int {
	if c.content == 0 {
		return 0
	}

	lo := c.pool.dev.ReadHalfword(c.content)
	switch lo {
	case 0xffff:
		return 1
	case 0x0000:
		return 3
	default:
		return 2
	}
}

// Increment advances the counter by one failed attempt: allocates the
// record on first use (leaving its content blank, i.e. state 1) and
// otherwise clears bits in place to move 1->2->3. Once locked (3), further
// calls are a no-op, matching the original's "if (v == 0) return;" — a
// counter read back as raw-zero (0x0000 is the record header's sentinel
// too) is treated as already fully consumed.
func (c *Counter123) Increment() error {
	if c.content == 0 {
		addr, err := c.pool.allocateHeader(NRCounter123, c.which)
		if err != nil {
			return err
		}
		c.content = addr
		return nil
	}

	v := c.pool.dev.ReadHalfword(c.content)
	switch v {
	case 0xffff:
		return c.pool.dev.ProgramHalfword(c.content, 0xc3c3)
	case 0x0000:
		return nil
	default:
		return c.pool.dev.ProgramHalfword(c.content, 0x0000)
	}
}

// Reset releases the counter record entirely (zeroing content then
// header), so the next Increment starts over at state 1.
func (c *Counter123) Reset() error {
	if c.content == 0 {
		return nil
	}

	if err := c.pool.dev.ProgramHalfword(c.content, 0); err != nil {
		return err
	}

	header := c.content - headerSize
	if err := c.pool.dev.ProgramHalfword(header, 0); err != nil {
		return err
	}

	for id, r := range c.pool.records {
		if r.offset == header {
			delete(c.pool.records, id)
		}
	}

	c.content = 0
	return nil
}

// allocateHeader bump-allocates a bare 4-byte counter slot and programs
// only its header half-word, leaving the content half-word physically
// blank (0xffff). It is distinct from Write because Write always programs
// its content too; here the blank content is the intended initial state.
func (p *Pool) allocateHeader(nr uint8, which uint8) (contentAddr int, err error) {
	const size = headerSize + 2

	if err := p.ensureSpace(size); err != nil {
		return 0, err
	}

	addr := p.lastP
	hw := uint16(nr) | uint16(which)<<8
	if err := p.dev.ProgramHalfword(addr, hw); err != nil {
		return 0, err
	}

	p.lastP += size
	p.nextID++
	p.records[p.nextID] = &record{id: p.nextID, offset: addr, nr: nr, raw2: which, length: 2}

	return addr + headerSize, nil
}

// DSCounter is the digital-signature counter: a strictly monotonic
// 24-bit value, persisted across resets, reset to 0 only when a new
// signing key is imported or generated.
//
// The original firmware splits this value across a high/low nibble-group
// half-word pair (NR_COUNTER_DS / NR_COUNTER_DS_LSB) whose exact bit
// layout is undocumented beyond its magic constants; this implementation
// instead persists the counter's externally observable contract —
// monotonic, persisted, reset on new SIG key — via the ordinary
// tagged-record mechanism, without reverse-engineering that bit layout
// further.
type DSCounter struct {
	pool  *Pool
	id    RecordID
	value uint32
}

// NewDSCounter returns a DS counter, recovering its value from the pool's
// already-built record index if one was persisted in a prior session (the
// record's NR, NRCounterDS, sits below NRBoolBase/NRCounter123 in the
// reserved range, so it walks the ordinary tag/length scan in rebuild()
// like any other record). Callers always invoke this after flash.Open has
// populated the index, so no separate Rebuild step is needed here the way
// ac.PINs and dostore.Store need one.
func (p *Pool) NewDSCounter() *DSCounter {
	c := &DSCounter{pool: p}
	for _, r := range p.Records() {
		if r.NR == NRCounterDS {
			c.Attach(r.ID)
		}
	}
	return c
}

// Attach binds a previously written DS counter record recovered during
// index rebuild.
func (c *DSCounter) Attach(id RecordID) {
	data, ok := c.pool.Read(id)
	if !ok || len(data) != 3 {
		return
	}
	c.id = id
	c.value = uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
}

// Value returns the current counter value.
func (c *DSCounter) Value() uint32 {
	return c.value
}

// Increment persists value+1 as a fresh record and releases the previous
// one, preserving monotonicity across the release/GC lifecycle.
func (c *DSCounter) Increment() error {
	next := (c.value + 1) & 0x00ffffff
	data := []byte{byte(next >> 16), byte(next >> 8), byte(next)}

	id, err := c.pool.Write(NRCounterDS, data)
	if err != nil {
		return err
	}

	if c.id != 0 {
		c.pool.Release(c.id)
	}

	c.id = id
	c.value = next
	return nil
}

// Reset clears the counter back to 0, releasing any existing record (a
// new record is written lazily on the next Increment, mirroring
// gpg_reset_digital_signature_counter's "only act if nonzero").
func (c *DSCounter) Reset() error {
	if c.value == 0 {
		return nil
	}

	if c.id != 0 {
		c.pool.Release(c.id)
		c.id = 0
	}

	c.value = 0
	return nil
}

// Bool is a presence-only boolean object: a single half-word whose mere
// existence in the pool means true.
type Bool struct {
	pool *Pool
	nr   uint8
	id   RecordID
}

func (p *Pool) NewBool(nr uint8) *Bool {
	return &Bool{pool: p, nr: nr}
}

func (b *Bool) Attach(id RecordID) {
	b.id = id
}

func (b *Bool) Value() bool {
	return b.id != 0
}

func (b *Bool) Set() error {
	if b.id != 0 {
		return nil
	}

	id, err := b.pool.Write(b.nr, nil)
	if err != nil {
		return err
	}

	b.id = id
	return nil
}

func (b *Bool) Clear() error {
	if b.id == 0 {
		return nil
	}

	if err := b.pool.Release(b.id); err != nil {
		return err
	}

	b.id = 0
	return nil
}
