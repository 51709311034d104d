// Package dostore implements the OpenPGP card's GET DATA / PUT DATA object
// store: a closed table mapping 16-bit tags to descriptors backed by
// flash-resident variable records, fixed ROM constants, computed
// composites, or read/write callbacks.
//
// Grounded on openpgp-do.c's do_table and
// gpg_do_{get,put}_data, translated from an array of function-pointer
// structs to a Go map of Kind-tagged descriptors.
package dostore

import (
	"errors"

	"github.com/usbarmory/gnuk-token/ac"
	"github.com/usbarmory/gnuk-token/flash"
	"github.com/usbarmory/gnuk-token/internal/donr"
	"github.com/usbarmory/gnuk-token/internal/sw"
)

// Kind discriminates a descriptor's backing storage, replacing the
// do_table_entry function-pointer union.
type Kind int

const (
	// Fixed is a constant, ROM-resident value (e.g. the AID).
	Fixed Kind = iota
	// Var is a flash-resident record of variable length, 0..255 bytes.
	Var
	// CompositeRead concatenates a fixed list of child tags, each
	// wrapped in its own tag/length header, and is never writable.
	CompositeRead
	// ProcRead computes its value from other state on every read.
	ProcRead
	// ProcReadWrite computes its value and accepts writes via a
	// callback (e.g. PW Status Bytes).
	ProcReadWrite
	// ProcWrite accepts writes only (e.g. the Resetting Code at 00D3); GET DATA
	// on it always fails access control.
	ProcWrite
)

// ReadFunc computes a descriptor's value on demand.
type ReadFunc func(s *Store) ([]byte, error)

// WriteFunc handles a PUT DATA to a ProcReadWrite/ProcWrite descriptor.
type WriteFunc func(s *Store, data []byte) error

// Descriptor is one entry of the closed tag table.
type Descriptor struct {
	Tag     uint16
	Kind    Kind
	ACRead  ac.Cond
	ACWrite ac.Cond

	Fixed    []byte   // Kind == Fixed
	NR       uint8    // Kind == Var: donr tag backing the flash record
	MaxLen   int      // Kind == Var: 0 means flash.Pool's 255-byte ceiling
	Children []uint16 // Kind == CompositeRead: child tags, read in order

	Read  ReadFunc  // Kind == ProcRead | ProcReadWrite
	Write WriteFunc // Kind == ProcReadWrite | ProcWrite
}

var (
	errNotFound = errors.New("dostore: tag not in table")
	errDenied   = errors.New("dostore: access condition not satisfied")
)

// Store owns the live DO table, the flash pool backing Var descriptors,
// and the card's AC status used to evaluate ACRead/ACWrite.
type Store struct {
	pool   *flash.Pool
	status *ac.Status
	table  map[uint16]*Descriptor
	live   map[uint16]flash.RecordID // Var descriptors' current record, if any

	pins *ac.PINs           // backs PW Status Bytes' remaining-retries fields
	ds   *flash.DSCounter   // backs the Security Support Template's DS counter
	bin  *flash.BinaryStore // backs the AID's serial field, if provisioned

	// randSalt supplies fresh salt words for PIN records provisioned
	// internally (PUT DATA 00D3's Resetting Code). Set via SetRandomSource.
	randSalt func() uint32

	pw1Lifetime      byte
	pw1LifetimeID    flash.RecordID
	hasPW1LifetimeID bool
}

// SetPINs attaches the PIN store used to compute PW Status Bytes'
// remaining-retries fields. Must be called before any GetData/PutData
// touching tag 00C4 or 00D3.
func (s *Store) SetPINs(p *ac.PINs) { s.pins = p }

// SetDSCounter attaches the digital-signature counter backing tag 0093.
func (s *Store) SetDSCounter(c *flash.DSCounter) { s.ds = c }

// SetBinaryStore attaches the binary-EF store whose serial-number file
// is spliced into the AID. Optional: without it the AID's serial field
// reads as the template's zeros.
func (s *Store) SetBinaryStore(b *flash.BinaryStore) { s.bin = b }

// SetRandomSource attaches a 32-bit salt generator (rng.Source.GetSalt)
// used when PUT DATA 00D3 provisions a fresh Resetting Code.
func (s *Store) SetRandomSource(f func() uint32) { s.randSalt = f }

// pw1LifetimeValue and setPW1Lifetime back the single writable byte of
// PW Status Bytes directly via the pool, bypassing the Descriptor table
// since this byte has no externally visible tag of its own.
func (s *Store) pw1LifetimeValue() byte { return s.pw1Lifetime }

func (s *Store) setPW1Lifetime(v byte) error {
	if s.hasPW1LifetimeID {
		s.pool.Release(s.pw1LifetimeID)
	}
	id, err := s.pool.Write(donr.PW1Lifetime, []byte{v})
	if err != nil {
		return err
	}
	s.pw1LifetimeID = id
	s.hasPW1LifetimeID = true
	s.pw1Lifetime = v
	return nil
}

// New builds a Store over the required tag table (see table.go).
func New(pool *flash.Pool, status *ac.Status) *Store {
	s := &Store{
		pool:   pool,
		status: status,
		table:  make(map[uint16]*Descriptor),
		live:   make(map[uint16]flash.RecordID),
	}
	for _, d := range requiredTags(s) {
		s.table[d.Tag] = d
	}
	return s
}

// Rebuild recovers Var descriptors' live record IDs from a freshly
// opened pool's index.
func (s *Store) Rebuild() {
	byNR := make(map[uint8]uint16, len(s.table))
	for tag, d := range s.table {
		if d.Kind == Var {
			byNR[d.NR] = tag
		}
	}

	for _, rec := range s.pool.Records() {
		if tag, ok := byNR[rec.NR]; ok {
			s.live[tag] = rec.ID
		}
		if rec.NR == donr.PW1Lifetime {
			if data, ok := s.pool.Read(rec.ID); ok && len(data) == 1 {
				s.pw1Lifetime = data[0]
				s.pw1LifetimeID = rec.ID
				s.hasPW1LifetimeID = true
			}
		}
	}
}

// GetData implements GET DATA(tag). nested distinguishes a top-level APDU
// response (false: outer tag/length omitted — the caller's own response
// wrapping) from a nested composite read (true: wrapped in its own
// tag/length).
func (s *Store) GetData(tag uint16, nested bool) ([]byte, sw.Word) {
	d, ok := s.table[tag]
	if !ok {
		return nil, sw.RecordNotFound
	}

	if d.Kind == ProcWrite {
		return nil, sw.SecurityFailure
	}

	if !s.status.Check(d.ACRead) {
		return nil, sw.SecurityFailure
	}

	value, err := s.read(d)
	if err != nil {
		return nil, sw.RecordNotFound
	}

	if nested {
		return wrap(tag, value), sw.Success
	}
	return value, sw.Success
}

func (s *Store) read(d *Descriptor) ([]byte, error) {
	switch d.Kind {
	case Fixed:
		return d.Fixed, nil

	case Var:
		id, ok := s.live[d.Tag]
		if !ok {
			return nil, nil
		}
		data, ok := s.pool.Read(id)
		if !ok {
			return nil, errNotFound
		}
		return data, nil

	case CompositeRead:
		var out []byte
		for _, child := range d.Children {
			v, swv := s.GetData(child, true)
			if swv != sw.Success {
				continue
			}
			out = append(out, v...)
		}
		return out, nil

	case ProcRead, ProcReadWrite:
		return d.Read(s)

	default:
		return nil, errNotFound
	}
}

// PutData implements PUT DATA(tag, data).
func (s *Store) PutData(tag uint16, data []byte) sw.Word {
	d, ok := s.table[tag]
	if !ok {
		return sw.RecordNotFound
	}

	if !s.status.Check(d.ACWrite) {
		return sw.SecurityFailure
	}

	switch d.Kind {
	case Var:
		if d.MaxLen > 0 && len(data) > d.MaxLen {
			return sw.WrongLength
		}
		if err := s.writeVar(d, data); err != nil {
			return sw.MemoryFailure
		}
		return sw.Success

	case ProcReadWrite, ProcWrite:
		if err := d.Write(s, data); err != nil {
			return sw.ConditionNotSatisfied
		}
		return sw.Success

	default:
		return sw.SecurityFailure
	}
}

// writeVar releases any previous record for this tag and, if data is
// non-empty, writes a fresh one — an empty PUT DATA deletes the DO.
func (s *Store) writeVar(d *Descriptor, data []byte) error {
	if id, ok := s.live[d.Tag]; ok {
		s.pool.Release(id)
		delete(s.live, d.Tag)
	}

	if len(data) == 0 {
		return nil
	}

	id, err := s.pool.Write(d.NR, data)
	if err != nil {
		return err
	}
	s.live[d.Tag] = id
	return nil
}

// SetVar is the internal equivalent of PutData for descriptors openpgpapp
// needs to populate outside of a host-issued PUT DATA (e.g. fingerprints
// and key generation timestamps written as a side effect of key import).
func (s *Store) SetVar(tag uint16, data []byte) error {
	d, ok := s.table[tag]
	if !ok || d.Kind != Var {
		return errNotFound
	}
	return s.writeVar(d, data)
}

// ReadRaw exposes a descriptor's current value without access-control
// enforcement, for internal callers (e.g. PSO needing Algorithm
// Attributes to validate the DigestInfo length table).
func (s *Store) ReadRaw(tag uint16) ([]byte, bool) {
	d, ok := s.table[tag]
	if !ok {
		return nil, false
	}
	v, err := s.read(d)
	return v, err == nil
}
