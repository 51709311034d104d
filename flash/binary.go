package flash

import "errors"

// BinaryFile identifies one of the raw binary EFs reachable through
// READ/WRITE/UPDATE BINARY's short-EF addressing. The numeric values are
// the short-EF file identifiers the host puts in P1's low bits.
type BinaryFile int

const (
	FileSerialNo BinaryFile = iota
	FileUpdateKey0
	FileUpdateKey1
	FileUpdateKey2
	FileUpdateKey3
	FileCardholderCert
	numBinaryFiles
)

// Binary EF sizes. The serial-number EF is the 6-byte
// manufacturer+serial field spliced into the AID; each firmware-update
// key EF holds one RSA-2048 modulus; the certificate EF is a dedicated
// 2 KiB region.
const (
	SerialNoSize    = 6
	UpdateKeySize   = 256
	CertificateSize = 2048
)

// Region offsets within the store's backing device, from base. The
// serial field is padded to half-word alignment; the four update keys
// share one erasable region so removing the last key can recover its
// write endurance.
const (
	serialOffset    = 0
	updateKeyOffset = 8
	certOffset      = updateKeyOffset + 4*UpdateKeySize

	// BinaryStoreSize is the total backing-device footprint.
	BinaryStoreSize = certOffset + CertificateSize
)

var (
	errNoSuchFile = errors.New("flash: no such binary file")
	errBadOffset  = errors.New("flash: binary write offset/length must be even and in bounds")
	errNotBlank   = errors.New("flash: binary target not blank")
)

// BinaryStore manages the raw binary EFs: the AID's serial-number
// field, four firmware-update public keys, and the cardholder
// certificate region. Grounded on flash_write_binary /
// flash_erase_binary in flash.c.
type BinaryStore struct {
	dev  Device
	base int
}

// OpenBinaryStore binds the store to its backing device. No boot-time
// scan is needed: every read derives validity from the region content
// itself (all-0xFF means unwritten).
func OpenBinaryStore(dev Device, base int) *BinaryStore {
	return &BinaryStore{dev: dev, base: base}
}

func (bs *BinaryStore) region(file BinaryFile) (addr, size int, err error) {
	switch {
	case file == FileSerialNo:
		return bs.base + serialOffset, SerialNoSize, nil
	case file >= FileUpdateKey0 && file <= FileUpdateKey3:
		return bs.base + updateKeyOffset + int(file-FileUpdateKey0)*UpdateKeySize, UpdateKeySize, nil
	case file == FileCardholderCert:
		return bs.base + certOffset, CertificateSize, nil
	default:
		return 0, 0, errNoSuchFile
	}
}

// Write programs len(data) bytes at offset within file. Offset and
// length must be even (half-word programming granularity) and the
// target range must still be blank: binary EFs are program-once, with
// the certificate region erasable as a whole via EraseCertificate.
//
// A zero-length write at offset 0 of an update-key file means removal:
// the key's first half-word is programmed to zero, and if all four keys
// are then removed the whole update-key region is erased, exactly as
// modify_binary's all-removed scan does.
func (bs *BinaryStore) Write(file BinaryFile, offset int, data []byte) error {
	addr, size, err := bs.region(file)
	if err != nil {
		return err
	}

	if file >= FileUpdateKey0 && file <= FileUpdateKey3 && len(data) == 0 && offset == 0 {
		return bs.removeUpdateKey(addr)
	}

	if offset+len(data) > size || offset%2 != 0 || len(data)%2 != 0 {
		return errBadOffset
	}

	if !bs.blank(addr+offset, len(data)) {
		return errNotBlank
	}

	for i := 0; i < len(data); i += 2 {
		hw := uint16(data[i]) | uint16(data[i+1])<<8
		if err := bs.dev.ProgramHalfword(addr+offset+i, hw); err != nil {
			return err
		}
	}

	return nil
}

func (bs *BinaryStore) removeUpdateKey(addr int) error {
	if err := bs.dev.ProgramHalfword(addr, 0); err != nil {
		return err
	}

	// Erase the region only once every key slot reads as removed; an
	// unwritten (0xFFFF) slot is left alone, it costs no endurance.
	for i := 0; i < 4; i++ {
		a := bs.base + updateKeyOffset + i*UpdateKeySize
		if bs.dev.ReadHalfword(a) != 0x0000 {
			return nil
		}
	}

	return bs.dev.ErasePage(bs.base+updateKeyOffset, 4*UpdateKeySize)
}

// Read returns up to n bytes of file starting at offset, truncated at
// the region boundary.
func (bs *BinaryStore) Read(file BinaryFile, offset, n int) ([]byte, error) {
	addr, size, err := bs.region(file)
	if err != nil {
		return nil, err
	}
	if offset >= size {
		return nil, errBadOffset
	}
	if offset+n > size {
		n = size - offset
	}
	return bs.dev.Bytes(addr+offset, n), nil
}

// Serial returns the 6-byte serial field, reporting ok only once it has
// been written.
func (bs *BinaryStore) Serial() ([]byte, bool) {
	addr, _, _ := bs.region(FileSerialNo)
	b := bs.dev.Bytes(addr, SerialNoSize)
	for _, v := range b {
		if v != 0xff {
			return b, true
		}
	}
	return nil, false
}

// UpdateKey returns update key i's 256-byte content. ok is false while
// the slot is unwritten (leading 0xFFFF) or removed (leading 0x0000).
func (bs *BinaryStore) UpdateKey(i int) ([]byte, bool) {
	if i < 0 || i > 3 {
		return nil, false
	}
	addr, _, _ := bs.region(FileUpdateKey0 + BinaryFile(i))
	hw := bs.dev.ReadHalfword(addr)
	if hw == 0xffff || hw == 0x0000 {
		return nil, false
	}
	return bs.dev.Bytes(addr, UpdateKeySize), true
}

// EraseCertificate blanks the certificate region, the erase-then-write
// half of UPDATE BINARY. A region that is already blank is left alone
// (flash_erase_binary's flash_check_blank guard, sparing an erase
// cycle).
func (bs *BinaryStore) EraseCertificate() error {
	addr, size, _ := bs.region(FileCardholderCert)
	if bs.blank(addr, size) {
		return nil
	}
	return bs.dev.ErasePage(addr, size)
}

func (bs *BinaryStore) blank(addr, n int) bool {
	for _, v := range bs.dev.Bytes(addr, n) {
		if v != 0xff {
			return false
		}
	}
	return true
}
