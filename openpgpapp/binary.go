package openpgpapp

import (
	"github.com/usbarmory/gnuk-token/ac"
	"github.com/usbarmory/gnuk-token/apdu"
	"github.com/usbarmory/gnuk-token/dostore"
	"github.com/usbarmory/gnuk-token/flash"
	"github.com/usbarmory/gnuk-token/internal/sw"
)

// Binary EF addressing: P1's top bit selects short-EF form, with the
// file identifier in P1's low five bits and the offset in P2; otherwise
// the file is the one SELECT FILE left selected and (P1,P2) is a 16-bit
// offset. Grounded on cmd_read_binary / modify_binary in openpgp.c.

// resolveEF decodes the addressed file and offset, updating the current
// selection when short-EF form is used (short-EF access doubles as a
// select, exactly as the original reassigns file_selection).
func (c *Card) resolveEF(p1, p2 byte) (file flash.BinaryFile, offset int, ok bool) {
	if p1&0x80 != 0 {
		file = flash.BinaryFile(p1 & 0x1f)
		if file > flash.FileCardholderCert {
			return 0, 0, false
		}
		c.selected = file
		c.hasEF = true
		return file, int(p2), true
	}

	if !c.hasEF {
		return 0, 0, false
	}
	return c.selected, int(p1)<<8 | int(p2), true
}

// readBinary serves READ BINARY over the three kinds of binary EF: the
// serial-number file (returned as the AID under tag 5A), a
// firmware-update key's raw content, or a chunk of the cardholder
// certificate region.
func (c *Card) readBinary(cmd *apdu.Command) ([]byte, sw.Word) {
	file, offset, ok := c.resolveEF(cmd.P1, cmd.P2)
	if !ok {
		return nil, sw.FileNotFound
	}

	switch {
	case file == flash.FileSerialNo:
		if offset != 0 {
			return nil, sw.WrongParametersP1P2
		}
		aid, ok := c.store.ReadRaw(dostore.TagAID)
		if !ok {
			return nil, sw.RecordNotFound
		}
		// The AID serialized under tag 5A (serial number), the
		// original's trick of reusing GET DATA(4F)'s output with the
		// tag byte overwritten.
		out := append([]byte{0x5a, byte(len(aid))}, aid...)
		return out, sw.Success

	case file >= flash.FileUpdateKey0 && file <= flash.FileUpdateKey3:
		if c.bin == nil {
			return nil, sw.FileNotFound
		}
		if offset != 0 {
			return nil, sw.MemoryFailure
		}
		data, err := c.bin.Read(file, 0, flash.UpdateKeySize)
		if err != nil {
			return nil, sw.MemoryFailure
		}
		return data, sw.Success

	default: // flash.FileCardholderCert
		if c.bin == nil {
			return nil, sw.FileNotFound
		}
		if offset >= flash.CertificateSize {
			return nil, sw.MemoryFailure
		}
		n := 256
		if offset+n > flash.CertificateSize {
			n = flash.CertificateSize - offset
		}
		data, err := c.bin.Read(file, offset, n)
		if err != nil {
			return nil, sw.MemoryFailure
		}
		return data, sw.Success
	}
}

func (c *Card) writeBinary(cmd *apdu.Command) ([]byte, sw.Word) {
	return c.modifyBinary(cmd, false)
}

func (c *Card) updateBinary(cmd *apdu.Command) ([]byte, sw.Word) {
	return c.modifyBinary(cmd, true)
}

// modifyBinary is WRITE BINARY and UPDATE BINARY's shared body: both are
// admin-only; UPDATE additionally erases the target region first and is
// valid only for the certificate EF, the one region sized to need
// rewriting in place.
func (c *Card) modifyBinary(cmd *apdu.Command, update bool) ([]byte, sw.Word) {
	if !c.status.Check(ac.Cond(ac.FlagAdmin)) {
		return nil, sw.SecurityFailure
	}
	if c.bin == nil {
		return nil, sw.FileNotFound
	}

	shortEF := cmd.P1&0x80 != 0
	file, offset, ok := c.resolveEF(cmd.P1, cmd.P2)
	if !ok {
		return nil, sw.FileNotFound
	}

	if update && file != flash.FileCardholderCert {
		return nil, sw.ConditionNotSatisfied
	}

	if update && shortEF {
		if err := c.bin.EraseCertificate(); err != nil {
			return nil, sw.MemoryFailure
		}
	}

	data := cmd.Data
	if file == flash.FileCardholderCert && len(data)%2 == 1 {
		// The size of the last certificate chunk may be odd; pad it
		// out to the half-word programming granularity.
		data = append(append([]byte{}, data...), 0xff)
	}

	if err := c.bin.Write(file, offset, data); err != nil {
		return nil, sw.MemoryFailure
	}

	return nil, sw.Success
}
