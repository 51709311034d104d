package dostore

import (
	"encoding/binary"
	"errors"

	"github.com/usbarmory/gnuk-token/ac"
	"github.com/usbarmory/gnuk-token/internal/donr"
)

// Tag values from the OpenPGP card application specification's required
// data objects.
const (
	TagAID                   = 0x004f
	TagName                  = 0x005b
	TagLoginData             = 0x005e
	TagCardholderRelatedData = 0x0065
	TagApplicationData       = 0x006e
	TagDiscretionaryData     = 0x0073
	TagSecuritySupport       = 0x007a
	TagDSCounter             = 0x0093
	TagExtendedCapabilities  = 0x00c0
	TagAlgAttrSig            = 0x00c1
	TagAlgAttrDec            = 0x00c2
	TagAlgAttrAut            = 0x00c3
	TagPWStatus              = 0x00c4
	TagFingerprintAll        = 0x00c5
	TagCAFingerprintAll      = 0x00c6
	TagFingerprintSig        = 0x00c7
	TagFingerprintDec        = 0x00c8
	TagFingerprintAut        = 0x00c9
	TagCAFingerprint1        = 0x00ca
	TagCAFingerprint2        = 0x00cb
	TagCAFingerprint3        = 0x00cc
	TagKeygenTimeAll         = 0x00cd
	TagKeygenTimeSig         = 0x00ce
	TagKeygenTimeDec         = 0x00cf
	TagKeygenTimeAut         = 0x00d0
	TagResettingCode         = 0x00d3
	TagLanguage              = 0x5f2d
	TagSex                   = 0x5f35
	TagURL                   = 0x5f50
	TagHistoricalBytes       = 0x5f52
	TagCardholderCert        = 0x7f21
	// TagKeyImport is PUT DATA's 3FFF extended-header-list target for
	// GENERATE ASYMMETRIC KEY PAIR-style key import; it lives outside
	// the 2-byte BER tag convention used elsewhere in this table
	// (3FFF already fits in uint16, so no special-casing is needed).
	TagKeyImport = 0x3fff
)

// openpgpAID is the fixed 16-byte Application Identifier: RID (D27600012401),
// version 0200, a zero manufacturer/serial (assigned at provisioning time
// in a real deployment), and RFU trailer.
var openpgpAID = []byte{
	0xd2, 0x76, 0x00, 0x01, 0x24, 0x01,
	0x02, 0x00,
	0x00, 0x00, 0x00, 0x00,
	0x00, 0x00,
	0x00, 0x00,
}

// historicalBytes are the ATR's historical bytes: category indicator
// 0x00, DF full-name tag 3180, card capabilities 7380 0180, status info
// 009000.
var historicalBytes = []byte{
	0x00,
	0x31, 0x80,
	0x73, 0x80, 0x01, 0x80,
	0x00, 0x90, 0x00,
}

// extendedCapabilities advertises: a 0x70 flags byte (no secure
// messaging; GET CHALLENGE, key import and PW Status changes supported),
// no SM algorithm, and 255 (0x00ff) for each of the three two-byte
// maxima below.
var extendedCapabilities = []byte{
	0x70, // flags: secure messaging none, GET CHALLENGE supported, key import supported, PW status changeable
	0x00, // SM algorithm: none
	0x00, 0xff, // max GET CHALLENGE length
	0x00, 0xff, // max CHV/PIN length
	0x00, 0xff, // max response length
}

var errNoPINs = errors.New("dostore: PW Status Bytes read before SetPINs")

func requiredTags(s *Store) []*Descriptor {
	d := []*Descriptor{
		{Tag: TagAID, Kind: ProcRead, ACRead: ac.Always, ACWrite: ac.Never, Read: readAID},
		{Tag: TagHistoricalBytes, Kind: Fixed, ACRead: ac.Always, ACWrite: ac.Never, Fixed: historicalBytes},
		{Tag: TagExtendedCapabilities, Kind: Fixed, ACRead: ac.Always, ACWrite: ac.Never, Fixed: extendedCapabilities},

		{Tag: TagName, Kind: Var, NR: donr.Name, MaxLen: 39, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},
		{Tag: TagLoginData, Kind: Var, NR: donr.LoginData, MaxLen: 254, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},
		{Tag: TagLanguage, Kind: Var, NR: donr.Lang, MaxLen: 8, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},
		{Tag: TagSex, Kind: Var, NR: donr.Sex, MaxLen: 1, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},
		{Tag: TagURL, Kind: Var, NR: donr.URL, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},
		{Tag: TagCardholderCert, Kind: Var, NR: donr.CardholderCert, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},

		{Tag: TagAlgAttrSig, Kind: Var, NR: donr.AlgAttrSig, MaxLen: 6, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},
		{Tag: TagAlgAttrDec, Kind: Var, NR: donr.AlgAttrDec, MaxLen: 6, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},
		{Tag: TagAlgAttrAut, Kind: Var, NR: donr.AlgAttrAut, MaxLen: 6, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},

		{Tag: TagFingerprintSig, Kind: Var, NR: donr.FingerprintSig, MaxLen: 20, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},
		{Tag: TagFingerprintDec, Kind: Var, NR: donr.FingerprintDec, MaxLen: 20, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},
		{Tag: TagFingerprintAut, Kind: Var, NR: donr.FingerprintAut, MaxLen: 20, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},
		{Tag: TagCAFingerprint1, Kind: Var, NR: donr.CAFingerprint1, MaxLen: 20, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},
		{Tag: TagCAFingerprint2, Kind: Var, NR: donr.CAFingerprint2, MaxLen: 20, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},
		{Tag: TagCAFingerprint3, Kind: Var, NR: donr.CAFingerprint3, MaxLen: 20, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},

		{Tag: TagFingerprintAll, Kind: CompositeRead, ACRead: ac.Always, ACWrite: ac.Never,
			Children: []uint16{TagFingerprintSig, TagFingerprintDec, TagFingerprintAut}},
		{Tag: TagCAFingerprintAll, Kind: CompositeRead, ACRead: ac.Always, ACWrite: ac.Never,
			Children: []uint16{TagCAFingerprint1, TagCAFingerprint2, TagCAFingerprint3}},

		{Tag: TagKeygenTimeSig, Kind: Var, NR: donr.KeygenSig, MaxLen: 4, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},
		{Tag: TagKeygenTimeDec, Kind: Var, NR: donr.KeygenDec, MaxLen: 4, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},
		{Tag: TagKeygenTimeAut, Kind: Var, NR: donr.KeygenAut, MaxLen: 4, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin)},
		{Tag: TagKeygenTimeAll, Kind: CompositeRead, ACRead: ac.Always, ACWrite: ac.Never,
			Children: []uint16{TagKeygenTimeSig, TagKeygenTimeDec, TagKeygenTimeAut}},

		{Tag: TagPWStatus, Kind: ProcReadWrite, ACRead: ac.Always, ACWrite: ac.Cond(acAdmin),
			Read: readPWStatus, Write: writePWStatus},

		{Tag: TagResettingCode, Kind: ProcWrite, ACWrite: ac.Cond(acAdmin), Write: writeResettingCode},

		{Tag: TagDSCounter, Kind: ProcRead, ACRead: ac.Always, Read: readDSCounter},

		{Tag: TagSecuritySupport, Kind: CompositeRead, ACRead: ac.Always, ACWrite: ac.Never,
			Children: []uint16{TagDSCounter}},

		{Tag: TagDiscretionaryData, Kind: CompositeRead, ACRead: ac.Always, ACWrite: ac.Never,
			Children: []uint16{
				TagExtendedCapabilities, TagAlgAttrSig, TagAlgAttrDec, TagAlgAttrAut,
				TagPWStatus, TagFingerprintAll, TagCAFingerprintAll, TagKeygenTimeAll,
			}},

		{Tag: TagCardholderRelatedData, Kind: CompositeRead, ACRead: ac.Always, ACWrite: ac.Never,
			Children: []uint16{TagName, TagLanguage, TagSex}},

		{Tag: TagApplicationData, Kind: CompositeRead, ACRead: ac.Always, ACWrite: ac.Never,
			Children: []uint16{TagAID, TagHistoricalBytes, TagDiscretionaryData}},
	}

	return d
}

// acAdmin is a convenience constant equal to ac.FlagAdmin, spelled out so
// this file doesn't need to import ac.Flag directly in every literal.
const acAdmin = ac.FlagAdmin

// readAID splices the WRITE BINARY-provisioned serial field (the 6
// manufacturer+serial bytes at offset 8) into the fixed AID template,
// exactly where flash_write_binary's FILEID_SERIAL_NO path programs
// &openpgpcard_aid[8].
func readAID(s *Store) ([]byte, error) {
	aid := append([]byte{}, openpgpAID...)
	if s.bin != nil {
		if serial, ok := s.bin.Serial(); ok {
			copy(aid[8:8+len(serial)], serial)
		}
	}
	return aid, nil
}

func readPWStatus(s *Store) ([]byte, error) {
	if s.pins == nil {
		return nil, errNoPINs
	}

	return []byte{
		s.pw1LifetimeValue(),
		byte(ac.MaxLenPIN),
		byte(ac.MaxLenPIN),
		byte(ac.MaxLenPIN),
		byte(s.pins.Remaining(ac.RolePW1)),
		byte(s.pins.Remaining(ac.RoleRC)),
		byte(s.pins.Remaining(ac.RolePW3)),
	}, nil
}

func writePWStatus(s *Store, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	// Only the first byte (pw1_lifetime) is writable; the rest of any
	// longer write is silently ignored, matching openpgp-do.c's
	// single-byte-copy behavior.
	return s.setPW1Lifetime(data[0])
}

func readDSCounter(s *Store) ([]byte, error) {
	if s.ds == nil {
		return []byte{0, 0, 0}, nil
	}
	v := s.ds.Value()
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}, nil
}

func writeResettingCode(s *Store, data []byte) error {
	if s.pins == nil {
		return errNoPINs
	}
	if len(data) == 0 {
		return s.pins.Clear(ac.RoleRC)
	}

	var salt [ac.SaltSize]byte
	if s.randSalt != nil {
		binary.BigEndian.PutUint32(salt[:4], s.randSalt())
		binary.BigEndian.PutUint32(salt[4:], s.randSalt())
	}
	return s.pins.Set(ac.RoleRC, salt, data)
}
