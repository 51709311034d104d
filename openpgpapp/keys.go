package openpgpapp

import (
	stdecdh "crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"math/big"

	btcec "github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/curve25519"

	"github.com/usbarmory/gnuk-token/ac"
	"github.com/usbarmory/gnuk-token/cryptoprov"
	"github.com/usbarmory/gnuk-token/dostore"
	"github.com/usbarmory/gnuk-token/flash"
	"github.com/usbarmory/gnuk-token/internal/donr"
)

// Role aliases flash.KeyRole so callers outside flash don't need to
// import it directly for the common case.
type Role = flash.KeyRole

const (
	RoleSigning        = flash.RoleSigning
	RoleDecryption     = flash.RoleDecryption
	RoleAuthentication = flash.RoleAuthentication
)

// algID selects a key's cryptographic algorithm. Real OpenPGP card
// algorithm-attribute DOs (C1/C2/C3) carry RFC 4880bis OID encodings;
// this card stores algID directly as the DO's first byte instead of
// parsing OIDs, since the big-integer/EC parameter machinery that would
// make OID round-tripping meaningful adds nothing a host actually needs
// from this implementation.
type algID byte

const (
	algRSA2048 algID = iota + 1
	algECDSAP256
	algECDSAK1
	algECDHP256
	algECDH25519
	algEdDSA25519
)

func roleNR(role Role) uint8 {
	switch role {
	case RoleSigning:
		return donr.PrvkeySig
	case RoleDecryption:
		return donr.PrvkeyDec
	default:
		return donr.PrvkeyAut
	}
}

// keyRecord is the encrypted key blob: a pointer to the key slot, the
// AES-CFB IV, and three DEK blobs wrapped under {PW1, RC, PW3}. Stored
// directly in the shared flash.Pool under the role's
// donr.Prvkey* tag — not a dostore.Descriptor, since host access to it is
// mediated entirely by PSO/INTERNAL AUTHENTICATE/GENERATE KEY PAIR
// handlers rather than generic GET/PUT DATA.
type keyRecord struct {
	alg       algID
	slotAddr  uint32
	iv        [cryptoprov.IVSize]byte
	dekPW1    [cryptoprov.DEKSize]byte
	dekRC     [cryptoprov.DEKSize]byte
	dekPW3    [cryptoprov.DEKSize]byte
	hasRC     bool
	bodyLen   uint16 // unpadded plaintext body length, for OpenKeyBody
	sealedLen uint16 // on-flash ciphertext length (padded body + checksum)
	pubLen    uint16
}

const keyRecordSize = 1 + 4 + 16 + 16 + 16 + 16 + 1 + 2 + 2 + 2

func (k keyRecord) marshal() []byte {
	b := make([]byte, keyRecordSize)
	i := 0
	b[i] = byte(k.alg)
	i++
	binary.BigEndian.PutUint32(b[i:], k.slotAddr)
	i += 4
	copy(b[i:], k.iv[:])
	i += len(k.iv)
	copy(b[i:], k.dekPW1[:])
	i += len(k.dekPW1)
	copy(b[i:], k.dekRC[:])
	i += len(k.dekRC)
	copy(b[i:], k.dekPW3[:])
	i += len(k.dekPW3)
	if k.hasRC {
		b[i] = 1
	}
	i++
	binary.BigEndian.PutUint16(b[i:], k.bodyLen)
	i += 2
	binary.BigEndian.PutUint16(b[i:], k.sealedLen)
	i += 2
	binary.BigEndian.PutUint16(b[i:], k.pubLen)
	return b
}

func unmarshalKeyRecord(b []byte) (keyRecord, error) {
	if len(b) != keyRecordSize {
		return keyRecord{}, errors.New("openpgpapp: malformed key record")
	}
	var k keyRecord
	i := 0
	k.alg = algID(b[i])
	i++
	k.slotAddr = binary.BigEndian.Uint32(b[i:])
	i += 4
	copy(k.iv[:], b[i:])
	i += len(k.iv)
	copy(k.dekPW1[:], b[i:])
	i += len(k.dekPW1)
	copy(k.dekRC[:], b[i:])
	i += len(k.dekRC)
	copy(k.dekPW3[:], b[i:])
	i += len(k.dekPW3)
	k.hasRC = b[i] != 0
	i++
	k.bodyLen = binary.BigEndian.Uint16(b[i:])
	i += 2
	k.sealedLen = binary.BigEndian.Uint16(b[i:])
	i += 2
	k.pubLen = binary.BigEndian.Uint16(b[i:])
	return k, nil
}

// keySlot bundles one role's live key-record bookkeeping.
type keySlot struct {
	id      flash.RecordID
	present bool
	rec     keyRecord
	pub     []byte // cached public component, read from the key store
}

// loadKeySlots recovers every role's live key-record pointer from the
// pool's Records() index, the openpgpapp analogue of dostore.Rebuild /
// ac.PINs.Rebuild.
func (c *Card) loadKeySlots() {
	for _, r := range c.pool.Records() {
		var role Role
		switch r.NR {
		case donr.PrvkeySig:
			role = RoleSigning
		case donr.PrvkeyDec:
			role = RoleDecryption
		case donr.PrvkeyAut:
			role = RoleAuthentication
		default:
			continue
		}

		data, ok := c.pool.Read(r.ID)
		if !ok {
			continue
		}
		rec, err := unmarshalKeyRecord(data)
		if err != nil {
			continue
		}

		c.keys[role] = keySlot{
			id:      r.ID,
			present: true,
			rec:     rec,
			pub:     c.keyStore.Read(int(rec.slotAddr)+int(rec.sealedLen), int(rec.pubLen)),
		}
	}
}

// storeKey writes a freshly generated or imported key: seals body under a
// random DEK, wraps that DEK under every configured authorizer, writes
// the slot, releases any previous key for the role, and persists the new
// keyRecord. Import deletes any previous key for the role, allocates a
// new key slot, encrypts the body with a fresh random DEK, and wraps the
// DEK under each authorizer.
func (c *Card) storeKey(role Role, alg algID, body, pub []byte) error {
	var dek [cryptoprov.DEKSize]byte
	copy(dek[:], c.rng.FillKey(cryptoprov.DEKSize))

	var iv [cryptoprov.IVSize]byte
	copy(iv[:], c.rng.FillKey(cryptoprov.IVSize))

	sealed, err := cryptoprov.SealKeyBody(dek, iv, body)
	if err != nil {
		return err
	}

	addr, err := c.keyStore.Alloc(role)
	if err != nil {
		return err
	}
	if err := c.keyStore.Write(addr, sealed, pub); err != nil {
		return err
	}

	rec := keyRecord{
		alg:       alg,
		slotAddr:  uint32(addr),
		iv:        iv,
		bodyLen:   uint16(len(body)),
		sealedLen: uint16(len(sealed)),
		pubLen:    uint16(len(pub)),
	}

	if err := c.wrapDEKForRole(&rec, role, dek); err != nil {
		return err
	}

	id, err := c.pool.Write(roleNR(role), rec.marshal())
	if err != nil {
		return err
	}

	if old := c.keys[role]; old.present {
		c.pool.Release(old.id)
		c.keyStore.Release(role, int(old.rec.slotAddr))
	}

	c.keys[role] = keySlot{id: id, present: true, rec: rec, pub: pub}

	if role == RoleSigning {
		c.ds.Reset()
	}

	return nil
}

// wrapDEKForRole wraps dek under every role's current keystring digest
// (PW1, RC if configured, PW3), matching gpg_do_write_prvkey's
// encrypt_dek calls. Role-keystring candidates are only available while
// the corresponding PIN is verified in this session (the card never
// stores plaintext PINs), so wrapping happens against the digest cached
// at the most recent successful VERIFY — see sessionDigest.
func (c *Card) wrapDEKForRole(rec *keyRecord, role Role, dek [cryptoprov.DEKSize]byte) error {
	if d, ok := c.sessionDigest(ac.RolePW1); ok {
		w, err := cryptoprov.WrapDEK(d[:], dek)
		if err != nil {
			return err
		}
		rec.dekPW1 = w
	}
	if d, ok := c.sessionDigest(ac.RoleRC); ok {
		w, err := cryptoprov.WrapDEK(d[:], dek)
		if err != nil {
			return err
		}
		rec.dekRC = w
		rec.hasRC = true
	}
	if d, ok := c.sessionDigest(ac.RolePW3); ok {
		w, err := cryptoprov.WrapDEK(d[:], dek)
		if err != nil {
			return err
		}
		rec.dekPW3 = w
	}
	return nil
}

// openKeyBody unwraps and decrypts role's key body using the keystring
// associated with pinRole (the PIN the caller just re-authenticated
// against — PSO/INTERNAL AUTHENTICATE only ever need the DEK blob the
// currently satisfied AC flag corresponds to).
func (c *Card) openKeyBody(role Role, pinRole ac.Role) ([]byte, error) {
	slot := c.keys[role]
	if !slot.present {
		return nil, errNoKey
	}

	digest, ok := c.sessionDigest(pinRole)
	if !ok {
		return nil, errNoKey
	}

	var wrapped [cryptoprov.DEKSize]byte
	switch pinRole {
	case ac.RolePW1:
		wrapped = slot.rec.dekPW1
	case ac.RoleRC:
		wrapped = slot.rec.dekRC
	case ac.RolePW3:
		wrapped = slot.rec.dekPW3
	}

	dek, err := cryptoprov.UnwrapDEK(digest[:], wrapped)
	if err != nil {
		return nil, err
	}

	sealed := c.keyStore.Read(int(slot.rec.slotAddr), int(slot.rec.sealedLen))
	return cryptoprov.OpenKeyBody(dek, slot.rec.iv, sealed, int(slot.rec.bodyLen))
}

var errNoKey = errors.New("openpgpapp: no key configured for this role")

// rsaPrivateKey reconstructs an *rsa.PrivateKey from a role's decrypted
// body, which this card always stores as E(4, big-endian)||P||Q.
func rsaPrivateKeyFromBody(body []byte) (*rsa.PrivateKey, error) {
	if len(body) < 4 {
		return nil, errors.New("openpgpapp: RSA key body too short")
	}
	e := binary.BigEndian.Uint32(body[:4])
	rest := body[4:]
	half := len(rest) / 2
	return cryptoprov.RSAFromComponents(e, rest[:half], rest[half:])
}

// ecdsaPrivateKeyFromBody reconstructs a P-256 private key from a raw
// 32-byte scalar body.
func ecdsaPrivateKeyFromBody(body []byte) (*ecdsa.PrivateKey, error) {
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(body)
	x, y := curve.ScalarBaseMult(body)
	return &ecdsa.PrivateKey{PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y}, D: d}, nil
}

// btcecPrivateKeyFromBody reconstructs a secp256k1 private key.
func btcecPrivateKeyFromBody(body []byte) *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(body)
	return priv
}

// ed25519PrivFromBody reconstructs an Ed25519 private key from a role's
// decrypted body, which storeKey always persists as the full 64-byte
// expanded key (seed||public, per crypto/ed25519's convention).
func ed25519PrivFromBody(body []byte) ed25519.PrivateKey {
	return ed25519.PrivateKey(body)
}

var errUnsupportedAlg = errors.New("openpgpapp: unsupported key algorithm")

// pad4 left-pads a big-endian RSA public exponent out to 4 bytes, the
// fixed width both the key-import format and this card's pub-key blob
// format use.
func pad4(e []byte) []byte {
	out := make([]byte, 4)
	if len(e) > 4 {
		e = e[len(e)-4:]
	}
	copy(out[4-len(e):], e)
	return out
}

// rawComponentsForGenerate produces the private-key component list
// GENERATE ASYMMETRIC KEY PAIR's fresh-key path feeds into
// deriveKeyMaterial, in exactly the shape PUT DATA(3FFF) import would
// have supplied them in (E||P||Q for RSA, a single scalar otherwise) —
// one code path derives body/pub regardless of where the components came
// from.
func rawComponentsForGenerate(alg algID) ([][]byte, error) {
	switch alg {
	case algRSA2048:
		priv, err := cryptoprov.GenerateRSA()
		if err != nil {
			return nil, err
		}
		e := pad4(big.NewInt(int64(priv.PublicKey.E)).Bytes())
		byteLen := (cryptoprov.RSAKeySize/2 + 7) / 8
		p := priv.Primes[0].FillBytes(make([]byte, byteLen))
		q := priv.Primes[1].FillBytes(make([]byte, byteLen))
		return [][]byte{e, p, q}, nil

	case algECDSAP256:
		priv, err := cryptoprov.GenerateECDSAP256()
		if err != nil {
			return nil, err
		}
		return [][]byte{priv.D.FillBytes(make([]byte, curveSizeConst))}, nil

	case algECDSAK1:
		priv, err := cryptoprov.GenerateECDSAK1()
		if err != nil {
			return nil, err
		}
		return [][]byte{priv.Serialize()}, nil

	case algECDHP256:
		priv, err := cryptoprov.GenerateECDHP256()
		if err != nil {
			return nil, err
		}
		return [][]byte{priv.Bytes()}, nil

	case algECDH25519:
		priv, _, err := cryptoprov.GenerateECDH25519()
		if err != nil {
			return nil, err
		}
		return [][]byte{priv}, nil

	case algEdDSA25519:
		_, priv, err := cryptoprov.GenerateEdDSA25519()
		if err != nil {
			return nil, err
		}
		return [][]byte{[]byte(priv)}, nil

	default:
		return nil, errUnsupportedAlg
	}
}

// curveSizeConst mirrors cryptoprov's unexported curveSize (32 bytes):
// the P-256 family's scalar width, needed here to size a fresh D.
const curveSizeConst = 32

// deriveKeyMaterial normalizes a role's raw private-key components
// (freshly generated or imported via PUT DATA(3FFF)) into the (body,
// pub) pair storeKey persists: body is what gets sealed under the DEK,
// pub is cached in the key slot's trailer for GENERATE ASYMMETRIC KEY
// PAIR's read-public-key path and GET DATA's certificate-adjacent DOs.
func deriveKeyMaterial(alg algID, components [][]byte) (body, pub []byte, err error) {
	switch alg {
	case algRSA2048:
		if len(components) != 3 {
			return nil, nil, errUnsupportedAlg
		}
		e4 := pad4(components[0])
		priv, err := cryptoprov.RSAFromComponents(binary.BigEndian.Uint32(e4), components[1], components[2])
		if err != nil {
			return nil, nil, err
		}
		body = append(append([]byte{}, e4...), components[1]...)
		body = append(body, components[2]...)
		pub = append(append([]byte{}, e4...), priv.PublicKey.N.Bytes()...)
		return body, pub, nil

	case algECDSAP256:
		if len(components) != 1 {
			return nil, nil, errUnsupportedAlg
		}
		priv, err := ecdsaPrivateKeyFromBody(components[0])
		if err != nil {
			return nil, nil, err
		}
		pub = elliptic.Marshal(elliptic.P256(), priv.X, priv.Y)
		return components[0], pub, nil

	case algECDSAK1:
		if len(components) != 1 {
			return nil, nil, errUnsupportedAlg
		}
		priv := btcecPrivateKeyFromBody(components[0])
		return components[0], priv.PubKey().SerializeUncompressed(), nil

	case algECDHP256:
		if len(components) != 1 {
			return nil, nil, errUnsupportedAlg
		}
		priv, err := stdecdh.P256().NewPrivateKey(components[0])
		if err != nil {
			return nil, nil, err
		}
		return components[0], priv.PublicKey().Bytes(), nil

	case algECDH25519:
		if len(components) != 1 {
			return nil, nil, errUnsupportedAlg
		}
		pub, err := curve25519.X25519(components[0], curve25519.Basepoint)
		if err != nil {
			return nil, nil, err
		}
		return components[0], pub, nil

	case algEdDSA25519:
		if len(components) != 1 {
			return nil, nil, errUnsupportedAlg
		}
		var priv ed25519.PrivateKey
		switch len(components[0]) {
		case ed25519.PrivateKeySize:
			priv = ed25519.PrivateKey(components[0])
		case ed25519.SeedSize:
			priv = ed25519.NewKeyFromSeed(components[0])
		default:
			return nil, nil, errUnsupportedAlg
		}
		return []byte(priv), []byte(priv.Public().(ed25519.PublicKey)), nil

	default:
		return nil, nil, errUnsupportedAlg
	}
}

// algAttrTagForRole maps a key role to the dostore tag carrying its
// algorithm-attribute byte.
func algAttrTagForRole(role Role) uint16 {
	switch role {
	case RoleSigning:
		return dostore.TagAlgAttrSig
	case RoleDecryption:
		return dostore.TagAlgAttrDec
	default:
		return dostore.TagAlgAttrAut
	}
}

// generateAndStore is GENERATE ASYMMETRIC KEY PAIR's generate branch: it
// reads role's configured algorithm attribute, generates a fresh key
// pair for it, and persists it via storeKey, returning the public
// component for the 7F49 template.
func (c *Card) generateAndStore(role Role) ([]byte, error) {
	raw, ok := c.store.ReadRaw(algAttrTagForRole(role))
	alg := algForRole(raw, ok)

	comps, err := rawComponentsForGenerate(alg)
	if err != nil {
		return nil, err
	}

	body, pub, err := deriveKeyMaterial(alg, comps)
	if err != nil {
		return nil, err
	}

	if err := c.storeKey(role, alg, body, pub); err != nil {
		return nil, err
	}

	return pub, nil
}

// importKeyComponents is PUT DATA(3FFF)'s storage half: role's algorithm
// attribute must already be configured (via PUT DATA to C1/C2/C3) to
// know how to interpret the imported components.
func (c *Card) importKeyComponents(role Role, components [][]byte) error {
	raw, ok := c.store.ReadRaw(algAttrTagForRole(role))
	alg := algForRole(raw, ok)

	body, pub, err := deriveKeyMaterial(alg, components)
	if err != nil {
		return err
	}

	return c.storeKey(role, alg, body, pub)
}

// algForRole reads the one-byte algorithm selector this card stores
// verbatim in the role's algorithm-attribute DO (dostore.TagAlgAttr{Sig,
// Dec,Aut}), defaulting to RSA-2048 if the host never configured one —
// matching gnuk's factory-default algorithm attributes.
func algForRole(raw []byte, ok bool) algID {
	if !ok || len(raw) == 0 {
		return algRSA2048
	}
	return algID(raw[0])
}
