package openpgpapp

import (
	"crypto/rsa"
	"errors"
	"math/big"

	"github.com/usbarmory/gnuk-token/ac"
	"github.com/usbarmory/gnuk-token/apdu"
	"github.com/usbarmory/gnuk-token/cryptoprov"
	"github.com/usbarmory/gnuk-token/dostore"
	"github.com/usbarmory/gnuk-token/internal/sw"
)

// verifyRoleFromP2 maps VERIFY/CHANGE REFERENCE DATA's P2 byte to a PIN
// role: 81/82 both address PW1 (the keystring is shared; which AC flag a
// later PSO/DECIPHER call checks is what actually distinguishes
// PSO-CDS from OTHER), 83 addresses PW3.
func verifyRoleFromP2(p2 byte) (ac.Role, bool) {
	switch p2 {
	case 0x81, 0x82:
		return ac.RolePW1, true
	case 0x83:
		return ac.RolePW3, true
	default:
		return 0, false
	}
}

func (c *Card) verify(cmd *apdu.Command) ([]byte, sw.Word) {
	role, ok := verifyRoleFromP2(cmd.P2)
	if !ok {
		return nil, sw.IncorrectParameters
	}

	if c.pins.Locked(role) {
		return nil, sw.AuthenticationBlocked
	}

	if len(cmd.Data) == 0 {
		if _, cached := c.sessionPIN[role]; cached {
			return nil, sw.Success
		}
		return nil, sw.PINFailed(c.pins.Remaining(role))
	}

	ok, err := c.pins.Verify(c.status, role, cmd.Data)
	if err != nil {
		return nil, sw.ConditionNotSatisfied
	}
	if !ok {
		return nil, sw.PINFailed(c.pins.Remaining(role))
	}

	c.sessionPIN[role] = append([]byte{}, cmd.Data...)
	return nil, sw.Success
}

func (c *Card) changeReferenceData(cmd *apdu.Command) ([]byte, sw.Word) {
	role, ok := verifyRoleFromP2(cmd.P2)
	if !ok {
		return nil, sw.IncorrectParameters
	}

	if c.pins.Locked(role) {
		return nil, sw.AuthenticationBlocked
	}

	var salt [ac.SaltSize]byte
	copy(salt[:], c.rng.FillKey(ac.SaltSize))

	ok, err := c.pins.Change(role, cmd.Data, salt)
	if err != nil {
		return nil, sw.ConditionNotSatisfied
	}
	if !ok {
		return nil, sw.PINFailed(c.pins.Remaining(role))
	}

	delete(c.sessionPIN, role)
	return nil, sw.Success
}

// resetRetryCounter implements RESET RETRY COUNTER: P1=00 resets PW1
// using the Resetting Code (data = RC||newPW1); P1=02 resets PW1 using
// an already-authenticated PW3 session (data = newPW1 only).
func (c *Card) resetRetryCounter(cmd *apdu.Command) ([]byte, sw.Word) {
	var salt [ac.SaltSize]byte
	copy(salt[:], c.rng.FillKey(ac.SaltSize))

	switch cmd.P1 {
	case 0x00:
		ok, err := c.pins.ResetPW1(cmd.Data, salt)
		if err != nil {
			return nil, sw.ConditionNotSatisfied
		}
		if !ok {
			return nil, sw.SecurityFailure
		}
		delete(c.sessionPIN, ac.RolePW1)
		return nil, sw.Success

	case 0x02:
		if !c.status.Check(ac.Cond(ac.FlagAdmin)) {
			return nil, sw.SecurityFailure
		}
		if err := c.pins.Set(ac.RolePW1, salt, cmd.Data); err != nil {
			return nil, sw.MemoryFailure
		}
		delete(c.sessionPIN, ac.RolePW1)
		return nil, sw.Success

	default:
		return nil, sw.IncorrectParameters
	}
}

// digestInfoLengths are the RSA PSO:CDS/INTERNAL AUTHENTICATE DigestInfo
// lengths for MD5/SHA1/SHA224/SHA256/SHA384/SHA512.
var digestInfoLengths = map[int]bool{34: true, 35: true, 47: true, 51: true, 67: true, 83: true}

var errBadDigestLength = errors.New("openpgpapp: digest input length does not match any supported DigestInfo")

// validateDigestInput enforces the per-algorithm input-length rule for
// PSO:CDS and INTERNAL AUTHENTICATE.
func validateDigestInput(alg algID, input []byte) error {
	switch alg {
	case algRSA2048:
		if !digestInfoLengths[len(input)] {
			return errBadDigestLength
		}
	case algECDSAP256, algECDSAK1:
		if len(input) != curveSizeConst {
			return errBadDigestLength
		}
	case algEdDSA25519:
		if len(input) > 256 {
			return errBadDigestLength
		}
	default:
		return errBadDigestLength
	}
	return nil
}

// signWithRole loads role's private key body (authorized by pinRole's
// cached session digest) and signs input under its configured algorithm.
func (c *Card) signWithRole(role Role, pinRole ac.Role, input []byte) ([]byte, error) {
	slot := c.keys[role]
	if !slot.present {
		return nil, errNoKey
	}
	if err := validateDigestInput(slot.rec.alg, input); err != nil {
		return nil, err
	}

	body, err := c.openKeyBody(role, pinRole)
	if err != nil {
		return nil, err
	}

	switch slot.rec.alg {
	case algRSA2048:
		priv, err := rsaPrivateKeyFromBody(body)
		if err != nil {
			return nil, err
		}
		return cryptoprov.RSASign(priv, input)

	case algECDSAP256:
		priv, err := ecdsaPrivateKeyFromBody(body)
		if err != nil {
			return nil, err
		}
		return cryptoprov.ECDSASignP256(priv, input)

	case algECDSAK1:
		return cryptoprov.ECDSASignK1(btcecPrivateKeyFromBody(body), input)

	case algEdDSA25519:
		return cryptoprov.EdDSASign25519(ed25519PrivFromBody(body), input)

	default:
		return nil, errUnsupportedAlg
	}
}

var errBadCipherInput = errors.New("openpgpapp: DECIPHER input malformed for the configured algorithm")

func (c *Card) decipher(input []byte) ([]byte, error) {
	slot := c.keys[RoleDecryption]
	if !slot.present {
		return nil, errNoKey
	}

	body, err := c.openKeyBody(RoleDecryption, ac.RolePW1)
	if err != nil {
		return nil, err
	}

	switch slot.rec.alg {
	case algRSA2048:
		if len(input) < 1 || input[0] != 0x00 {
			return nil, errBadCipherInput
		}
		priv, err := rsaPrivateKeyFromBody(body)
		if err != nil {
			return nil, err
		}
		return cryptoprov.RSADecrypt(priv, input[1:])

	case algECDHP256:
		if len(input) != 65 {
			return nil, errBadCipherInput
		}
		return cryptoprov.ECDHP256Decrypt(body, input)

	case algECDH25519:
		if len(input) != cryptoprov.ECDH25519Size {
			return nil, errBadCipherInput
		}
		return cryptoprov.ECDH25519Decrypt(body, input)

	default:
		return nil, errUnsupportedAlg
	}
}

// pso implements PSO (INS 2A): COMPUTE DIGITAL SIGNATURE (9E9A, requires
// PSO_CDS, increments the DS counter, and — when PW1's lifetime byte is
// single-use — drops PSO_CDS after one signature) and DECIPHER (8086,
// requires OTHER).
func (c *Card) pso(cmd *apdu.Command) ([]byte, sw.Word) {
	switch {
	case cmd.P1 == 0x9e && cmd.P2 == 0x9a:
		if !c.status.Check(ac.Cond(ac.FlagPSOCDS)) {
			return nil, sw.SecurityFailure
		}

		sig, err := c.signWithRole(RoleSigning, ac.RolePW1, cmd.Data)
		if err != nil {
			return nil, sw.ConditionNotSatisfied
		}

		if c.ds != nil {
			c.ds.Increment()
		}
		if single, _ := c.store.ReadRaw(dostore.TagPWStatus); len(single) > 0 && single[0] == 0 {
			c.status.Clear(ac.FlagPSOCDS)
		}

		return sig, sw.Success

	case cmd.P1 == 0x80 && cmd.P2 == 0x86:
		if !c.status.Check(ac.Cond(ac.FlagOther)) {
			return nil, sw.SecurityFailure
		}

		plain, err := c.decipher(cmd.Data)
		if err != nil {
			return nil, sw.ConditionNotSatisfied
		}
		return plain, sw.Success

	default:
		return nil, sw.IncorrectParameters
	}
}

func (c *Card) internalAuthenticate(cmd *apdu.Command) ([]byte, sw.Word) {
	if !c.status.Check(ac.Cond(ac.FlagOther)) {
		return nil, sw.SecurityFailure
	}

	sig, err := c.signWithRole(RoleAuthentication, ac.RolePW1, cmd.Data)
	if err != nil {
		return nil, sw.ConditionNotSatisfied
	}
	return sig, sw.Success
}

// generateKeyPair implements GENERATE ASYMMETRIC KEY PAIR: P1=0x81
// returns the role's already-stored public key; any other P1 generates a
// fresh key pair (requiring PW3/admin) and returns its public key.
func (c *Card) generateKeyPair(cmd *apdu.Command) ([]byte, sw.Word) {
	role, ok := crtRole(cmd.Data)
	if !ok {
		return nil, sw.IncorrectParameters
	}

	if cmd.P1 == 0x81 {
		slot := c.keys[role]
		if !slot.present {
			return nil, sw.RecordNotFound
		}
		return buildPubKeyTemplate(slot.rec.alg, slot.pub), sw.Success
	}

	if !c.status.Check(ac.Cond(ac.FlagAdmin)) {
		return nil, sw.SecurityFailure
	}

	pub, err := c.generateAndStore(role)
	if err != nil {
		return nil, sw.MemoryFailure
	}

	alg := c.keys[role].rec.alg
	return buildPubKeyTemplate(alg, pub), sw.Success
}

// crtRole parses GENERATE ASYMMETRIC KEY PAIR's one-entry control
// reference template (B6/B8/A4, each with an empty body).
func crtRole(data []byte) (Role, bool) {
	nodes, err := parseTLVs(data)
	if err != nil || len(nodes) == 0 {
		return 0, false
	}
	return roleFromCRT(nodes[0].tag)
}

func (c *Card) importKey(data []byte) sw.Word {
	role, components, err := decodeKeyImport(data)
	if err != nil {
		return sw.IncorrectParameters
	}
	if err := c.importKeyComponents(role, components); err != nil {
		return sw.MemoryFailure
	}
	return sw.Success
}

func (c *Card) getChallenge(cmd *apdu.Command) ([]byte, sw.Word) {
	c.challenge = c.rng.FillKey(challengeSize)
	return c.challenge, sw.Success
}

// externalAuthenticate verifies a host-signed firmware-update challenge
// against the card's registered update public keys (SUPPLEMENTED
// FEATURES item 4). The actual jump to the regnual loader is out of
// scope; a successful verification only invokes onFirmwareUpdate.
func (c *Card) externalAuthenticate(cmd *apdu.Command) ([]byte, sw.Word) {
	if len(c.challenge) == 0 {
		return nil, sw.ConditionNotSatisfied
	}

	candidates := c.updateKeyCandidates()
	if len(candidates) == 0 {
		return nil, sw.ConditionNotSatisfied
	}

	for _, key := range candidates {
		if verifyFirmwareChallenge(key, c.challenge, cmd.Data) {
			c.challenge = nil
			if c.onFirmwareUpdate != nil {
				c.onFirmwareUpdate()
			}
			return nil, sw.Success
		}
	}

	return nil, sw.SecurityFailure
}

// updateKeyCandidates combines the host-provisioned update keys with any
// registered on the card itself via WRITE BINARY to the update-key EFs,
// whose content is a raw RSA-2048 modulus with the fixed F4 public
// exponent.
func (c *Card) updateKeyCandidates() []*rsa.PublicKey {
	keys := append([]*rsa.PublicKey{}, c.firmwareUpdateKeys...)
	if c.bin == nil {
		return keys
	}
	for i := 0; i < 4; i++ {
		mod, ok := c.bin.UpdateKey(i)
		if !ok {
			continue
		}
		keys = append(keys, &rsa.PublicKey{N: new(big.Int).SetBytes(mod), E: 65537})
	}
	return keys
}

func verifyFirmwareChallenge(key *rsa.PublicKey, challenge, sig []byte) bool {
	return cryptoprov.RSAVerify(key, challenge, sig) == nil
}
