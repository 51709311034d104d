package openpgpapp

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/usbarmory/gnuk-token/flash"
	"github.com/usbarmory/gnuk-token/internal/sw"
)

func verifyAdmin(t *testing.T, c *Card) {
	t.Helper()
	if _, word := dispatch(t, c, 0x20, 0x00, 0x83, []byte("12345678")); word != sw.Success {
		t.Fatalf("VERIFY(PW3) = %#x", word)
	}
}

func TestWriteBinaryDeniedWithoutAdmin(t *testing.T) {
	c := newTestCard(t, 32*1024)
	c.PowerOn()

	serial := []byte{0x00, 0x05, 0x00, 0x00, 0xbe, 0xef}
	if _, word := dispatch(t, c, 0xd0, 0x80, 0x00, serial); word != sw.SecurityFailure {
		t.Fatalf("WRITE BINARY without admin = %#x, want SecurityFailure", word)
	}
}

func TestWriteBinarySerialSplicesIntoAID(t *testing.T) {
	c := newTestCard(t, 32*1024)
	c.PowerOn()
	verifyAdmin(t, c)

	serial := []byte{0x00, 0x05, 0x00, 0x00, 0xbe, 0xef}
	if _, word := dispatch(t, c, 0xd0, 0x80, 0x00, serial); word != sw.Success {
		t.Fatalf("WRITE BINARY(serial) = %#x", word)
	}

	aid, word := dispatch(t, c, 0xca, 0x00, 0x4f, nil)
	if word != sw.Success {
		t.Fatalf("GET DATA(AID) = %#x", word)
	}
	if !bytes.Equal(aid[8:14], serial) {
		t.Fatalf("AID serial field = %x, want %x", aid[8:14], serial)
	}

	// READ BINARY on the serial EF returns the AID under tag 5A.
	resp, word := dispatch(t, c, 0xb0, 0x80, 0x00, nil)
	if word != sw.Success {
		t.Fatalf("READ BINARY(serial) = %#x", word)
	}
	want := append([]byte{0x5a, byte(len(aid))}, aid...)
	if !bytes.Equal(resp, want) {
		t.Fatalf("READ BINARY(serial) = % x, want % x", resp, want)
	}
}

func TestUpdateBinaryCertificateRoundTrip(t *testing.T) {
	c := newTestCard(t, 32*1024)
	c.PowerOn()
	verifyAdmin(t, c)

	cert := bytes.Repeat([]byte{0x30}, 300)

	// UPDATE BINARY short-EF erases the region and writes the first
	// chunk; a follow-up WRITE BINARY continues at the next offset
	// without touching what is already programmed.
	if _, word := dispatch(t, c, 0xd6, 0x85, 0x00, cert[:256]); word != sw.Success {
		t.Fatalf("UPDATE BINARY(cert, first chunk) = %#x", word)
	}
	if _, word := dispatch(t, c, 0xd0, 0x01, 0x00, cert[256:]); word != sw.Success {
		t.Fatalf("WRITE BINARY(cert, second chunk) = %#x", word)
	}

	resp, word := dispatch(t, c, 0xb0, 0x85, 0x00, nil)
	if word != sw.Success {
		t.Fatalf("READ BINARY(cert) = %#x", word)
	}
	if !bytes.Equal(resp[:256], cert[:256]) {
		t.Fatalf("first cert chunk mismatch")
	}

	resp, word = dispatch(t, c, 0xb0, 0x01, 0x00, nil)
	if word != sw.Success {
		t.Fatalf("READ BINARY(cert, offset 256) = %#x", word)
	}
	if !bytes.Equal(resp[:44], cert[256:]) {
		t.Fatalf("second cert chunk mismatch")
	}

	// A fresh UPDATE BINARY replaces the whole certificate.
	replacement := bytes.Repeat([]byte{0x31}, 64)
	if _, word := dispatch(t, c, 0xd6, 0x85, 0x00, replacement); word != sw.Success {
		t.Fatalf("UPDATE BINARY(cert, replacement) = %#x", word)
	}
	resp, word = dispatch(t, c, 0xb0, 0x85, 0x00, nil)
	if word != sw.Success {
		t.Fatalf("READ BINARY after replacement = %#x", word)
	}
	if !bytes.Equal(resp[:64], replacement) {
		t.Fatalf("replacement cert mismatch")
	}
}

func TestUpdateBinaryOnlyValidForCertificate(t *testing.T) {
	c := newTestCard(t, 32*1024)
	c.PowerOn()
	verifyAdmin(t, c)

	serial := []byte{0x00, 0x05, 0x00, 0x00, 0xbe, 0xef}
	if _, word := dispatch(t, c, 0xd6, 0x80, 0x00, serial); word != sw.ConditionNotSatisfied {
		t.Fatalf("UPDATE BINARY(serial) = %#x, want ConditionNotSatisfied", word)
	}
}

func TestExternalAuthenticateWithWriteBinaryRegisteredKey(t *testing.T) {
	c := newTestCard(t, 32*1024)
	c.PowerOn()
	verifyAdmin(t, c)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating update key: %v", err)
	}

	modulus := priv.PublicKey.N.FillBytes(make([]byte, flash.UpdateKeySize))
	if _, word := dispatch(t, c, 0xd0, 0x81, 0x00, modulus); word != sw.Success {
		t.Fatalf("WRITE BINARY(update key 0) = %#x", word)
	}

	challenge, word := dispatch(t, c, 0x84, 0x00, 0x00, nil)
	if word != sw.Success || len(challenge) != challengeSize {
		t.Fatalf("GET CHALLENGE = %#x, %d bytes", word, len(challenge))
	}

	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.Hash(0), challenge)
	if err != nil {
		t.Fatalf("signing challenge: %v", err)
	}

	if _, word := dispatch(t, c, 0x82, 0x00, 0x00, sig); word != sw.Success {
		t.Fatalf("EXTERNAL AUTHENTICATE = %#x, want Success", word)
	}

	// Removing the key (zero-length write at offset 0) revokes it: a
	// fresh challenge signed by the same key no longer verifies.
	if _, word := dispatch(t, c, 0xd0, 0x81, 0x00, nil); word != sw.Success {
		t.Fatalf("WRITE BINARY(remove update key 0) = %#x", word)
	}
	challenge, _ = dispatch(t, c, 0x84, 0x00, 0x00, nil)
	sig, _ = rsa.SignPKCS1v15(rand.Reader, priv, crypto.Hash(0), challenge)
	if _, word := dispatch(t, c, 0x82, 0x00, 0x00, sig); word == sw.Success {
		t.Fatalf("EXTERNAL AUTHENTICATE after key removal succeeded, want failure")
	}
}
