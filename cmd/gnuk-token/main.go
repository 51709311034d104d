// Command gnuk-token runs the OpenPGP card application as an ordinary
// process: it wires the flash-backed persistent stores, the entropy
// source, and the OpenPGP card application to a CCID transport and
// drives the USB CCID protocol loop until interrupted.
//
// Grounded on the firmware's concurrency model (a CCID thread, an
// OpenPGP card application task, and an RNG producer thread running
// concurrently) and on cmd/tamago's process-wiring idiom (flag-driven
// entry point, log.Fatalf on setup failure, signal-driven shutdown).
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/usbarmory/gnuk-token/ac"
	"github.com/usbarmory/gnuk-token/ccid"
	"github.com/usbarmory/gnuk-token/diag"
	"github.com/usbarmory/gnuk-token/dostore"
	"github.com/usbarmory/gnuk-token/flash"
	"github.com/usbarmory/gnuk-token/openpgpapp"
	"github.com/usbarmory/gnuk-token/rng"
)

// Flash geometry: two 32KiB pages for the rotating data pool (each large
// enough to hold every data object plus headroom for garbage collection),
// and one dedicated page per key role sized for KeySlotSize-byte slots.
const (
	poolPageSize     = 32 * 1024
	keyStorePageSize = 16 * flash.KeySlotSize
)

func main() {
	log.SetFlags(0)

	gadget := flag.String("gadget", "", "FunctionFS mount name (e.g. \"gnuk\"); omit to run against an in-process loopback transport")
	updateKeysPath := flag.String("update-keys", "", "PEM file of RSA public keys authorized to trigger a firmware update (optional)")
	diagAddr := flag.String("diag-addr", "", "address to serve runtime diagnostics charts on (requires a -tags diag build; empty disables)")
	flag.Parse()

	t, cleanup, err := openTransport(*gadget)
	if err != nil {
		log.Fatalf("gnuk-token: %v", err)
	}
	defer cleanup()

	card, err := bringUp(*updateKeysPath)
	if err != nil {
		log.Fatalf("gnuk-token: %v", err)
	}

	c := ccid.New(t, card)
	if err := c.SignalCardChange(ccid.CardInsert); err != nil {
		log.Fatalf("gnuk-token: signaling initial card insert: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *diagAddr != "" {
		go func() {
			if err := diag.Serve(ctx, *diagAddr); err != nil {
				log.Printf("gnuk-token: diag: %v", err)
			}
		}()
	}

	log.Printf("gnuk-token: running (gadget=%q)", *gadget)
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("gnuk-token: %v", err)
	}
}

// bringUp constructs every piece of persistent and transient state the
// card application needs and rebuilds it from the simulated flash
// device's existing contents, mirroring the boot sequence a real card
// walks on power-up: open the pool, then rebuild the PIN and data-object
// indexes from whatever records survived in flash.
func bringUp(updateKeysPath string) (*openpgpapp.Card, error) {
	poolDev := flash.NewSim(poolPageSize * 2)
	pool, err := flash.Open(poolDev, [2]int{0, poolPageSize}, poolPageSize)
	if err != nil {
		return nil, err
	}

	keyDev := flash.NewSim(keyStorePageSize * 3)
	keyStore := flash.OpenKeyStore(keyDev, [3]int{0, keyStorePageSize, keyStorePageSize * 2}, keyStorePageSize)

	binDev := flash.NewSim(flash.BinaryStoreSize)
	bin := flash.OpenBinaryStore(binDev, 0)

	status := &ac.Status{}

	pins := ac.New(pool)
	pins.Rebuild()

	store := dostore.New(pool, status)
	store.SetPINs(pins)
	store.SetBinaryStore(bin)
	store.Rebuild()

	rngSrc := rng.New(rng.ADCSim{}, rate.NewLimiter(rate.Limit(1000), 1))
	rngSrc.Init(context.Background())

	store.SetRandomSource(rngSrc.GetSalt)

	ds := pool.NewDSCounter()
	store.SetDSCounter(ds)

	card := openpgpapp.New(pool, keyStore, pins, status, store, rngSrc, ds)
	card.AttachBinaryEFs(bin)

	if updateKeysPath != "" {
		keys, err := loadUpdateKeys(updateKeysPath)
		if err != nil {
			return nil, err
		}
		card.SetFirmwareUpdateKeys(keys)
	}

	return card, nil
}

// loadUpdateKeys parses a PEM file of PKCS#1 RSA public keys for EXTERNAL
// AUTHENTICATE's firmware-update challenge verification: the host signs
// the challenge with one of the registered update public keys.
func loadUpdateKeys(path string) ([]*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var keys []*rsa.PublicKey
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			break
		}
		pub, err := parsePublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		keys = append(keys, pub)
	}
	return keys, nil
}

func parsePublicKey(der []byte) (*rsa.PublicKey, error) {
	if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return pub, nil
	}
	generic, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	pub, ok := generic.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("gnuk-token: update key is not RSA")
	}
	return pub, nil
}
