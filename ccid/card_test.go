package ccid

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/usbarmory/gnuk-token/apdu"
	"github.com/usbarmory/gnuk-token/internal/sw"
	"github.com/usbarmory/gnuk-token/transport"
)

type fakeDispatcher struct {
	powerOnCalled, powerOffCalled int
	response                      []byte
	word                          sw.Word
}

func (f *fakeDispatcher) PowerOn()  { f.powerOnCalled++ }
func (f *fakeDispatcher) PowerOff() { f.powerOffCalled++ }
func (f *fakeDispatcher) Dispatch(cmd *apdu.Command) ([]byte, sw.Word) {
	return f.response, f.word
}

func newTestCard(t *testing.T) (*Card, *transport.Loopback, *fakeDispatcher) {
	t.Helper()
	lb := transport.NewLoopback()
	disp := &fakeDispatcher{word: sw.Success}
	c := New(lb.DeviceSide(), disp)
	c.SignalCardChange(CardInsert)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	return c, lb, disp
}

func ccidMsg(msgType, slot, seq byte, payload []byte) []byte {
	h := header{msgType: msgType, length: uint32(len(payload)), slot: slot, seq: seq}
	return append(h.bytes(), payload...)
}

func TestPowerOnReturnsATR(t *testing.T) {
	_, lb, disp := newTestCard(t)

	lb.HostSend(ccidMsg(msgIccPowerOn, 0, 1, nil))

	resp := mustRecv(t, lb)
	h := parseHeader(resp)
	if h.msgType != msgDataBlock {
		t.Fatalf("msgType = %#x, want DataBlock", h.msgType)
	}
	atr := resp[headerSize:]
	if !bytes.Equal(atr, ATR()) {
		t.Fatalf("ATR mismatch: % x", atr)
	}
	if disp.powerOnCalled != 1 {
		t.Fatalf("PowerOn called %d times, want 1", disp.powerOnCalled)
	}
}

func TestXfrBlockDispatchesAndRespondsWithStatusWord(t *testing.T) {
	_, lb, disp := newTestCard(t)
	disp.response = []byte{0xd2, 0x76, 0x00, 0x01, 0x24, 0x01}
	disp.word = sw.Success

	lb.HostSend(ccidMsg(msgIccPowerOn, 0, 1, nil))
	mustRecv(t, lb)

	apduBytes := []byte{0x00, 0xca, 0x00, 0x4f, 0x00}
	lb.HostSend(ccidMsg(msgXfrBlock, 0, 2, apduBytes))

	resp := mustRecv(t, lb)
	h := parseHeader(resp)
	data := resp[headerSize : headerSize+int(h.length)]
	if !bytes.HasSuffix(data, []byte{0x90, 0x00}) {
		t.Fatalf("expected trailing 9000, got % x", data)
	}
}

func TestGetSlotStatusReflectsCardChange(t *testing.T) {
	c, lb, _ := newTestCard(t)

	lb.HostSend(ccidMsg(msgGetSlotStatus, 0, 1, nil))
	resp := mustRecv(t, lb)
	h := parseHeader(resp)
	if h.b7&0x03 != iccStatusPresent {
		t.Fatalf("ICC status = %#x, want present(not active)", h.b7&0x03)
	}

	// newTestCard's CardInsert queued its own notification first.
	notify, err := lb.HostNotify()
	if err != nil || !bytes.Equal(notify, []byte{0x50, 0x02}) {
		t.Fatalf("expected insert notification, got %x, %v", notify, err)
	}

	c.SignalCardChange(CardRemove)
	notify, err = lb.HostNotify()
	if err != nil || !bytes.Equal(notify, []byte{0x50, 0x03}) {
		t.Fatalf("expected remove notification, got %x, %v", notify, err)
	}

	lb.HostSend(ccidMsg(msgGetSlotStatus, 0, 2, nil))
	resp = mustRecv(t, lb)
	h = parseHeader(resp)
	if h.b7&0x03 != iccStatusAbsent {
		t.Fatalf("ICC status after removal = %#x, want absent", h.b7&0x03)
	}
}

func mustRecv(t *testing.T, lb *transport.Loopback) []byte {
	t.Helper()

	type result struct {
		resp []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := lb.HostRecv()
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("HostRecv: %v", r.err)
		}
		return r.resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
		return nil
	}
}
