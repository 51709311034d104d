package apdu

import (
	"bytes"
	"testing"

	"github.com/usbarmory/gnuk-token/internal/sw"
)

func TestFeedSimpleCommand(t *testing.T) {
	var m Machine

	cmd, direct := m.Feed([]byte{0x00, 0xa4, 0x04, 0x00, 0x06, 0xd2, 0x76, 0x00, 0x01, 0x24, 0x01})
	if direct != nil {
		t.Fatalf("unexpected direct response: %x", direct)
	}
	if cmd == nil {
		t.Fatal("expected a ready command")
	}
	if cmd.INS != 0xa4 || !bytes.Equal(cmd.Data, []byte{0xd2, 0x76, 0x00, 0x01, 0x24, 0x01}) {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestFeedCommandChaining(t *testing.T) {
	var m Machine

	first := append([]byte{0x10, 0xda, 0x5f, 0x50, 0xff}, make([]byte, 255)...)
	cmd, direct := m.Feed(first)
	if cmd != nil || direct != nil {
		t.Fatalf("first chained segment should produce nothing yet: cmd=%v direct=%v", cmd, direct)
	}

	second := append([]byte{0x00, 0xda, 0x5f, 0x50, 0x5f}, make([]byte, 95)...)
	cmd, direct = m.Feed(second)
	if direct != nil {
		t.Fatalf("unexpected direct response: %x", direct)
	}
	if cmd == nil {
		t.Fatal("expected assembled command after final chained segment")
	}
	if len(cmd.Data) != 350 {
		t.Fatalf("Data length = %d, want 350", len(cmd.Data))
	}
}

func TestFeedChainingHeadMismatchRestarts(t *testing.T) {
	var m Machine

	m.Feed([]byte{0x10, 0xda, 0x5f, 0x50, 0x02, 0xaa, 0xbb})
	cmd, _ := m.Feed([]byte{0x00, 0xda, 0x5f, 0x35, 0x01, 0xcc})
	if cmd == nil {
		t.Fatal("expected a ready command")
	}
	if !bytes.Equal(cmd.Data, []byte{0xcc}) {
		t.Fatalf("mismatched chain head should discard the earlier buffer, got %x", cmd.Data)
	}
	if cmd.P2 != 0x35 {
		t.Fatalf("P2 = %#x, want 0x35", cmd.P2)
	}
}

func TestRespondPagesOversizedResult(t *testing.T) {
	var m Machine

	m.Feed([]byte{0x00, 0xca, 0x00, 0x4f, 0x00}) // Le=0 -> 256
	data := bytes.Repeat([]byte{0x42}, 269)

	first := m.Respond(data, sw.Success)
	if first[len(first)-2] != 0x61 {
		t.Fatalf("expected 61xx continuation status, got % x", first[len(first)-2:])
	}
	if len(first) != 256+2 {
		t.Fatalf("first chunk length = %d, want 258", len(first))
	}

	cmd, direct := m.Feed([]byte{0x00, 0xc0, 0x00, 0x00, 0x0d})
	if cmd != nil {
		t.Fatalf("GET RESPONSE should not reach the application layer")
	}
	if !bytes.HasSuffix(direct, []byte{0x90, 0x00}) {
		t.Fatalf("final GET RESPONSE chunk should end 9000, got % x", direct)
	}
	if len(direct) != 13+2 {
		t.Fatalf("final chunk length = %d, want 15", len(direct))
	}
}

func TestGetResponseAbortsOnOtherInstruction(t *testing.T) {
	var m Machine

	m.Feed([]byte{0x00, 0xca, 0x00, 0x4f, 0x05})
	m.Respond(bytes.Repeat([]byte{0x01}, 20), sw.Success)

	cmd, _ := m.Feed([]byte{0x00, 0x20, 0x00, 0x81, 0x00})
	if cmd == nil {
		t.Fatal("a non-GET-RESPONSE instruction should abort pagination and start a new command")
	}
	if cmd.INS != 0x20 {
		t.Fatalf("INS = %#x, want 0x20", cmd.INS)
	}
}
