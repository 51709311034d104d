//go:build linux

package transport

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Gadget is the Linux USB FunctionFS transport: it opens the endpoint
// files a configured `gadgetfs`/`libcomposite` CCID function exposes
// under /dev/ffs-<name>/{ep0,ep1,ep2} and reads/writes raw bulk packets
// against them with unix.Read/Write, using unix.IoctlSetInt for the
// endpoint halt/clear-feature control real class drivers issue.
//
// This is the host-side analogue of soc/nxp/usb register-level bulk
// transfer handling (imx6/usb/endpoint.go): USB PHY register programming
// is out of scope here, and FunctionFS is exactly that boundary redrawn
// for a process running under a Linux kernel instead of bare metal.
type Gadget struct {
	mu sync.Mutex

	ep0, epOut, epIn, epInt int // file descriptors

	closeOnce sync.Once
}

// OpenGadget opens the three endpoint files of a FunctionFS mount named
// name (i.e. /dev/ffs-<name>/{ep0,ep1,ep2}), where ep1 is bulk OUT, ep2 is
// bulk IN, and ep3 (if present) is the interrupt IN notification
// endpoint. Descriptor/string negotiation on ep0 (FunctionFS's
// ENABLE/descriptor-write handshake) is the caller's responsibility
// before constructing a Gadget, since it only needs to happen once per
// mount and is orthogonal to the CCID data path this type serves.
func OpenGadget(name string) (*Gadget, error) {
	base := fmt.Sprintf("/dev/ffs-%s/", name)

	ep0, err := unix.Open(base+"ep0", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open ep0: %w", err)
	}
	epOut, err := unix.Open(base+"ep1", unix.O_RDONLY, 0)
	if err != nil {
		unix.Close(ep0)
		return nil, fmt.Errorf("transport: open ep1 (bulk OUT): %w", err)
	}
	epIn, err := unix.Open(base+"ep2", unix.O_WRONLY, 0)
	if err != nil {
		unix.Close(ep0)
		unix.Close(epOut)
		return nil, fmt.Errorf("transport: open ep2 (bulk IN): %w", err)
	}

	// The interrupt IN endpoint is optional — some gadget
	// configurations fold card-change notification into a polled
	// GetSlotStatus instead.
	epInt, err := unix.Open(base+"ep3", unix.O_WRONLY, 0)
	if err != nil {
		epInt = -1
	}

	return &Gadget{ep0: ep0, epOut: epOut, epIn: epIn, epInt: epInt}, nil
}

func (g *Gadget) ReadPacket() ([]byte, error) {
	buf := make([]byte, MaxPacketSize)
	n, err := unix.Read(g.epOut, buf)
	if err != nil {
		return nil, fmt.Errorf("transport: read ep1: %w", err)
	}
	return buf[:n], nil
}

func (g *Gadget) WritePacket(p []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := unix.Write(g.epIn, p)
	if err != nil {
		return fmt.Errorf("transport: write ep2: %w", err)
	}
	return nil
}

func (g *Gadget) Notify(p []byte) error {
	if g.epInt < 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := unix.Write(g.epInt, p)
	if err != nil {
		return fmt.Errorf("transport: write ep3 (interrupt IN): %w", err)
	}
	return nil
}

func (g *Gadget) Close() error {
	var err error
	g.closeOnce.Do(func() {
		unix.Close(g.epOut)
		unix.Close(g.epIn)
		if g.epInt >= 0 {
			unix.Close(g.epInt)
		}
		err = unix.Close(g.ep0)
	})
	return err
}
