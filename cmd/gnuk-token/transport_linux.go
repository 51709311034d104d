//go:build linux

package main

import "github.com/usbarmory/gnuk-token/transport"

// openTransport opens the named FunctionFS gadget mount, or an in-process
// loopback pair with no host side attached when name is empty (useful for
// exercising the wiring without a real USB gadget configured).
func openTransport(name string) (transport.Transport, func(), error) {
	if name == "" {
		lb := transport.NewLoopback()
		return lb.DeviceSide(), func() { lb.Close() }, nil
	}

	g, err := transport.OpenGadget(name)
	if err != nil {
		return nil, nil, err
	}
	return g, func() { g.Close() }, nil
}
