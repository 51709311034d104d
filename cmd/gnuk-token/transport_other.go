//go:build !linux

package main

import (
	"errors"

	"github.com/usbarmory/gnuk-token/transport"
)

// openTransport only supports the loopback transport outside Linux, since
// transport.Gadget is built against Linux's FunctionFS ioctls.
func openTransport(name string) (transport.Transport, func(), error) {
	if name != "" {
		return nil, nil, errors.New("gnuk-token: -gadget requires a linux build")
	}
	lb := transport.NewLoopback()
	return lb.DeviceSide(), func() { lb.Close() }, nil
}
