package transport

import "sync"

// Loopback is an in-memory Transport used by every other package's own
// tests, by cmd/gnuk-token's `-tags sim` build, and by anything driving
// the CCID layer from a host-side test without a real USB controller.
// Host and device each get one unbuffered(ish) channel to exchange
// packets with, mirroring the single-producer/single-consumer shape of a
// real bulk endpoint pair.
type Loopback struct {
	toDevice chan []byte
	toHost   chan []byte
	notify   chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLoopback creates a connected pair: call DeviceSide to obtain the
// Transport a ccid.Card should use, and use the Host* methods from test
// code standing in for the USB host.
func NewLoopback() *Loopback {
	return &Loopback{
		toDevice: make(chan []byte, 16),
		toHost:   make(chan []byte, 16),
		notify:   make(chan []byte, 4),
		closed:   make(chan struct{}),
	}
}

// DeviceSide returns the Transport the card application reads/writes.
func (l *Loopback) DeviceSide() Transport { return (*deviceSide)(l) }

// HostSend delivers one bulk OUT packet as if sent by the USB host.
func (l *Loopback) HostSend(p []byte) {
	cp := append([]byte{}, p...)
	select {
	case l.toDevice <- cp:
	case <-l.closed:
	}
}

// HostRecv blocks for the next bulk IN packet the device sent.
func (l *Loopback) HostRecv() ([]byte, error) {
	select {
	case p := <-l.toHost:
		return p, nil
	case <-l.closed:
		return nil, ErrClosed
	}
}

// HostNotify blocks for the next interrupt IN notification.
func (l *Loopback) HostNotify() ([]byte, error) {
	select {
	case p := <-l.notify:
		return p, nil
	case <-l.closed:
		return nil, ErrClosed
	}
}

func (l *Loopback) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

type deviceSide Loopback

func (d *deviceSide) ReadPacket() ([]byte, error) {
	l := (*Loopback)(d)
	select {
	case p := <-l.toDevice:
		return p, nil
	case <-l.closed:
		return nil, ErrClosed
	}
}

func (d *deviceSide) WritePacket(p []byte) error {
	l := (*Loopback)(d)
	cp := append([]byte{}, p...)
	select {
	case l.toHost <- cp:
		return nil
	case <-l.closed:
		return ErrClosed
	}
}

func (d *deviceSide) Notify(p []byte) error {
	l := (*Loopback)(d)
	cp := append([]byte{}, p...)
	select {
	case l.notify <- cp:
		return nil
	case <-l.closed:
		return ErrClosed
	}
}

func (d *deviceSide) Close() error {
	return (*Loopback)(d).Close()
}
