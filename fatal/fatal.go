// Package fatal models the firmware's LED-blink-and-halt error path.
//
// A hard line separates recoverable errors (bad APDU, wrong PIN, full pool
// before GC — all returned as ordinary Go errors or status words) from
// conditions that could corrupt persistent state, which on real hardware
// are signalled by blinking an error code on the status LED and never
// returning. There is no LED here, so Halt logs the reason and blocks the
// calling goroutine forever; callers are expected to treat a call to Halt
// as terminal and never examine its return.
package fatal

import (
	"log"
	"sync"
)

// Code identifies the class of fatal condition, mirroring the blink-code
// groups a real board would use to distinguish failures without a serial
// console attached.
type Code int

const (
	FLASH Code = iota + 1
	RNG
)

func (c Code) String() string {
	switch c {
	case FLASH:
		return "FLASH"
	case RNG:
		return "RNG"
	default:
		return "UNKNOWN"
	}
}

// Hook, when set, is invoked instead of blocking, and Halt then returns
// to its caller.
var Hook func(Code, string)

var halted sync.Once

// Halt reports a fatal condition and never returns (unless Hook is set).
func Halt(code Code, reason string) {
	if Hook != nil {
		Hook(code, reason)
		return
	}

	halted.Do(func() {
		log.Printf("fatal: %s: %s", code, reason)
	})

	select {}
}
