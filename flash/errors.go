package flash

import "errors"

var (
	errBadLength = errors.New("flash: record length exceeds 255 bytes")
	errPoolFull  = errors.New("flash: data pool allocation failure")
)
