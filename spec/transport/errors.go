package transport

import "fmt"

var (
	ErrClosed      = fmt.Errorf("transport is already closed")
	ErrUnreachable = fmt.Errorf("transport: destination is unreachable")
	ErrNoAddress   = fmt.Errorf("transport: destination has no address")
)
