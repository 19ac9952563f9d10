package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocol matches every *ProtocolError through errors.Is.
var ErrProtocol = errors.New("protocol: violation")

// ProtocolError reports a packet the receiver was not prepared to accept.
type ProtocolError struct {
	Kind   Kind
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s packet: %s", e.Kind, e.Reason)
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}
