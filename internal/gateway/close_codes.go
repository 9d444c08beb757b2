package gateway

import "errors"

// Application close codes in the 4000 range. Standard codes (1000, 1001) come from RFC 6455. Codes 4000 and 4007
// leave the session resumable; every other code requires a fresh identify.
const (
	CloseUnknownError      = 4000
	CloseInvalidHandshake  = 4001
	CloseDecodeError       = 4002
	CloseUnknownOpcode     = 4003
	CloseInvalidData       = 4004
	CloseInvalidToken      = 4005
	CloseSessionLimited    = 4006
	CloseAlreadyIdentified = 4007
	CloseSessionTimedOut   = 4009
)

// Sentinel errors for gateway failure modes.
var (
	ErrSessionNotFound   = errors.New("session not found or expired")
	ErrAlreadyIdentified = errors.New("session is already identified")
	ErrPendingOverflow   = errors.New("pending event queue overflowed")
	ErrSendBufferFull    = errors.New("session send buffer full")
)
