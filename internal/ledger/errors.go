package ledger

import "errors"

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidDuration     = errors.New("invalid lock duration")
	ErrInsufficientReserve = errors.New("insufficient reserve")
	ErrIndexOutOfRange     = errors.New("position index out of range")
	ErrAlreadySettled      = errors.New("position already settled")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrArithmeticOverflow  = errors.New("arithmetic overflow")
	ErrTransferFailed      = errors.New("asset transfer failed")
)
