package protocol

import "errors"

// Sentinel errors shared across packages.
var (
	ErrShortFrame     = errors.New("short frame")
	ErrBadStatus      = errors.New("invalid response status")
	ErrBadRequest     = errors.New("bad request")
	ErrUnknownPeer    = errors.New("peer not found")
	ErrDeliveryFailed = errors.New("delivery failed")
	ErrTransferFailed = errors.New("transfer failed")
)
