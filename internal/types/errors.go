package types

import "errors"

// Failure kinds surfaced by the collector. Managers and adapters recover
// from all of these locally except ErrProtocol, which escalates to the
// supervisor.
var (
	ErrGapDetected          = errors.New("update sequence gap detected")
	ErrSnapshotStale        = errors.New("snapshot stale")
	ErrChecksumMismatch     = errors.New("orderbook checksum mismatch")
	ErrBufferOverflow       = errors.New("depth buffer overflow")
	ErrProtocol             = errors.New("protocol error")
	ErrUpstreamDisconnected = errors.New("upstream disconnected")
	ErrRateLimited          = errors.New("rate limited")
	ErrBusBackpressure      = errors.New("bus backpressure")
	ErrUnknownSymbol        = errors.New("unknown symbol")
	ErrDecode               = errors.New("decode error")
)

// IsResyncable reports whether an error should push an orderbook manager
// into Resyncing rather than Failed.
func IsResyncable(err error) bool {
	switch {
	case errors.Is(err, ErrGapDetected),
		errors.Is(err, ErrSnapshotStale),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrBufferOverflow),
		errors.Is(err, ErrUpstreamDisconnected),
		errors.Is(err, ErrBusBackpressure):
		return true
	}
	return false
}
