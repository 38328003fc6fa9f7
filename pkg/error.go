package pkg

import "errors"

// Error taxonomy of spec.md §7. The core distinguishes exactly these classes;
// most package-local sentinels below wrap one of them via Unwrap so callers
// can match either the specific cause or the taxonomy class with errors.Is.
var (
	// ErrMalformedPacket indicates a decode failure. The offending connection
	// is torn down after the error is logged.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrProtocol indicates a well-formed packet received in the wrong state
	// (duplicate transaction id, unknown ld_id, a snoop with zero coherent
	// devices attached). The originating connection is torn down.
	ErrProtocol = errors.New("protocol error")

	// ErrUnsupportedRequest indicates a CXL.io request whose target does not
	// exist. Answered with a completion carrying Unsupported Request status;
	// not logged as an error.
	ErrUnsupportedRequest = errors.New("unsupported request")

	// ErrTimeout indicates the home agent's 3-second CXL.mem inactivity
	// timeout fired. The current flow is aborted and reset to INIT.
	ErrTimeout = errors.New("cxl.mem timeout")

	// ErrConfig indicates an out-of-range decoder commit, a bind/unbind
	// precondition violation, or a memory-range overlap. Reported to the
	// caller with no side effects.
	ErrConfig = errors.New("configuration error")

	// ErrFatal indicates an invariant breach, e.g. a writer-side mailbox
	// seeing an unrecognised marker. The process aborts.
	ErrFatal = errors.New("fatal invariant violation")
)

// Leaf-level sentinels. Most wrap one of the taxonomy errors above;
// ErrMisaligned, ErrAlreadyRunning and ErrNotRunning stand alone.
var (
	// ErrPortOutOfRange indicates a port index outside the switch's
	// configured port set.
	ErrPortOutOfRange = wrap(ErrConfig, "port index out of range")

	// ErrNotDownstreamPort indicates bind/unbind targeted a port that is not
	// a DSP (e.g. the fixed USP).
	ErrNotDownstreamPort = wrap(ErrConfig, "port is not a downstream port")

	// ErrAlreadyBound indicates the target vPPB, or the target DSP, already
	// has a binding in place.
	ErrAlreadyBound = wrap(ErrConfig, "vppb or port already bound")

	// ErrNotBound indicates unbind/freeze was attempted on a vPPB that has
	// no physical port attached.
	ErrNotBound = wrap(ErrConfig, "vppb is not bound")

	// ErrDuplicateTag indicates a transaction id or CCI tag collided with one
	// already outstanding.
	ErrDuplicateTag = wrap(ErrProtocol, "duplicate transaction id")

	// ErrUnknownTag indicates a completion referenced a transaction id with
	// no outstanding request.
	ErrUnknownTag = wrap(ErrProtocol, "unknown transaction id")

	// ErrNoCoherentDevices indicates a device-originated snoop arrived while
	// the coherency bridge's attached-device count is zero.
	ErrNoCoherentDevices = wrap(ErrProtocol, "no coherent devices attached")

	// ErrMisaligned indicates a memory controller request whose address or
	// size is not 64-byte aligned.
	ErrMisaligned = errors.New("misaligned memory access")

	// ErrDecoderDisabled indicates a lookup against a decoder whose size is
	// zero (disabled).
	ErrDecoderDisabled = wrap(ErrConfig, "decoder is disabled")

	// ErrDecoderIndex indicates an out-of-range decoder index on commit.
	ErrDecoderIndex = wrap(ErrConfig, "decoder index out of range")

	// ErrIrreversibleDecoder indicates a dpa->hpa reversal was attempted on a
	// decoder with interleave ways != 1.
	ErrIrreversibleDecoder = wrap(ErrConfig, "decoder reversal requires iw=1")

	// ErrAlreadyRunning indicates Run was called on a component already past
	// INIT.
	ErrAlreadyRunning = errors.New("component already running")

	// ErrNotRunning indicates Stop was called on a component not running.
	ErrNotRunning = errors.New("component not running")

	// ErrNoRoute indicates a CXL.mem/cache packet matched no forwarding
	// target (distinct from the CXL.io UnsupportedRequest completion path,
	// which answers in-band instead of returning an error).
	ErrNoRoute = wrap(ErrUnsupportedRequest, "no route for packet")
)

func wrap(class error, msg string) error {
	return &classifiedError{class: class, msg: msg}
}

// classifiedError pairs a leaf message with the taxonomy class it belongs to,
// so errors.Is(err, pkg.ErrConfig) succeeds for any config-class leaf.
type classifiedError struct {
	class error
	msg   string
}

func (e *classifiedError) Error() string { return e.msg }

func (e *classifiedError) Unwrap() error { return e.class }

// Status represents an outcome a caller across package boundaries inspects
// without needing to unwrap the underlying sentinel (e.g. serialising a CCI
// response code or a CXL.io completion status).
type Status int

// Status values.
const (
	StatusOK Status = iota
	StatusMalformedPacket
	StatusProtocolError
	StatusUnsupportedRequest
	StatusTimeout
	StatusConfigError
	StatusFatal
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMalformedPacket:
		return "malformed-packet"
	case StatusProtocolError:
		return "protocol-error"
	case StatusUnsupportedRequest:
		return "unsupported-request"
	case StatusTimeout:
		return "timeout"
	case StatusConfigError:
		return "config-error"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error returns the taxonomy sentinel corresponding to s, or nil for StatusOK.
func (s Status) Error() error {
	switch s {
	case StatusOK:
		return nil
	case StatusMalformedPacket:
		return ErrMalformedPacket
	case StatusProtocolError:
		return ErrProtocol
	case StatusUnsupportedRequest:
		return ErrUnsupportedRequest
	case StatusTimeout:
		return ErrTimeout
	case StatusConfigError:
		return ErrConfig
	case StatusFatal:
		return ErrFatal
	default:
		return ErrProtocol
	}
}

// StatusOf classifies err into a Status by walking its Unwrap chain against
// the taxonomy sentinels.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrMalformedPacket):
		return StatusMalformedPacket
	case errors.Is(err, ErrUnsupportedRequest):
		return StatusUnsupportedRequest
	case errors.Is(err, ErrProtocol):
		return StatusProtocolError
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrConfig):
		return StatusConfigError
	case errors.Is(err, ErrFatal):
		return StatusFatal
	default:
		return StatusProtocolError
	}
}
