package errors

import (
	"errors"
	"fmt"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
)

// Kind classifies a protocol error by how the caller must react.
type Kind string

const (
	// KindStructural marks malformed framing. The whole unit (packet,
	// record set) is discarded.
	KindStructural Kind = "STRUCTURAL"
	// KindFieldInvalid marks a single extension or record field that
	// failed validation. The field is dropped, parsing continues.
	KindFieldInvalid Kind = "FIELD_INVALID"
	// KindFieldNotFound marks absence, which is not an error; the
	// caller proceeds with defaults.
	KindFieldNotFound Kind = "FIELD_NOT_FOUND"
	// KindCapabilityMismatch marks a peer that cannot accept the full
	// message; triggers the stripped-send path.
	KindCapabilityMismatch Kind = "CAPABILITY_MISMATCH"
	// KindPolicyDrop marks a message intentionally not forwarded per
	// routing rules; logged at high verbosity only.
	KindPolicyDrop Kind = "POLICY_DROP"
)

// ProtoError is the error type produced by the wire-protocol layers.
type ProtoError struct {
	Err   error
	Kind  Kind
	Where string // message type or extension name being processed
}

func (e *ProtoError) Error() string {
	if e.Where == "" {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Where, e.Err)
}

func (e *ProtoError) Unwrap() error {
	return e.Err
}

// Sentinel errors shared across the protocol packages.
var (
	ErrTooSmall       = New("packet below minimum size")
	ErrBadResultCount = New("record count does not match declared count")
	ErrMalformedSha1  = New("malformed SHA1 in result record")
	ErrUnknownTrailer = New("unrecognized vendor trailer")
	ErrBadExtension   = New("bad GGEP extension")
)

// NewStructural wraps err as a fatal framing violation.
func NewStructural(err error, where string) *ProtoError {
	return &ProtoError{Err: err, Kind: KindStructural, Where: where}
}

// NewFieldInvalid wraps err as a per-field validation failure.
func NewFieldInvalid(err error, where string) *ProtoError {
	return &ProtoError{Err: err, Kind: KindFieldInvalid, Where: where}
}

// NewPolicyDrop wraps err as an intentional routing drop.
func NewPolicyDrop(err error, where string) *ProtoError {
	return &ProtoError{Err: err, Kind: KindPolicyDrop, Where: where}
}

// IsStructural reports whether err carries a fatal framing violation.
func IsStructural(err error) bool {
	var pe *ProtoError
	return As(err, &pe) && pe.Kind == KindStructural
}

// IsFieldInvalid reports whether err is a droppable per-field failure.
func IsFieldInvalid(err error) bool {
	var pe *ProtoError
	return As(err, &pe) && pe.Kind == KindFieldInvalid
}

// IsPolicyDrop reports whether err is an intentional routing drop.
func IsPolicyDrop(err error) bool {
	var pe *ProtoError
	return As(err, &pe) && pe.Kind == KindPolicyDrop
}
