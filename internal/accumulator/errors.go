package accumulator

import "errors"

// Class groups failures by how a caller can recover from them.
type Class string

const (
	// ClassAccess failures need the caller or configuration fixed.
	ClassAccess Class = "access"
	// ClassAccounting failures leave the fill intact for a later retry.
	ClassAccounting Class = "accounting"
	// ClassAuthorization failures need the batch rebuilt and re-signed.
	ClassAuthorization Class = "authorization"
	ClassTiming        Class = "timing"
)

type Error struct {
	Class  Class
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

var (
	ErrUnrecognizedCaller            = &Error{ClassAccess, "UnrecognizedCaller"}
	ErrInvalidOriginator             = &Error{ClassAccess, "InvalidOriginator"}
	ErrUnauthorizedDestinationCaller = &Error{ClassAccess, "UnauthorizedDestinationCaller"}
	ErrNotOwner                      = &Error{ClassAccess, "NotOwner"}

	ErrThresholdNotMet                          = &Error{ClassAccounting, "ThresholdNotMet"}
	ErrAlreadyExecuted                          = &Error{ClassAccounting, "AlreadyExecuted"}
	ErrFillTerminal                             = &Error{ClassAccounting, "FillTerminal"}
	ErrInsufficientOutput                       = &Error{ClassAccounting, "InsufficientOutput"}
	ErrInvalidFinalOutputTokenForDirectTransfer = &Error{ClassAccounting, "InvalidFinalOutputTokenForDirectTransfer"}
	ErrUnknownFill                              = &Error{ClassAccounting, "UnknownFill"}
	ErrReservationBreached                      = &Error{ClassAccounting, "ReservationBreached"}

	ErrInvalidMerkleSignature = &Error{ClassAuthorization, "InvalidMerkleSignature"}

	ErrNotExpired = &Error{ClassTiming, "NotExpired"}
)

// ClassOf reports the class of the first *Error in err's chain.
func ClassOf(err error) (Class, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}
