package planner

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyLeafSet              = errors.New("empty leaf set")
	ErrDuplicateExecuteLeafChain = errors.New("duplicate execute leaf for chain")
	ErrInvalidAction             = errors.New("action must carry either calls or an accumulator intent")
	ErrMissingAuthorization      = errors.New("missing authorization")
	ErrAuthorizationMismatch     = errors.New("authorization does not delegate this account")
)

// MissingAuthorizationError is returned when a chain needs initialisation but no
// delegation authorization was supplied for it.
type MissingAuthorizationError struct {
	ChainID uint64
}

func (e *MissingAuthorizationError) Error() string {
	return fmt.Sprintf("%s for chain %d", ErrMissingAuthorization, e.ChainID)
}

func (e *MissingAuthorizationError) Unwrap() error {
	return ErrMissingAuthorization
}

type DuplicateChainError struct {
	ChainID uint64
}

func (e *DuplicateChainError) Error() string {
	return fmt.Sprintf("%s %d", ErrDuplicateExecuteLeafChain, e.ChainID)
}

func (e *DuplicateChainError) Unwrap() error {
	return ErrDuplicateExecuteLeafChain
}
