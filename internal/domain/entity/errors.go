package entity

import "errors"

var (
	// ErrIllegalState is returned by frame mutators and accessors once the
	// frame has been serialized. Dimension getters stay legal.
	ErrIllegalState = errors.New("frame already serialized")

	// ErrOutOfRange is returned when a view index does not exist.
	ErrOutOfRange = errors.New("view index out of range")

	// ErrPendingEncode is returned by Serialize when a view still advertises
	// an encoding that has not been committed with EncodePending.
	ErrPendingEncode = errors.New("view has uncommitted encoding")
)
