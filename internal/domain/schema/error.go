package schema

import "errors"

var (
	ErrUnknownType   = errors.New("unknown record type")
	ErrInvalidModel  = errors.New("invalid model definition")
	ErrMissingKey    = errors.New("missing primary key field")
	ErrInvalidRecord = errors.New("record does not match schema")
)
