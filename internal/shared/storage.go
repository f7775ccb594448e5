package shared

import "errors"

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrUnknownStrategy  = errors.New("unknown replication strategy")
	ErrUnknownParameter = errors.New("parameter not bound")
)
