package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflict")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
)

// ErrNotShopSession is returned when a session id does not resolve to a session owned by the caller.
var ErrNotShopSession = fmt.Errorf("%w: not a shop session", ErrNotFound)
