package style

import "errors"

var (
	ErrStyleNotFound = errors.New("style not found")
	ErrStyleInactive = errors.New("style is not active")
)
