package models

import "errors"

// ErrModelUnavailable marks a model that could not be loaded. Callers degrade
// instead of failing the request.
var ErrModelUnavailable = errors.New("model unavailable")
