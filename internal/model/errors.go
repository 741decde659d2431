package model

import "errors"

// ErrMissingEntityKey indicates a broker payload without an entity key.
// Records without a key cannot be deduplicated or persisted.
var ErrMissingEntityKey = errors.New("missing entity key")
