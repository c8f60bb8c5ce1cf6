package manifeststore

import "errors"

// ErrNotFound is returned when a manifest file does not exist on disk and
// isn't cached.
var ErrNotFound = errors.New("manifeststore: manifest not found")

// ErrCorrupt is returned when a manifest file exists but cannot be
// parsed, distinct from ErrNotFound.
var ErrCorrupt = errors.New("manifeststore: manifest corrupt")

// ErrChunkNotFound is returned when a chunk id is outside the manifest's
// dense [0, total_chunks) key range.
var ErrChunkNotFound = errors.New("manifeststore: chunk not found")

// ErrInvalidPriority is returned by Create for an unrecognized priority.
var ErrInvalidPriority = errors.New("manifeststore: invalid priority")
