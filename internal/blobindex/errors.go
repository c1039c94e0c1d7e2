package blobindex

import "github.com/coldvault/coldvault/internal/errors"

// ErrDuplicateBlob is returned by AddToPackfile when the given blob
// hash has already been queued for writing, in this or an earlier
// packfile within the same session.
var ErrDuplicateBlob = errors.New("blobindex: duplicate blob")
