package files

import "gitlab.com/tozd/go/errors"

var (
	ErrFileNotFound     = errors.Base("file not found")
	ErrBlobNotFound     = errors.Base("blob not found")
	ErrBlobNotFinalized = errors.Base("blob not finalized")
	ErrBlobFinalized    = errors.Base("blob already finalized")
	ErrInvalidPath      = errors.Base("invalid path")
	ErrContentTooLarge  = errors.Base("content too large")
)
