// Package files provides the primitive file store: content and metadata
// records addressed by absolute slash-separated paths, with large contents
// stored out-of-band as blobs.
//
// Every operation runs through a hook pipeline (see Registry) which registered
// services use to rewrite arguments and results. This makes layers like
// versioning transparent to callers.
package files

import (
	"path"
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/identifier"
)

// MaxContentSize is the largest content which can be written inline.
// Larger payloads have to be uploaded as blobs first.
const MaxContentSize = 1 << 20

// MetaStatus is the metadata key under which services record a file's status.
// The value is advisory. Revision history is the authoritative record.
const MetaStatus = "status"

// File is a stored file record.
//
// A file obtained through a versioning service reports the user-visible path
// in Path and the stored location in VersionedPath. For files read directly
// from the root tree VersionedPath is empty.
type File struct {
	Path          string                 `json:"path"`
	VersionedPath string                 `json:"versionedPath,omitempty"`
	Content       []byte                 `json:"content,omitempty"`
	Blob          *identifier.Identifier `json:"blob,omitempty"`
	Meta          map[string]any         `json:"meta,omitempty"`
	Created       time.Time              `json:"created"`
	Modified      time.Time              `json:"modified"`
	CreatedBy     string                 `json:"createdBy,omitempty"`
	ModifiedBy    string                 `json:"modifiedBy,omitempty"`
	Size          int64                  `json:"size"`
	MD5           string                 `json:"md5"`
}

// Status returns the file's advisory status from metadata.
func (f *File) Status() string {
	s, _ := f.Meta[MetaStatus].(string)
	return s
}

// ValidatePath verifies that p is an absolute, clean, slash-separated path.
func ValidatePath(p string) errors.E {
	if !strings.HasPrefix(p, "/") {
		errE := errors.WithStack(ErrInvalidPath)
		errors.Details(errE)["path"] = p
		return errE
	}
	if p != "/" && (path.Clean(p) != p || strings.HasSuffix(p, "/")) {
		errE := errors.WithStack(ErrInvalidPath)
		errors.Details(errE)["path"] = p
		return errE
	}
	return nil
}

// ValidatePaths verifies every path in paths.
func ValidatePaths(paths []string) errors.E {
	for _, p := range paths {
		if errE := ValidatePath(p); errE != nil {
			return errE
		}
	}
	return nil
}
