package versions

import "gitlab.com/tozd/go/errors"

var (
	ErrChangesetNotFound      = errors.Base("changeset not found")
	ErrChangesetRequired      = errors.Base("changeset required")
	ErrChangesetNotNew        = errors.Base("changeset not new")
	ErrFileVersionNotFound    = errors.Base("file version not found")
	ErrCommitFailed           = errors.Base("commit failed")
	ErrRootListingUnsupported = errors.Base("listing without a changeset is not supported")
)
