package versions

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"gitlab.com/tozd/go/errors"

	internal "gitlab.com/titanfs/titanfs/internal/store"
)

// FileStatus is the edit type a commit recorded for a path.
type FileStatus string

const (
	FileCreated FileStatus = "created"
	FileEdited  FileStatus = "edited"
	FileDeleted FileStatus = "deleted"
)

// FileVersion is the revision-history record of a path at a commit.
//
// FileVersions are the canonical source of a file's revision history.
// The status metadata on staged file copies is advisory only.
type FileVersion struct {
	Path               string     `json:"path"`
	ChangesetNum       int64      `json:"changesetNum"`
	ChangesetCreatedBy string     `json:"changesetCreatedBy,omitempty"`
	Created            time.Time  `json:"created"`
	Status             FileStatus `json:"status"`
}

// DefaultFileVersionsLimit is the limit used by GetFileVersions when
// no limit is given.
const DefaultFileVersionsLimit = 1000

// GetFileVersions returns revisions of the path, from latest to earliest.
//
// The order is descending by creation time which, because changeset numbers
// are allocated monotonically and written once per commit, is also descending
// by changeset number.
func (s *Service) GetFileVersions(ctx context.Context, path string, limit int) ([]FileVersion, errors.E) {
	if limit <= 0 {
		limit = DefaultFileVersionsLimit
	}

	var result []FileVersion
	errE := internal.RetryTransaction(ctx, s.dbpool, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		// Initialize in the case transaction is retried.
		result = nil

		rows, err := tx.Query(ctx, `
			SELECT "changesetNum", "changesetCreatedBy", "created", "status"
				FROM "fileVersions"
				WHERE "path"=$1
				ORDER BY "created" DESC, "changesetNum" DESC
				LIMIT $2
		`, path, limit)
		if err != nil {
			return internal.WithPgxError(err)
		}
		var version FileVersion
		_, err = pgx.ForEachRow(rows, []any{&version.ChangesetNum, &version.ChangesetCreatedBy, &version.Created, &version.Status}, func() error {
			version.Path = path
			result = append(result, version)
			return nil
		})
		if err != nil {
			return internal.WithPgxError(err)
		}
		return nil
	})
	if errE != nil {
		errors.Details(errE)["path"] = path
		return nil, errE
	}
	return result, nil
}

// GetFileVersion returns the revision record of the path at the given final
// changeset. It fails with ErrFileVersionNotFound when the commit did not
// touch the path.
func (s *Service) GetFileVersion(ctx context.Context, changesetNum int64, path string) (FileVersion, errors.E) {
	var version FileVersion
	errE := internal.RetryTransaction(ctx, s.dbpool, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		err := tx.QueryRow(ctx, `
			SELECT "changesetCreatedBy", "created", "status"
				FROM "fileVersions"
				WHERE "changesetNum"=$1 AND "path"=$2
		`, changesetNum, path).Scan(&version.ChangesetCreatedBy, &version.Created, &version.Status)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.WrapWith(internal.WithPgxError(err), ErrFileVersionNotFound)
		} else if err != nil {
			return internal.WithPgxError(err)
		}
		version.ChangesetNum = changesetNum
		version.Path = path
		return nil
	})
	if errE != nil {
		errors.Details(errE)["changeset"] = changesetNum
		errors.Details(errE)["path"] = path
		return FileVersion{}, errE //nolint:exhaustruct
	}
	return version, nil
}
