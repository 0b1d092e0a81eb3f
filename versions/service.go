// Package versions provides the version-control engine: atomic commits of
// groups of files, per-path revision history, and transparent interception
// of the primitive file operations.
//
// Clients write into a staging changeset whose file copies live under
// versioned paths. Commit atomically flips per-path pointers to the staged
// copies and records a FileVersion row per affected path. The staged copies
// are never moved: the staging changeset's layout becomes the permanent
// archive, which keeps commit cost proportional to the number of changed
// paths and independent of file content size.
package versions

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/sergi/go-diff/diffmatchpatch"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/titanfs/titanfs/counter"
	"gitlab.com/titanfs/titanfs/files"
	internal "gitlab.com/titanfs/titanfs/internal/store"
)

// ServiceName is the name under which the versioning hooks register.
const ServiceName = "versions"

const changesetCounterName = "num_changesets"

// Service is the version-control service.
type Service struct {
	// Files is the file service whose operations are versioned.
	Files *files.Service

	// Counter allocates changeset numbers.
	Counter *counter.Counter

	dbpool *pgxpool.Pool
}

// Init initializes the Service.
//
// It creates the PostgreSQL objects used by the service if they do not
// yet exist. Call Register afterwards to attach the versioning hooks.
func (s *Service) Init(ctx context.Context, dbpool *pgxpool.Pool) errors.E {
	if s.dbpool != nil {
		return errors.New("already initialized")
	}

	errE := internal.RetryTransaction(ctx, dbpool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		// TODO: Use schema management/migration instead.
		_, err := tx.Exec(ctx, `
			-- "changesets" table contains one row per allocated changeset.
			-- Rows are never removed, tombstones included.
			CREATE TABLE IF NOT EXISTS "changesets" (
				"num" bigint NOT NULL,
				"status" text NOT NULL,
				"created" timestamptz NOT NULL,
				"createdBy" text NOT NULL,
				-- Symmetric link between a staging changeset and the final
				-- changeset it was submitted as.
				"linkedChangesetNum" bigint,
				PRIMARY KEY ("num")
			);

			-- "fileVersions" table contains one row per path affected in a
			-- submitted changeset. Rows are immutable.
			-- NOTE: Keep this table as lightweight as possible. Anything added
			-- here increases the time Commit takes and decreases the number of
			-- files which can be committed at once.
			CREATE TABLE IF NOT EXISTS "fileVersions" (
				"changesetNum" bigint NOT NULL,
				"path" text STORAGE PLAIN COLLATE "C" NOT NULL,
				"changesetCreatedBy" text NOT NULL,
				"created" timestamptz NOT NULL,
				"status" text NOT NULL,
				PRIMARY KEY ("changesetNum", "path")
			);
			CREATE INDEX IF NOT EXISTS "fileVersionsPathIndex" ON "fileVersions" USING btree ("path", "created" DESC);

			-- "filePointers" table contains the current revision pointer per
			-- path. All pointers are updated in the commit transaction, so a
			-- set of files moves to new versions atomically.
			-- NOTE: Keep this table as lightweight as possible, see above.
			CREATE TABLE IF NOT EXISTS "filePointers" (
				"path" text STORAGE PLAIN COLLATE "C" NOT NULL,
				"changesetNum" bigint NOT NULL,
				PRIMARY KEY ("path")
			);
		`)
		if err != nil {
			return internal.WithPgxError(err)
		}
		return nil
	})
	if errE != nil {
		return errE
	}

	s.dbpool = dbpool

	return nil
}

func (s *Service) newChangeset(ctx context.Context, status ChangesetStatus, createdBy string) (*Changeset, errors.E) {
	num, errE := s.Counter.Increment(ctx, changesetCounterName)
	if errE != nil {
		return nil, errE
	}

	record := ChangesetInfo{ //nolint:exhaustruct
		Num:       num,
		Status:    status,
		Created:   time.Now().UTC(),
		CreatedBy: createdBy,
	}
	errE = internal.RetryTransaction(ctx, s.dbpool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		_, err := tx.Exec(ctx, `
			INSERT INTO "changesets" VALUES ($1, $2, $3, $4, NULL)
		`, record.Num, record.Status, record.Created, record.CreatedBy)
		if err != nil {
			return internal.WithPgxError(err)
		}
		return nil
	})
	if errE != nil {
		errors.Details(errE)["changeset"] = num
		return nil, errE
	}

	changeset := s.Changeset(num)
	changeset.record = &record
	return changeset, nil
}

// NewStagingChangeset allocates a new staging changeset with a unique number.
func (s *Service) NewStagingChangeset(ctx context.Context, createdBy string) (*Changeset, errors.E) {
	return s.newChangeset(ctx, ChangesetNew, createdBy)
}

// GetLastSubmittedChangeset returns the last submitted changeset.
// It fails with ErrChangesetNotFound when nothing has been submitted yet.
func (s *Service) GetLastSubmittedChangeset(ctx context.Context) (*Changeset, errors.E) {
	var num int64
	errE := internal.RetryTransaction(ctx, s.dbpool, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		err := tx.QueryRow(ctx, `
			SELECT "num" FROM "changesets" WHERE "status"=$1 ORDER BY "num" DESC LIMIT 1
		`, ChangesetSubmitted).Scan(&num)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.WrapWith(internal.WithPgxError(err), ErrChangesetNotFound)
		} else if err != nil {
			return internal.WithPgxError(err)
		}
		return nil
	})
	if errE != nil {
		return nil, errE
	}
	return s.Changeset(num), nil
}

// ListFilesInChangeset returns the changeset's file copies keyed by their
// plain (non-versioned) paths.
//
// For a submitted changeset the files are listed under the linked staging
// changeset's number, since staged copies are never moved on commit.
func (s *Service) ListFilesInChangeset(ctx context.Context, changeset *Changeset) (map[string]*files.File, errors.E) {
	info, errE := changeset.Info(ctx)
	if errE != nil {
		return nil, errE
	}

	listChangeset := changeset
	if info.Status == ChangesetSubmitted {
		listChangeset, errE = changeset.LinkedChangeset(ctx)
		if errE != nil {
			return nil, errE
		}
	}

	listing, errE := s.Files.ListFiles(ctx, files.ListFilesArgs{ //nolint:exhaustruct
		DirPath:   "/",
		Recursive: true,
		Changeset: listChangeset,
	})
	if errE != nil {
		return nil, errE
	}

	result := map[string]*files.File{}
	for _, file := range listing {
		result[file.Path] = file
	}
	return result, nil
}

// Commit commits the staging changeset and returns the final changeset.
//
// When the client has associated the full manifest of written paths (see
// Changeset.AssociateFile) the staged files are enumerated with a
// strongly-consistent multi-get keyed on the manifest. Otherwise a listing
// query is used.
//
// The final changeset number is allocated before the commit transaction.
// If the transaction fails the final changeset stays behind as a pre-submit
// tombstone; retrying commits under a new number. Partial pointer updates
// are never observable.
func (s *Service) Commit(ctx context.Context, staging *Changeset) (*Changeset, errors.E) {
	var staged map[string]*files.File
	var errE errors.E
	if manifest := staging.finalizedManifest(); manifest != nil {
		staged, errE = s.Files.Get(ctx, files.GetArgs{ //nolint:exhaustruct
			Paths:     manifest,
			Changeset: staging,
		})
		if errE != nil {
			return nil, errE
		}
		for _, p := range manifest {
			if staged[p] == nil {
				errE = errors.WithStack(ErrCommitFailed)
				errors.Details(errE)["changeset"] = staging.Num()
				errors.Details(errE)["path"] = p
				errors.Details(errE)["reason"] = "associated file missing"
				return nil, errE
			}
		}
	} else {
		staged, errE = s.ListFilesInChangeset(ctx, staging)
		if errE != nil {
			return nil, errE
		}
	}
	if len(staged) == 0 {
		errE = errors.WithStack(ErrCommitFailed)
		errors.Details(errE)["changeset"] = staging.Num()
		errors.Details(errE)["reason"] = "no file changes"
		return nil, errE
	}

	status, errE := staging.Status(ctx)
	if errE != nil {
		return nil, errE
	}
	if status != ChangesetNew {
		errE = errors.WithStack(ErrCommitFailed)
		errors.Details(errE)["changeset"] = staging.Num()
		errors.Details(errE)["status"] = string(status)
		return nil, errE
	}

	stagingInfo, errE := staging.Info(ctx)
	if errE != nil {
		return nil, errE
	}

	// The final changeset number is allocated outside of the commit
	// transaction. A crash between here and the transaction leaks the
	// number as a pre-submit tombstone, which is acceptable.
	final, errE := s.newChangeset(ctx, ChangesetPreSubmit, stagingInfo.CreatedBy)
	if errE != nil {
		return nil, errE
	}

	paths := slices.Sorted(maps.Keys(staged))

	zerolog.Ctx(ctx).Info().
		Int64("staging", staging.Num()).
		Int64("final", final.Num()).
		Int("files", len(paths)).
		Msg("committing changeset")

	now := time.Now().UTC()
	errE = internal.RetryTransaction(ctx, s.dbpool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		// Re-verify inside the transaction so concurrent commits of the
		// same staging changeset linearize: the loser sees the status flip.
		var currentStatus ChangesetStatus
		err := tx.QueryRow(ctx, `SELECT "status" FROM "changesets" WHERE "num"=$1`, staging.Num()).Scan(&currentStatus)
		if err != nil {
			return internal.WithPgxError(err)
		}
		if currentStatus != ChangesetNew {
			errE := errors.WithStack(ErrCommitFailed) //nolint:govet
			errors.Details(errE)["status"] = string(currentStatus)
			return errE
		}

		pointers, errE := s.pointersTx(ctx, tx, paths)
		if errE != nil {
			return errE
		}

		batch := &pgx.Batch{}
		batch.Queue(`
			UPDATE "changesets" SET "status"=$2, "linkedChangesetNum"=$3 WHERE "num"=$1
		`, staging.Num(), ChangesetDeletedBySubmit, final.Num())
		batch.Queue(`
			UPDATE "changesets" SET "status"=$2, "linkedChangesetNum"=$3 WHERE "num"=$1
		`, final.Num(), ChangesetSubmitted, staging.Num())

		for _, p := range paths {
			file := staged[p]

			status := FileStatus(file.Status())
			_, hasPointer := pointers[p]
			if status != FileDeleted {
				if hasPointer {
					status = FileEdited
				} else {
					status = FileCreated
				}
			}

			batch.Queue(`
				INSERT INTO "fileVersions" VALUES ($1, $2, $3, $4, $5)
			`, final.Num(), p, stagingInfo.CreatedBy, now, status)

			if status == FileDeleted {
				if hasPointer {
					batch.Queue(`DELETE FROM "filePointers" WHERE "path"=$1`, p)
				}
			} else {
				// Important: the pointer references the staging changeset
				// number, since staged copies are not moved on commit.
				batch.Queue(`
					INSERT INTO "filePointers" VALUES ($1, $2)
						ON CONFLICT ("path") DO UPDATE
							SET "changesetNum"=EXCLUDED."changesetNum"
				`, p, staging.Num())
			}
		}

		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			_, err := results.Exec() //nolint:govet
			if err != nil {
				_ = results.Close()
				return internal.WithPgxError(err)
			}
		}
		err = results.Close()
		if err != nil {
			return internal.WithPgxError(err)
		}
		return nil
	})
	if errE != nil {
		if !errors.Is(errE, ErrCommitFailed) {
			errE = errors.WrapWith(errE, ErrCommitFailed)
		}
		errors.Details(errE)["staging"] = staging.Num()
		errors.Details(errE)["final"] = final.Num()
		return nil, errE
	}

	staging.invalidate()
	final.invalidate()

	zerolog.Ctx(ctx).Info().
		Int64("staging", staging.Num()).
		Int64("final", final.Num()).
		Msg("committed changeset")

	return final, nil
}

// GenerateDiff returns the textual diff between two revisions' contents.
func (s *Service) GenerateDiff(ctx context.Context, before, after FileVersion) ([]diffmatchpatch.Diff, errors.E) {
	contents := make([]string, 2) //nolint:mnd
	for i, version := range []FileVersion{before, after} {
		changeset := s.Changeset(version.ChangesetNum)
		linked, errE := changeset.LinkedChangeset(ctx)
		if errE != nil {
			return nil, errE
		}
		file, errE := s.Files.GetOne(ctx, version.Path, linked)
		if errE != nil {
			return nil, errE
		}
		if file == nil {
			errE = errors.WithStack(ErrFileVersionNotFound)
			errors.Details(errE)["changeset"] = version.ChangesetNum
			errors.Details(errE)["path"] = version.Path
			return nil, errE
		}
		contents[i] = string(file.Content)
	}

	differ := diffmatchpatch.New()
	return differ.DiffMain(contents[0], contents[1], true), nil
}
