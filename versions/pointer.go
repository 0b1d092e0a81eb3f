package versions

import (
	"context"

	"github.com/jackc/pgx/v5"
	"gitlab.com/tozd/go/errors"

	internal "gitlab.com/titanfs/titanfs/internal/store"
)

// Pointer names the staging changeset whose versioned copy is the current
// revision of a path. Absence of a pointer means no committed revision of
// the path currently exists.
//
// All pointers live in one table so a commit updates pointers for all its
// paths atomically.
type Pointer struct {
	Path         string `json:"path"`
	ChangesetNum int64  `json:"changesetNum"`
}

// VersionedPath returns the stored location of the current revision.
func (p Pointer) VersionedPath() string {
	return MakeVersionedPath(p.Path, p.ChangesetNum)
}

func (s *Service) pointersTx(ctx context.Context, tx pgx.Tx, paths []string) (map[string]Pointer, errors.E) {
	result := map[string]Pointer{}
	rows, err := tx.Query(ctx, `SELECT "path", "changesetNum" FROM "filePointers" WHERE "path"=ANY($1)`, paths)
	if err != nil {
		return nil, internal.WithPgxError(err)
	}
	var pointer Pointer
	_, err = pgx.ForEachRow(rows, []any{&pointer.Path, &pointer.ChangesetNum}, func() error {
		result[pointer.Path] = pointer
		return nil
	})
	if err != nil {
		return nil, internal.WithPgxError(err)
	}
	return result, nil
}

// Pointers returns current pointers for the given paths, keyed by path.
// Paths without a committed revision are absent from the result.
func (s *Service) Pointers(ctx context.Context, paths []string) (map[string]Pointer, errors.E) {
	var result map[string]Pointer
	errE := internal.RetryTransaction(ctx, s.dbpool, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		var errE errors.E
		result, errE = s.pointersTx(ctx, tx, paths)
		return errE
	})
	return result, errE
}

// Pointer returns the current pointer for the path, or nil if the path has
// no committed revision.
func (s *Service) Pointer(ctx context.Context, path string) (*Pointer, errors.E) {
	pointers, errE := s.Pointers(ctx, []string{path})
	if errE != nil {
		return nil, errE
	}
	if pointer, ok := pointers[path]; ok {
		return &pointer, nil
	}
	return nil, nil //nolint:nilnil
}
