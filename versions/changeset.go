package versions

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"gitlab.com/tozd/go/errors"

	internal "gitlab.com/titanfs/titanfs/internal/store"
)

// ChangesetStatus is a lifecycle status of a changeset.
type ChangesetStatus string

const (
	// ChangesetNew is a staging changeset accepting writes.
	ChangesetNew ChangesetStatus = "new"
	// ChangesetPreSubmit is a final changeset whose commit transaction has
	// not (yet) completed. It stays behind as a tombstone if the commit fails.
	ChangesetPreSubmit ChangesetStatus = "pre-submit"
	// ChangesetSubmitted is a committed final changeset.
	ChangesetSubmitted ChangesetStatus = "submitted"
	// ChangesetDeleted is a manually deleted changeset.
	ChangesetDeleted ChangesetStatus = "deleted"
	// ChangesetDeletedBySubmit is a staging changeset whose sibling final
	// changeset has been submitted.
	ChangesetDeletedBySubmit ChangesetStatus = "deleted-by-submit"
)

// ChangesetInfo is the persisted record of a changeset.
type ChangesetInfo struct {
	Num                int64           `json:"num"`
	Status             ChangesetStatus `json:"status"`
	Created            time.Time       `json:"created"`
	CreatedBy          string          `json:"createdBy,omitempty"`
	LinkedChangesetNum *int64          `json:"linkedChangesetNum,omitempty"`
}

// Changeset is a handle on a unit of consistency over a group of files.
//
// The handle is lazy: it knows its number and hydrates the persisted record
// on first use. Info fails with ErrChangesetNotFound when no record exists.
type Changeset struct {
	num     int64
	service *Service

	mu        sync.Mutex
	record    *ChangesetInfo
	manifest  []string
	finalized bool
}

// Changeset returns a lazy handle on the changeset with the given number.
func (s *Service) Changeset(num int64) *Changeset {
	return &Changeset{ //nolint:exhaustruct
		num:     num,
		service: s,
	}
}

// Num returns the changeset number.
func (c *Changeset) Num() int64 {
	return c.num
}

// Info returns the persisted changeset record, loading it on first use.
func (c *Changeset) Info(ctx context.Context) (ChangesetInfo, errors.E) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record != nil {
		return *c.record, nil
	}

	var record ChangesetInfo
	errE := internal.RetryTransaction(ctx, c.service.dbpool, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		err := tx.QueryRow(ctx, `
			SELECT "status", "created", "createdBy", "linkedChangesetNum" FROM "changesets" WHERE "num"=$1
		`, c.num).Scan(&record.Status, &record.Created, &record.CreatedBy, &record.LinkedChangesetNum)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.WrapWith(internal.WithPgxError(err), ErrChangesetNotFound)
		} else if err != nil {
			return internal.WithPgxError(err)
		}
		record.Num = c.num
		return nil
	})
	if errE != nil {
		errors.Details(errE)["changeset"] = c.num
		return ChangesetInfo{}, errE //nolint:exhaustruct
	}
	c.record = &record
	return record, nil
}

// Status returns the changeset's lifecycle status.
func (c *Changeset) Status(ctx context.Context) (ChangesetStatus, errors.E) {
	info, errE := c.Info(ctx)
	if errE != nil {
		return "", errE
	}
	return info.Status, nil
}

// LinkedChangeset returns the sibling changeset: for a submitted final
// changeset the staging changeset it was committed from, and the other
// way around.
func (c *Changeset) LinkedChangeset(ctx context.Context) (*Changeset, errors.E) {
	info, errE := c.Info(ctx)
	if errE != nil {
		return nil, errE
	}
	if info.LinkedChangesetNum == nil {
		errE := errors.WithStack(ErrChangesetNotFound)
		errors.Details(errE)["changeset"] = c.num
		return nil, errE
	}
	return c.service.Changeset(*info.LinkedChangesetNum), nil
}

// AssociateFile records that path has been written to this staging changeset.
//
// Clients which maintain the full manifest of written paths associate them
// and call FinalizeAssociatedFiles before Commit, making the commit
// enumeration a strongly-consistent multi-get keyed on the manifest instead
// of a query.
func (c *Changeset) AssociateFile(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.manifest, path) {
		c.manifest = append(c.manifest, path)
	}
}

// FinalizeAssociatedFiles marks the associated manifest complete.
// It fails if no files were associated.
func (c *Changeset) FinalizeAssociatedFiles() errors.E {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.manifest) == 0 {
		errE := errors.WithStack(ErrCommitFailed)
		errors.Details(errE)["changeset"] = c.num
		errors.Details(errE)["reason"] = "no associated files"
		return errE
	}
	c.finalized = true
	return nil
}

func (c *Changeset) finalizedManifest() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finalized {
		return nil
	}
	return slices.Clone(c.manifest)
}

// invalidate drops the cached record so the next Info reloads it.
func (c *Changeset) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record = nil
}
