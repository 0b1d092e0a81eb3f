package files

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/identifier"

	internal "gitlab.com/titanfs/titanfs/internal/store"
)

// NewBlob creates a new blob and returns its reference.
// The blob accepts appended chunks until it is finalized.
func (s *Store) NewBlob(ctx context.Context) (identifier.Identifier, errors.E) {
	id := identifier.New()
	now := time.Now().UTC()
	errE := internal.RetryTransaction(ctx, s.dbpool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		_, err := tx.Exec(ctx, `INSERT INTO "blobs" VALUES ($1, ''::bytea, 0, '', false, $2)`, id.String(), now)
		if err != nil {
			return internal.WithPgxError(err)
		}
		return nil
	})
	if errE != nil {
		return identifier.Identifier{}, errE
	}
	return id, nil
}

// AppendBlob appends chunk to a non-finalized blob.
func (s *Store) AppendBlob(ctx context.Context, blob identifier.Identifier, chunk []byte) errors.E {
	errE := internal.RetryTransaction(ctx, s.dbpool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		res, err := tx.Exec(ctx, `UPDATE "blobs" SET "data"="data" || $2 WHERE "blob"=$1 AND NOT "finalized"`, blob.String(), chunk)
		if err != nil {
			return internal.WithPgxError(err)
		}
		if res.RowsAffected() == 0 {
			var finalized bool
			err := tx.QueryRow(ctx, `SELECT "finalized" FROM "blobs" WHERE "blob"=$1`, blob.String()).Scan(&finalized) //nolint:govet
			if errors.Is(err, pgx.ErrNoRows) {
				return errors.WrapWith(internal.WithPgxError(err), ErrBlobNotFound)
			} else if err != nil {
				return internal.WithPgxError(err)
			}
			return errors.WithStack(ErrBlobFinalized)
		}
		return nil
	})
	if errE != nil {
		errors.Details(errE)["blob"] = blob.String()
	}
	return errE
}

// FinalizeBlob marks the blob immutable and returns its size and MD5.
// Only finalized blobs can be referenced by file writes.
func (s *Store) FinalizeBlob(ctx context.Context, blob identifier.Identifier) (int64, string, errors.E) {
	var size int64
	var blobMD5 string
	errE := internal.RetryTransaction(ctx, s.dbpool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		err := tx.QueryRow(ctx, `
			UPDATE "blobs" SET "finalized"=true, "size"=octet_length("data"), "md5"=md5("data")
				WHERE "blob"=$1
				RETURNING "size", "md5"
		`, blob.String()).Scan(&size, &blobMD5)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.WrapWith(internal.WithPgxError(err), ErrBlobNotFound)
		} else if err != nil {
			return internal.WithPgxError(err)
		}
		return nil
	})
	if errE != nil {
		errors.Details(errE)["blob"] = blob.String()
		return 0, "", errE
	}
	return size, blobMD5, nil
}
