package files

import (
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/identifier"

	internal "gitlab.com/titanfs/titanfs/internal/store"
)

// Store is the primitive file store over PostgreSQL.
//
// It operates on plain paths only and knows nothing about versioning;
// layering happens in Service through the hook pipeline.
type Store struct {
	dbpool *pgxpool.Pool
}

// Init initializes the Store.
//
// It creates the PostgreSQL objects used by the store if they do not yet exist.
func (s *Store) Init(ctx context.Context, dbpool *pgxpool.Pool) errors.E {
	if s.dbpool != nil {
		return errors.New("already initialized")
	}

	errE := internal.RetryTransaction(ctx, dbpool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		// TODO: Use schema management/migration instead.
		_, err := tx.Exec(ctx, `
			-- "files" table contains one row per file path.
			CREATE TABLE IF NOT EXISTS "files" (
				"path" text STORAGE PLAIN COLLATE "C" NOT NULL,
				-- Inline content. NULL when content is stored as a blob.
				"content" bytea,
				-- Reference into the "blobs" table. NULL for inline content.
				"blob" text COLLATE "C",
				"meta" jsonb NOT NULL,
				"created" timestamptz NOT NULL,
				"modified" timestamptz NOT NULL,
				"createdBy" text NOT NULL,
				"modifiedBy" text NOT NULL,
				"size" bigint NOT NULL,
				"md5" text NOT NULL,
				PRIMARY KEY ("path")
			);

			-- "blobs" table contains out-of-band file contents. Blobs referenced
			-- by any file or by any historical file version are never removed.
			CREATE TABLE IF NOT EXISTS "blobs" (
				"blob" text STORAGE PLAIN COLLATE "C" NOT NULL,
				"data" bytea NOT NULL,
				"size" bigint NOT NULL,
				"md5" text NOT NULL,
				"finalized" boolean NOT NULL,
				"created" timestamptz NOT NULL,
				PRIMARY KEY ("blob")
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

func contentMD5(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

const fileColumns = `f."path", f."content", f."blob", b."data", f."meta", f."created", f."modified", f."createdBy", f."modifiedBy", f."size", f."md5"`

func forEachFileRow(rows pgx.Rows, fn func(file *File) error) errors.E {
	var p string
	var content, blobData []byte
	var blob *string
	var meta map[string]any
	var created, modified time.Time
	var createdBy, modifiedBy string
	var size int64
	var md5sum string
	_, err := pgx.ForEachRow(rows, []any{&p, &content, &blob, &blobData, &meta, &created, &modified, &createdBy, &modifiedBy, &size, &md5sum}, func() error {
		file := &File{ //nolint:exhaustruct
			Path:       p,
			Content:    content,
			Meta:       meta,
			Created:    created,
			Modified:   modified,
			CreatedBy:  createdBy,
			ModifiedBy: modifiedBy,
			Size:       size,
			MD5:        md5sum,
		}
		if blob != nil {
			id, errE := identifier.FromString(*blob)
			if errE != nil {
				return errE
			}
			file.Blob = &id
			file.Content = blobData
		}
		if file.Meta == nil {
			file.Meta = map[string]any{}
		}
		return fn(file)
	})
	if err != nil {
		return internal.WithPgxError(err)
	}
	return nil
}

func (s *Store) getTx(ctx context.Context, tx pgx.Tx, paths []string) (map[string]*File, errors.E) {
	result := map[string]*File{}
	rows, err := tx.Query(ctx, `
		SELECT `+fileColumns+`
			FROM "files" AS f LEFT JOIN "blobs" AS b ON (f."blob"=b."blob")
			WHERE f."path"=ANY($1)
	`, paths)
	if err != nil {
		return nil, internal.WithPgxError(err)
	}
	errE := forEachFileRow(rows, func(file *File) error {
		result[file.Path] = file
		return nil
	})
	if errE != nil {
		return nil, errE
	}
	return result, nil
}

// Get returns files for the given paths, keyed by path.
// Unknown paths are absent from the result.
func (s *Store) Get(ctx context.Context, paths []string) (map[string]*File, errors.E) {
	var result map[string]*File
	errE := internal.RetryTransaction(ctx, s.dbpool, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		var errE errors.E
		result, errE = s.getTx(ctx, tx, paths)
		return errE
	})
	return result, errE
}

// Exists returns true if a file exists at the given path.
func (s *Store) Exists(ctx context.Context, path string) (bool, errors.E) {
	var exists bool
	errE := internal.RetryTransaction(ctx, s.dbpool, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM "files" WHERE "path"=$1)`, path).Scan(&exists)
		if err != nil {
			return internal.WithPgxError(err)
		}
		return nil
	})
	return exists, errE
}

// Write creates or updates the file at args.Path.
//
// Content, blob reference, and metadata are applied partially: absent fields
// leave the stored values unchanged, and metadata keys are merged into the
// existing metadata. A write with args.Delete set forces empty content and
// clears the blob reference.
func (s *Store) Write(ctx context.Context, args WriteArgs) (*File, errors.E) { //nolint:maintidx
	if args.Blob == nil && len(args.Content) > MaxContentSize {
		errE := errors.WithStack(ErrContentTooLarge)
		errors.Details(errE)["path"] = args.Path
		errors.Details(errE)["size"] = len(args.Content)
		return nil, errE
	}

	now := time.Now().UTC()
	var file *File
	errE := internal.RetryTransaction(ctx, s.dbpool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		existing, errE := s.getTx(ctx, tx, []string{args.Path})
		if errE != nil {
			return errE
		}

		f := existing[args.Path]
		if f == nil {
			f = &File{ //nolint:exhaustruct
				Path:      args.Path,
				Meta:      map[string]any{},
				Created:   now,
				CreatedBy: args.ModifiedBy,
			}
		}
		f.Modified = now
		f.ModifiedBy = args.ModifiedBy

		var contentValue any
		var blobValue any
		switch {
		case args.Delete:
			f.Blob = nil
			f.Content = []byte{}
			f.Size = 0
			f.MD5 = contentMD5(nil)
			contentValue = []byte{}
		case args.Blob != nil:
			var size int64
			var blobMD5 string
			var finalized bool
			err := tx.QueryRow(ctx, `SELECT "size", "md5", "finalized" FROM "blobs" WHERE "blob"=$1`, args.Blob.String()).Scan(&size, &blobMD5, &finalized)
			if errors.Is(err, pgx.ErrNoRows) {
				errE := errors.WrapWith(internal.WithPgxError(err), ErrBlobNotFound) //nolint:govet
				errors.Details(errE)["blob"] = args.Blob.String()
				return errE
			} else if err != nil {
				return internal.WithPgxError(err)
			}
			if !finalized {
				errE := errors.WithStack(ErrBlobNotFinalized) //nolint:govet
				errors.Details(errE)["blob"] = args.Blob.String()
				return errE
			}
			f.Blob = args.Blob
			f.Size = size
			f.MD5 = blobMD5
			blobValue = args.Blob.String()
		case args.Content != nil:
			f.Blob = nil
			f.Content = args.Content
			f.Size = int64(len(args.Content))
			f.MD5 = contentMD5(args.Content)
			contentValue = args.Content
		default:
			// Metadata-only write. Keep the stored content or blob.
			if f.Blob != nil {
				blobValue = f.Blob.String()
			} else {
				if f.Content == nil {
					f.Content = []byte{}
					f.Size = 0
					f.MD5 = contentMD5(nil)
				}
				contentValue = f.Content
			}
		}

		for key, value := range args.Meta {
			f.Meta[key] = value
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO "files" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT ("path") DO UPDATE
					SET "content"=EXCLUDED."content", "blob"=EXCLUDED."blob", "meta"=EXCLUDED."meta",
						"modified"=EXCLUDED."modified", "modifiedBy"=EXCLUDED."modifiedBy",
						"size"=EXCLUDED."size", "md5"=EXCLUDED."md5"
		`, f.Path, contentValue, blobValue, f.Meta, f.Created, f.Modified, f.CreatedBy, f.ModifiedBy, f.Size, f.MD5)
		if err != nil {
			return internal.WithPgxError(err)
		}

		// Reread so that blob-backed files return materialized content.
		written, errE := s.getTx(ctx, tx, []string{args.Path})
		if errE != nil {
			return errE
		}
		file = written[args.Path]
		return nil
	})
	if errE != nil {
		errors.Details(errE)["path"] = args.Path
		return nil, errE
	}
	return file, nil
}

// Touch creates empty files for paths which do not exist and updates the
// modification time and metadata of those which do.
func (s *Store) Touch(ctx context.Context, args TouchArgs) ([]*File, errors.E) {
	result := make([]*File, 0, len(args.Paths))
	for _, p := range args.Paths {
		file, errE := s.Write(ctx, WriteArgs{ //nolint:exhaustruct
			Path:       p,
			Meta:       args.Meta,
			ModifiedBy: args.ModifiedBy,
		})
		if errE != nil {
			return nil, errE
		}
		result = append(result, file)
	}
	return result, nil
}

// Delete removes files at the given paths.
// It fails with ErrFileNotFound if any path does not exist.
// Blobs referenced by deleted files are not removed.
func (s *Store) Delete(ctx context.Context, args DeleteArgs) errors.E {
	errE := internal.RetryTransaction(ctx, s.dbpool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		existing, errE := s.getTx(ctx, tx, args.Paths)
		if errE != nil {
			return errE
		}
		for _, p := range args.Paths {
			if existing[p] == nil {
				errE := errors.WithStack(ErrFileNotFound) //nolint:govet
				errors.Details(errE)["path"] = p
				return errE
			}
		}
		_, err := tx.Exec(ctx, `DELETE FROM "files" WHERE "path"=ANY($1)`, args.Paths)
		if err != nil {
			return internal.WithPgxError(err)
		}
		return nil
	})
	return errE
}

// Copy copies the file record at args.SourcePath to args.DestinationPath
// verbatim: content, blob reference, metadata, and timestamps.
func (s *Store) Copy(ctx context.Context, args CopyArgs) errors.E {
	errE := internal.RetryTransaction(ctx, s.dbpool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		var exists bool
		err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM "files" WHERE "path"=$1)`, args.SourcePath).Scan(&exists)
		if err != nil {
			return internal.WithPgxError(err)
		}
		if !exists {
			errE := errors.WithStack(ErrFileNotFound) //nolint:govet
			errors.Details(errE)["path"] = args.SourcePath
			return errE
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO "files"
				SELECT $2, "content", "blob", "meta", "created", "modified", "createdBy", "modifiedBy", "size", "md5"
					FROM "files" WHERE "path"=$1
				ON CONFLICT ("path") DO UPDATE
					SET "content"=EXCLUDED."content", "blob"=EXCLUDED."blob", "meta"=EXCLUDED."meta",
						"created"=EXCLUDED."created", "modified"=EXCLUDED."modified",
						"createdBy"=EXCLUDED."createdBy", "modifiedBy"=EXCLUDED."modifiedBy",
						"size"=EXCLUDED."size", "md5"=EXCLUDED."md5"
		`, args.SourcePath, args.DestinationPath)
		if err != nil {
			return internal.WithPgxError(err)
		}
		return nil
	})
	if errE != nil {
		errors.Details(errE)["sourcePath"] = args.SourcePath
		errors.Details(errE)["destinationPath"] = args.DestinationPath
	}
	return errE
}

// ListFiles returns files under args.DirPath ordered by path.
// With args.Recursive set it descends into subdirectories.
func (s *Store) ListFiles(ctx context.Context, args ListFilesArgs) ([]*File, errors.E) {
	prefix := args.DirPath
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var result []*File
	errE := internal.RetryTransaction(ctx, s.dbpool, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		// Initialize in the case transaction is retried.
		result = nil

		rows, err := tx.Query(ctx, `
			SELECT `+fileColumns+`
				FROM "files" AS f LEFT JOIN "blobs" AS b ON (f."blob"=b."blob")
				WHERE left(f."path", length($1))=$1
				ORDER BY f."path"
		`, prefix)
		if err != nil {
			return internal.WithPgxError(err)
		}
		return forEachFileRow(rows, func(file *File) error {
			if !args.Recursive && strings.Contains(file.Path[len(prefix):], "/") {
				return nil
			}
			result = append(result, file)
			return nil
		})
	})
	if errE != nil {
		errors.Details(errE)["dirPath"] = args.DirPath
		return nil, errE
	}
	return result, nil
}
