package files_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/identifier"

	"gitlab.com/titanfs/titanfs/files"
	internal "gitlab.com/titanfs/titanfs/internal/store"
)

func initService(t *testing.T) (context.Context, *files.Service) {
	t.Helper()

	if os.Getenv("POSTGRES") == "" {
		t.Skip("POSTGRES is not available")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
	ctx = logger.WithContext(ctx)
	schema := identifier.New().String()

	dbpool, errE := internal.InitPostgres(ctx, os.Getenv("POSTGRES"), logger, func(context.Context) (string, string) {
		return schema, "tests"
	})
	require.NoError(t, errE, "% -+#.1v", errE)

	errE = internal.RetryTransaction(ctx, dbpool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		return internal.EnsureSchema(ctx, tx, schema)
	})
	require.NoError(t, errE, "% -+#.1v", errE)

	store := &files.Store{}
	errE = store.Init(ctx, dbpool)
	require.NoError(t, errE, "% -+#.1v", errE)

	return ctx, files.NewService(store, &files.Registry{})
}

func TestWriteGetExists(t *testing.T) {
	t.Parallel()

	ctx, s := initService(t)

	exists, errE := s.Exists(ctx, files.ExistsArgs{Path: "/foo"}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.False(t, exists)

	file, errE := s.Write(ctx, files.WriteArgs{ //nolint:exhaustruct
		Path:       "/foo",
		Content:    []byte("foo"),
		ModifiedBy: "test@example.com",
	})
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, []byte("foo"), file.Content)
	assert.Equal(t, int64(3), file.Size)
	assert.Equal(t, "acbd18db4cc2f85cedef654fccc4a4d8", file.MD5)
	assert.Equal(t, "test@example.com", file.CreatedBy)

	exists, errE = s.Exists(ctx, files.ExistsArgs{Path: "/foo"}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.True(t, exists)

	got, errE := s.GetOne(ctx, "/foo", nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.NotNil(t, got)
	assert.Equal(t, []byte("foo"), got.Content)

	// Metadata-only write keeps the content and merges metadata.
	_, errE = s.Write(ctx, files.WriteArgs{ //nolint:exhaustruct
		Path: "/foo",
		Meta: map[string]any{"color": "blue"},
	})
	require.NoError(t, errE, "% -+#.1v", errE)

	got, errE = s.GetOne(ctx, "/foo", nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.NotNil(t, got)
	assert.Equal(t, []byte("foo"), got.Content)
	assert.Equal(t, "blue", got.Meta["color"])

	// Unknown paths are absent from multi-get results.
	result, errE := s.Get(ctx, files.GetArgs{Paths: []string{"/foo", "/missing"}}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Len(t, result, 1)
	assert.Contains(t, result, "/foo")
}

func TestValidatePath(t *testing.T) {
	t.Parallel()

	assert.NoError(t, files.ValidatePath("/"))
	assert.NoError(t, files.ValidatePath("/foo/bar"))

	for _, path := range []string{"", "foo", "/foo/", "/foo//bar", "/foo/../bar"} {
		errE := files.ValidatePath(path)
		assert.ErrorIs(t, errE, files.ErrInvalidPath, path)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	ctx, s := initService(t)

	errE := s.Delete(ctx, files.DeleteArgs{Paths: []string{"/foo"}}) //nolint:exhaustruct
	assert.ErrorIs(t, errE, files.ErrFileNotFound)

	_, errE = s.Write(ctx, files.WriteArgs{Path: "/foo", Content: []byte("foo")}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)

	errE = s.Delete(ctx, files.DeleteArgs{Paths: []string{"/foo"}}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)

	exists, errE := s.Exists(ctx, files.ExistsArgs{Path: "/foo"}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.False(t, exists)
}

func TestCopy(t *testing.T) {
	t.Parallel()

	ctx, s := initService(t)

	_, errE := s.Write(ctx, files.WriteArgs{ //nolint:exhaustruct
		Path:    "/foo",
		Content: []byte("foo"),
		Meta:    map[string]any{"color": "blue"},
	})
	require.NoError(t, errE, "% -+#.1v", errE)

	errE = s.Copy(ctx, files.CopyArgs{SourcePath: "/foo", DestinationPath: "/bar"})
	require.NoError(t, errE, "% -+#.1v", errE)

	source, errE := s.GetOne(ctx, "/foo", nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	copied, errE := s.GetOne(ctx, "/bar", nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.NotNil(t, copied)
	assert.Equal(t, source.Content, copied.Content)
	assert.Equal(t, source.Meta, copied.Meta)
	assert.Equal(t, source.Created, copied.Created)

	errE = s.Copy(ctx, files.CopyArgs{SourcePath: "/missing", DestinationPath: "/baz"})
	assert.ErrorIs(t, errE, files.ErrFileNotFound)
}

func TestListFiles(t *testing.T) {
	t.Parallel()

	ctx, s := initService(t)

	for _, path := range []string{"/a", "/dir/b", "/dir/sub/c"} {
		_, errE := s.Write(ctx, files.WriteArgs{Path: path, Content: []byte(path)}) //nolint:exhaustruct
		require.NoError(t, errE, "% -+#.1v", errE)
	}

	listing, errE := s.ListFiles(ctx, files.ListFilesArgs{DirPath: "/", Recursive: true}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)
	paths := []string{}
	for _, file := range listing {
		paths = append(paths, file.Path)
	}
	assert.Equal(t, []string{"/a", "/dir/b", "/dir/sub/c"}, paths)

	listing, errE = s.ListFiles(ctx, files.ListFilesArgs{DirPath: "/dir"}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, listing, 1)
	assert.Equal(t, "/dir/b", listing[0].Path)
}

func TestBlobs(t *testing.T) {
	t.Parallel()

	ctx, s := initService(t)

	blob, errE := s.Store().NewBlob(ctx)
	require.NoError(t, errE, "% -+#.1v", errE)

	// A non-finalized blob cannot be referenced.
	_, errE = s.Write(ctx, files.WriteArgs{Path: "/foo", Blob: &blob}) //nolint:exhaustruct
	assert.ErrorIs(t, errE, files.ErrBlobNotFinalized)

	errE = s.Store().AppendBlob(ctx, blob, []byte("Blob"))
	require.NoError(t, errE, "% -+#.1v", errE)
	errE = s.Store().AppendBlob(ctx, blob, []byte("store!"))
	require.NoError(t, errE, "% -+#.1v", errE)

	size, blobMD5, errE := s.Store().FinalizeBlob(ctx, blob)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, int64(10), size)
	assert.NotEmpty(t, blobMD5)

	errE = s.Store().AppendBlob(ctx, blob, []byte("more"))
	assert.ErrorIs(t, errE, files.ErrBlobFinalized)

	file, errE := s.Write(ctx, files.WriteArgs{Path: "/foo", Blob: &blob}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, []byte("Blobstore!"), file.Content)
	assert.Equal(t, int64(10), file.Size)
	require.NotNil(t, file.Blob)
	assert.Equal(t, blob, *file.Blob)

	got, errE := s.GetOne(ctx, "/foo", nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.NotNil(t, got)
	assert.Equal(t, []byte("Blobstore!"), got.Content)

	_, errE = s.Store().FinalizeBlob(ctx, identifier.New())
	assert.ErrorIs(t, errE, files.ErrBlobNotFound)
}

type testHook struct {
	prefix string
}

func (h *testHook) PreExists(_ context.Context, args *files.ExistsArgs) (*files.Result, errors.E) {
	args.Path = h.prefix + args.Path
	return nil, nil
}

type shortCircuitHook struct{}

func (shortCircuitHook) PreExists(_ context.Context, _ *files.ExistsArgs) (*files.Result, errors.E) {
	return files.ShortCircuit(true), nil
}

func TestHooks(t *testing.T) {
	t.Parallel()

	ctx, s := initService(t)

	_, errE := s.Write(ctx, files.WriteArgs{Path: "/hooked/foo", Content: []byte("foo")}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)

	s.Registry().Register(files.Registration{ //nolint:exhaustruct
		Service: "test",
		Exists:  &testHook{prefix: "/hooked"},
	})

	// The hook rewrites the path.
	exists, errE := s.Exists(ctx, files.ExistsArgs{Path: "/foo"}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.True(t, exists)

	// DisableServices bypasses the hook.
	exists, errE = s.Exists(ctx, files.ExistsArgs{Path: "/foo", DisableServices: true}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.False(t, exists)

	// A short-circuit from an earlier service bypasses later hooks and
	// the store.
	s.Registry().Reset()
	s.Registry().Register(files.Registration{ //nolint:exhaustruct
		Service: "first",
		Exists:  shortCircuitHook{},
	})
	s.Registry().Register(files.Registration{ //nolint:exhaustruct
		Service: "second",
		Exists:  &testHook{prefix: "/nonexistent"},
	})

	exists, errE = s.Exists(ctx, files.ExistsArgs{Path: "/anything"}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.True(t, exists)

	s.Registry().Reset()

	exists, errE = s.Exists(ctx, files.ExistsArgs{Path: "/anything"}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.False(t, exists)
}
