package versions_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/identifier"

	"gitlab.com/titanfs/titanfs/counter"
	"gitlab.com/titanfs/titanfs/files"
	internal "gitlab.com/titanfs/titanfs/internal/store"
	"gitlab.com/titanfs/titanfs/versions"
)

func initVersions(t *testing.T) (context.Context, *files.Service, *versions.Service) {
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
	filesService := files.NewService(store, &files.Registry{})

	c := &counter.Counter{} //nolint:exhaustruct
	errE = c.Init(ctx, dbpool)
	require.NoError(t, errE, "% -+#.1v", errE)

	vcs := &versions.Service{ //nolint:exhaustruct
		Files:   filesService,
		Counter: c,
	}
	errE = vcs.Init(ctx, dbpool)
	require.NoError(t, errE, "% -+#.1v", errE)
	vcs.Register()

	return ctx, filesService, vcs
}

func write(t *testing.T, ctx context.Context, s *files.Service, path, content string, changeset files.Changeset) { //nolint:revive
	t.Helper()

	_, errE := s.Write(ctx, files.WriteArgs{ //nolint:exhaustruct
		Path:       path,
		Content:    []byte(content),
		ModifiedBy: "test@example.com",
		Changeset:  changeset,
	})
	require.NoError(t, errE, "% -+#.1v", errE)
}

func commit(t *testing.T, ctx context.Context, vcs *versions.Service, staging *versions.Changeset) *versions.Changeset { //nolint:revive
	t.Helper()

	final, errE := vcs.Commit(ctx, staging)
	require.NoError(t, errE, "% -+#.1v", errE)
	return final
}

func TestSingleFileRoundTrip(t *testing.T) {
	t.Parallel()

	ctx, s, vcs := initVersions(t)

	cs, errE := vcs.NewStagingChangeset(ctx, "test@example.com")
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, int64(1), cs.Num())

	write(t, ctx, s, "/a", "hello", cs)

	// Not visible before the commit.
	exists, errE := s.Exists(ctx, files.ExistsArgs{Path: "/a"}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.False(t, exists)

	// Visible inside the changeset.
	staged, errE := s.GetOne(ctx, "/a", cs)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.NotNil(t, staged)
	assert.Equal(t, []byte("hello"), staged.Content)
	assert.Equal(t, "/a", staged.Path)
	assert.Equal(t, versions.MakeVersionedPath("/a", cs.Num()), staged.VersionedPath)

	final := commit(t, ctx, vcs, cs)
	assert.Equal(t, int64(2), final.Num())

	// Statuses and links are symmetric after the commit.
	stagingInfo, errE := cs.Info(ctx)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, versions.ChangesetDeletedBySubmit, stagingInfo.Status)
	require.NotNil(t, stagingInfo.LinkedChangesetNum)
	assert.Equal(t, final.Num(), *stagingInfo.LinkedChangesetNum)

	finalInfo, errE := final.Info(ctx)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, versions.ChangesetSubmitted, finalInfo.Status)
	assert.Equal(t, "test@example.com", finalInfo.CreatedBy)
	require.NotNil(t, finalInfo.LinkedChangesetNum)
	assert.Equal(t, cs.Num(), *finalInfo.LinkedChangesetNum)

	// The committed content is readable without a changeset and reports
	// the staged copy's location.
	file, errE := s.GetOne(ctx, "/a", nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.NotNil(t, file)
	assert.Equal(t, []byte("hello"), file.Content)
	assert.Equal(t, "/a", file.Path)
	assert.Equal(t, versions.MakeVersionedPath("/a", cs.Num()), file.VersionedPath)

	fileVersions, errE := vcs.GetFileVersions(ctx, "/a", 0)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, fileVersions, 1)
	assert.Equal(t, versions.FileCreated, fileVersions[0].Status)
	assert.Equal(t, final.Num(), fileVersions[0].ChangesetNum)
	assert.Equal(t, "test@example.com", fileVersions[0].ChangesetCreatedBy)
}

func TestMultiFileAtomicCommit(t *testing.T) {
	t.Parallel()

	ctx, s, vcs := initVersions(t)

	cs, errE := vcs.NewStagingChangeset(ctx, "test@example.com")
	require.NoError(t, errE, "% -+#.1v", errE)

	write(t, ctx, s, "/a", "1", cs)
	write(t, ctx, s, "/b", "2", cs)

	pointers, errE := vcs.Pointers(ctx, []string{"/a", "/b"})
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Empty(t, pointers)

	commit(t, ctx, vcs, cs)

	pointers, errE = vcs.Pointers(ctx, []string{"/a", "/b"})
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, pointers, 2)
	assert.Equal(t, cs.Num(), pointers["/a"].ChangesetNum)
	assert.Equal(t, cs.Num(), pointers["/b"].ChangesetNum)

	result, errE := s.Get(ctx, files.GetArgs{Paths: []string{"/a", "/b"}}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, result, 2)
	assert.Equal(t, []byte("1"), result["/a"].Content)
	assert.Equal(t, []byte("2"), result["/b"].Content)
}

func TestDeleteSemantics(t *testing.T) {
	t.Parallel()

	ctx, s, vcs := initVersions(t)

	cs, errE := vcs.NewStagingChangeset(ctx, "test@example.com")
	require.NoError(t, errE, "% -+#.1v", errE)
	write(t, ctx, s, "/a", "hello", cs)
	commit(t, ctx, vcs, cs)

	cs2, errE := vcs.NewStagingChangeset(ctx, "test@example.com")
	require.NoError(t, errE, "% -+#.1v", errE)
	_, errE = s.Write(ctx, files.WriteArgs{ //nolint:exhaustruct
		Path:      "/a",
		Delete:    true,
		Changeset: cs2,
	})
	require.NoError(t, errE, "% -+#.1v", errE)

	// The staged delete tombstone still exists in the in-changeset view.
	exists, errE := s.Exists(ctx, files.ExistsArgs{Path: "/a", Changeset: cs2}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.True(t, exists)

	commit(t, ctx, vcs, cs2)

	exists, errE = s.Exists(ctx, files.ExistsArgs{Path: "/a"}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.False(t, exists)

	file, errE := s.GetOne(ctx, "/a", nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Nil(t, file)

	pointer, errE := vcs.Pointer(ctx, "/a")
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Nil(t, pointer)

	// The delete tombstone is still readable through the changeset.
	tombstone, errE := s.GetOne(ctx, "/a", cs2)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.NotNil(t, tombstone)
	assert.Equal(t, string(versions.FileDeleted), tombstone.Status())
	assert.Empty(t, tombstone.Content)

	fileVersions, errE := vcs.GetFileVersions(ctx, "/a", 0)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, fileVersions, 2)
	assert.Equal(t, versions.FileDeleted, fileVersions[0].Status)
	assert.Equal(t, versions.FileCreated, fileVersions[1].Status)
}

func TestBranchFromRoot(t *testing.T) {
	t.Parallel()

	ctx, s, vcs := initVersions(t)

	cs, errE := vcs.NewStagingChangeset(ctx, "test@example.com")
	require.NoError(t, errE, "% -+#.1v", errE)
	write(t, ctx, s, "/a", "old", cs)
	commit(t, ctx, vcs, cs)

	// A metadata-only edit in a new changeset branches the current root
	// revision first, so the staged copy has the full prior state.
	cs2, errE := vcs.NewStagingChangeset(ctx, "test@example.com")
	require.NoError(t, errE, "% -+#.1v", errE)
	_, errE = s.Write(ctx, files.WriteArgs{ //nolint:exhaustruct
		Path:      "/a",
		Meta:      map[string]any{"color": "blue"},
		Changeset: cs2,
	})
	require.NoError(t, errE, "% -+#.1v", errE)
	commit(t, ctx, vcs, cs2)

	file, errE := s.GetOne(ctx, "/a", nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.NotNil(t, file)
	assert.Equal(t, []byte("old"), file.Content)
	assert.Equal(t, "blue", file.Meta["color"])

	fileVersions, errE := vcs.GetFileVersions(ctx, "/a", 0)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, fileVersions, 2)
	assert.Equal(t, versions.FileEdited, fileVersions[0].Status)
}

func TestRevertInChangeset(t *testing.T) {
	t.Parallel()

	ctx, s, vcs := initVersions(t)

	cs, errE := vcs.NewStagingChangeset(ctx, "test@example.com")
	require.NoError(t, errE, "% -+#.1v", errE)
	write(t, ctx, s, "/a", "1", cs)
	write(t, ctx, s, "/b", "2", cs)

	// A delete in a changeset reverts the staged edit, not the root file.
	errE = s.Delete(ctx, files.DeleteArgs{ //nolint:exhaustruct
		Paths:     []string{"/b"},
		Changeset: cs,
	})
	require.NoError(t, errE, "% -+#.1v", errE)

	staged, errE := vcs.ListFilesInChangeset(ctx, cs)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, staged, 1)
	assert.Contains(t, staged, "/a")

	commit(t, ctx, vcs, cs)

	exists, errE := s.Exists(ctx, files.ExistsArgs{Path: "/b"}) //nolint:exhaustruct
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.False(t, exists)
}

func TestCommitErrors(t *testing.T) {
	t.Parallel()

	ctx, s, vcs := initVersions(t)

	// An empty changeset cannot be committed.
	cs, errE := vcs.NewStagingChangeset(ctx, "test@example.com")
	require.NoError(t, errE, "% -+#.1v", errE)
	_, errE = vcs.Commit(ctx, cs)
	assert.ErrorIs(t, errE, versions.ErrCommitFailed)

	write(t, ctx, s, "/a", "hello", cs)
	commit(t, ctx, vcs, cs)

	// A committed changeset cannot be committed again.
	_, errE = vcs.Commit(ctx, cs)
	assert.ErrorIs(t, errE, versions.ErrCommitFailed)

	// Writes to a committed changeset are rejected.
	_, errE = s.Write(ctx, files.WriteArgs{ //nolint:exhaustruct
		Path:      "/b",
		Content:   []byte("2"),
		Changeset: cs,
	})
	assert.ErrorIs(t, errE, versions.ErrChangesetNotNew)

	// Writes without a changeset are rejected when only versioning
	// is registered.
	_, errE = s.Write(ctx, files.WriteArgs{ //nolint:exhaustruct
		Path:    "/b",
		Content: []byte("2"),
	})
	assert.ErrorIs(t, errE, versions.ErrChangesetRequired)

	// Listing without a changeset is not supported.
	_, errE = s.ListFiles(ctx, files.ListFilesArgs{DirPath: "/"}) //nolint:exhaustruct
	assert.ErrorIs(t, errE, versions.ErrRootListingUnsupported)

	// Unknown changesets fail on load.
	_, errE = vcs.Changeset(404).Info(ctx)
	assert.ErrorIs(t, errE, versions.ErrChangesetNotFound)
}

func TestManifestCommit(t *testing.T) {
	t.Parallel()

	ctx, s, vcs := initVersions(t)

	cs, errE := vcs.NewStagingChangeset(ctx, "test@example.com")
	require.NoError(t, errE, "% -+#.1v", errE)
	write(t, ctx, s, "/a", "1", cs)

	cs.AssociateFile("/a")
	errE = cs.FinalizeAssociatedFiles()
	require.NoError(t, errE, "% -+#.1v", errE)

	final := commit(t, ctx, vcs, cs)

	fileVersions, errE := vcs.GetFileVersions(ctx, "/a", 0)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, fileVersions, 1)
	assert.Equal(t, final.Num(), fileVersions[0].ChangesetNum)

	// A manifest naming a path which was never written fails the commit.
	cs2, errE := vcs.NewStagingChangeset(ctx, "test@example.com")
	require.NoError(t, errE, "% -+#.1v", errE)
	write(t, ctx, s, "/b", "2", cs2)
	cs2.AssociateFile("/b")
	cs2.AssociateFile("/missing")
	errE = cs2.FinalizeAssociatedFiles()
	require.NoError(t, errE, "% -+#.1v", errE)
	_, errE = vcs.Commit(ctx, cs2)
	assert.ErrorIs(t, errE, versions.ErrCommitFailed)
}

func TestFileVersionsOrder(t *testing.T) {
	t.Parallel()

	ctx, s, vcs := initVersions(t)

	finals := []int64{}
	for _, content := range []string{"one", "two", "three"} {
		cs, errE := vcs.NewStagingChangeset(ctx, "test@example.com")
		require.NoError(t, errE, "% -+#.1v", errE)
		write(t, ctx, s, "/a", content, cs)
		final := commit(t, ctx, vcs, cs)
		finals = append(finals, final.Num())
	}

	fileVersions, errE := vcs.GetFileVersions(ctx, "/a", 0)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, fileVersions, 3)
	assert.Equal(t, finals[2], fileVersions[0].ChangesetNum)
	assert.Equal(t, finals[1], fileVersions[1].ChangesetNum)
	assert.Equal(t, finals[0], fileVersions[2].ChangesetNum)
	assert.Equal(t, versions.FileCreated, fileVersions[2].Status)
	assert.Equal(t, versions.FileEdited, fileVersions[1].Status)
	assert.Equal(t, versions.FileEdited, fileVersions[0].Status)

	// Older revisions stay readable through their staging changesets.
	last, errE := vcs.GetLastSubmittedChangeset(ctx)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, finals[2], last.Num())

	staging, errE := last.LinkedChangeset(ctx)
	require.NoError(t, errE, "% -+#.1v", errE)
	file, errE := s.GetOne(ctx, "/a", staging)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.NotNil(t, file)
	assert.Equal(t, []byte("three"), file.Content)
}

func TestListFilesInChangeset(t *testing.T) {
	t.Parallel()

	ctx, s, vcs := initVersions(t)

	cs, errE := vcs.NewStagingChangeset(ctx, "test@example.com")
	require.NoError(t, errE, "% -+#.1v", errE)
	write(t, ctx, s, "/a", "1", cs)
	write(t, ctx, s, "/dir/b", "2", cs)

	staged, errE := vcs.ListFilesInChangeset(ctx, cs)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, staged, 2)
	assert.Contains(t, staged, "/a")
	assert.Contains(t, staged, "/dir/b")

	final := commit(t, ctx, vcs, cs)

	// For a submitted changeset files are listed under the linked staging
	// changeset's number.
	staged, errE = vcs.ListFilesInChangeset(ctx, final)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, staged, 2)
	assert.Equal(t, versions.MakeVersionedPath("/a", cs.Num()), staged["/a"].VersionedPath)
}

func TestGenerateDiff(t *testing.T) {
	t.Parallel()

	ctx, s, vcs := initVersions(t)

	for _, content := range []string{"hello world", "hello brave world"} {
		cs, errE := vcs.NewStagingChangeset(ctx, "test@example.com")
		require.NoError(t, errE, "% -+#.1v", errE)
		write(t, ctx, s, "/a", content, cs)
		commit(t, ctx, vcs, cs)
	}

	fileVersions, errE := vcs.GetFileVersions(ctx, "/a", 0)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, fileVersions, 2)

	diffs, errE := vcs.GenerateDiff(ctx, fileVersions[1], fileVersions[0])
	require.NoError(t, errE, "% -+#.1v", errE)
	require.NotEmpty(t, diffs)

	// Applying the diff to the old content yields the new content.
	differ := diffmatchpatch.New()
	assert.Equal(t, "hello brave world", differ.DiffText2(diffs))
	assert.Equal(t, "hello world", differ.DiffText1(diffs))

	inserted := ""
	for _, diff := range diffs {
		if diff.Type == diffmatchpatch.DiffInsert {
			inserted += diff.Text
		}
	}
	assert.Contains(t, inserted, "brave")
}
