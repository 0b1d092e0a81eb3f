package versions

import (
	"context"
	"maps"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/titanfs/titanfs/files"
)

// Register attaches the versioning hooks to the file service's registry.
//
// Once registered, file operations with a changeset argument are rewritten to
// versioned paths and operations without one resolve through the current
// pointer set.
func (s *Service) Register() {
	s.Files.Registry().Register(files.Registration{
		Service:   ServiceName,
		Exists:    &existsHook{s},
		Get:       &getHook{s},
		Write:     &writeHook{s},
		Touch:     &touchHook{s},
		Delete:    &deleteHook{s},
		ListFiles: &listFilesHook{s},
	})
}

// changesetRef resolves the opaque changeset argument into a Changeset handle.
func (s *Service) changesetRef(ref files.Changeset) *Changeset {
	if changeset, ok := ref.(*Changeset); ok {
		return changeset
	}
	return s.Changeset(ref.Num())
}

// verifyIsNewChangeset fails when the changeset does not accept writes.
func (s *Service) verifyIsNewChangeset(ctx context.Context, ref files.Changeset) (*Changeset, errors.E) {
	if ref == nil {
		return nil, errors.WithStack(ErrChangesetRequired)
	}
	changeset := s.changesetRef(ref)
	status, errE := changeset.Status(ctx)
	if errE != nil {
		return nil, errE
	}
	if status != ChangesetNew {
		errE = errors.WithStack(ErrChangesetNotNew)
		errors.Details(errE)["changeset"] = changeset.Num()
		errors.Details(errE)["status"] = string(status)
		return nil, errE
	}
	return changeset, nil
}

type existsHook struct {
	service *Service
}

func (h *existsHook) PreExists(ctx context.Context, args *files.ExistsArgs) (*files.Result, errors.E) {
	if args.Changeset == nil {
		// If a pointer for the path exists, the file exists.
		pointer, errE := h.service.Pointer(ctx, args.Path)
		if errE != nil {
			return nil, errE
		}
		return files.ShortCircuit(pointer != nil), nil
	}

	// Check existence of the staged copy. Deleted staged files still exist
	// in the in-changeset view.
	args.Path = MakeVersionedPath(args.Path, args.Changeset.Num())
	return nil, nil
}

type getHook struct {
	service *Service
}

func (h *getHook) PreGet(ctx context.Context, args *files.GetArgs) (*files.Result, errors.E) {
	if args.Changeset == nil {
		// Follow current pointers and read those copies. Paths without a
		// pointer are dropped from the request.
		pointers, errE := h.service.Pointers(ctx, args.Paths)
		if errE != nil {
			return nil, errE
		}
		versionedPaths := make([]string, 0, len(pointers))
		for _, p := range args.Paths {
			if pointer, ok := pointers[p]; ok {
				versionedPaths = append(versionedPaths, pointer.VersionedPath())
			}
		}
		if len(versionedPaths) == 0 {
			// No files exist.
			return files.ShortCircuit(map[string]*files.File{}), nil
		}
		args.Paths = versionedPaths
		return nil, nil
	}

	args.Paths = MakeVersionedPaths(args.Paths, args.Changeset.Num())
	return nil, nil
}

func (h *getHook) PostGet(_ context.Context, _ *files.GetArgs, result map[string]*files.File) (map[string]*files.File, errors.E) {
	// Undo the versioned paths: files report their plain path and keep the
	// stored location in VersionedPath.
	unversioned := make(map[string]*files.File, len(result))
	for _, file := range result {
		if _, plainPath, ok := StripVersionedPath(file.Path); ok {
			file.VersionedPath = file.Path
			file.Path = plainPath
		}
		unversioned[file.Path] = file
	}
	return unversioned, nil
}

type writeHook struct {
	service *Service
}

func (h *writeHook) PreWrite(ctx context.Context, args *files.WriteArgs) (*files.Result, errors.E) {
	changeset, errE := h.service.verifyIsNewChangeset(ctx, args.Changeset)
	if errE != nil {
		return nil, errE
	}

	rootPath := args.Path
	args.Path = MakeVersionedPath(rootPath, changeset.Num())

	meta := maps.Clone(args.Meta)
	if meta == nil {
		meta = map[string]any{}
	}
	if args.Delete {
		args.Content = []byte{}
		args.Blob = nil
		meta[files.MetaStatus] = string(FileDeleted)
	} else {
		// The first time the staged copy is created (or un-deleted), branch
		// all content and properties from the current root revision.
		errE = h.service.copyFilesFromRoot(ctx, []string{rootPath}, changeset)
		if errE != nil {
			return nil, errE
		}
		meta[files.MetaStatus] = string(FileEdited)
	}
	args.Meta = meta

	return nil, nil
}

type touchHook struct {
	service *Service
}

func (h *touchHook) PreTouch(ctx context.Context, args *files.TouchArgs) (*files.Result, errors.E) {
	changeset, errE := h.service.verifyIsNewChangeset(ctx, args.Changeset)
	if errE != nil {
		return nil, errE
	}

	rootPaths := args.Paths
	args.Paths = MakeVersionedPaths(rootPaths, changeset.Num())

	errE = h.service.copyFilesFromRoot(ctx, rootPaths, changeset)
	if errE != nil {
		return nil, errE
	}

	meta := maps.Clone(args.Meta)
	if meta == nil {
		meta = map[string]any{}
	}
	meta[files.MetaStatus] = string(FileEdited)
	args.Meta = meta

	return nil, nil
}

// A delete in the files world is a revert in the versions world: only the
// staged copies are removed, never the committed revisions.
type deleteHook struct {
	service *Service
}

func (h *deleteHook) PreDelete(ctx context.Context, args *files.DeleteArgs) (*files.Result, errors.E) {
	changeset, errE := h.service.verifyIsNewChangeset(ctx, args.Changeset)
	if errE != nil {
		return nil, errE
	}
	args.Paths = MakeVersionedPaths(args.Paths, changeset.Num())
	return nil, nil
}

type listFilesHook struct {
	service *Service
}

func (h *listFilesHook) PreListFiles(_ context.Context, args *files.ListFilesArgs) (*files.Result, errors.E) {
	if args.Changeset == nil {
		// There is no complete and walkable root tree, so listing without
		// a changeset would contain no meaningful data.
		return nil, errors.WithStack(ErrRootListingUnsupported)
	}
	args.DirPath = MakeVersionedPath(args.DirPath, args.Changeset.Num())
	return nil, nil
}

func (h *listFilesHook) PostListFiles(_ context.Context, _ *files.ListFilesArgs, result []*files.File) ([]*files.File, errors.E) {
	// Undo the versioned paths.
	for _, file := range result {
		if _, plainPath, ok := StripVersionedPath(file.Path); ok {
			file.VersionedPath = file.Path
			file.Path = plainPath
		}
	}
	return result, nil
}

// copyFilesFromRoot copies current root revisions of the paths to their
// versioned paths in the changeset.
//
// The copy happens only when no staged copy exists yet or when the staged
// copy is a delete tombstone being un-deleted. This gives partial writes
// (metadata-only, for example) the full prior state to build on.
func (s *Service) copyFilesFromRoot(ctx context.Context, rootPaths []string, changeset *Changeset) errors.E {
	rootFiles, errE := s.Files.Get(ctx, files.GetArgs{ //nolint:exhaustruct
		Paths: rootPaths,
	})
	if errE != nil {
		return errE
	}
	if len(rootFiles) == 0 {
		return nil
	}

	stagedFiles, errE := s.Files.Get(ctx, files.GetArgs{ //nolint:exhaustruct
		Paths:     rootPaths,
		Changeset: changeset,
	})
	if errE != nil {
		return errE
	}

	for _, rootPath := range rootPaths {
		rootFile := rootFiles[rootPath]
		if rootFile == nil {
			// Nothing to copy from root.
			continue
		}
		stagedFile := stagedFiles[rootPath]
		if stagedFile != nil && stagedFile.Status() != string(FileDeleted) {
			continue
		}

		// A root file read through the pointer set reports its stored
		// location in VersionedPath; a file read directly from the root
		// tree (microversions) does not and is copied from its plain path.
		sourcePath := rootFile.VersionedPath
		if sourcePath == "" {
			sourcePath = rootFile.Path
		}
		errE = s.Files.Copy(ctx, files.CopyArgs{
			SourcePath:      sourcePath,
			DestinationPath: MakeVersionedPath(rootPath, changeset.Num()),
		})
		if errE != nil {
			return errE
		}
	}
	return nil
}
