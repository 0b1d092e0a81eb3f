package microversions

import (
	"context"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/titanfs/titanfs/files"
)

// Register attaches the microversion hooks to the file service's registry.
//
// Register the microversions service before the versions service: its hooks
// have to run first so that operations without a changeset reach the root
// tree instead of the versioning pointer set.
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

// Reads without a changeset short-circuit to the root tree, bypassing the
// versioning service: readers see the latest synchronous write regardless
// of commit state.

type existsHook struct {
	service *Service
}

func (h *existsHook) PreExists(ctx context.Context, args *files.ExistsArgs) (*files.Result, errors.E) {
	if args.Changeset != nil {
		return nil, nil
	}
	exists, errE := h.service.Files.Exists(ctx, files.ExistsArgs{ //nolint:exhaustruct
		Path:            args.Path,
		DisableServices: true,
	})
	if errE != nil {
		return nil, errE
	}
	return files.ShortCircuit(exists), nil
}

type getHook struct {
	service *Service
}

func (h *getHook) PreGet(ctx context.Context, args *files.GetArgs) (*files.Result, errors.E) {
	if args.Changeset != nil {
		return nil, nil
	}
	result, errE := h.service.Files.Get(ctx, files.GetArgs{ //nolint:exhaustruct
		Paths:           args.Paths,
		DisableServices: true,
	})
	if errE != nil {
		return nil, errE
	}
	return files.ShortCircuit(result), nil
}

func (h *getHook) PostGet(_ context.Context, _ *files.GetArgs, result map[string]*files.File) (map[string]*files.File, errors.E) {
	return result, nil
}

type listFilesHook struct {
	service *Service
}

func (h *listFilesHook) PreListFiles(ctx context.Context, args *files.ListFilesArgs) (*files.Result, errors.E) {
	if args.Changeset != nil {
		return nil, nil
	}
	result, errE := h.service.Files.ListFiles(ctx, files.ListFilesArgs{ //nolint:exhaustruct
		DirPath:         args.DirPath,
		Recursive:       args.Recursive,
		DisableServices: true,
	})
	if errE != nil {
		return nil, errE
	}
	return files.ShortCircuit(result), nil
}

func (h *listFilesHook) PostListFiles(_ context.Context, _ *files.ListFilesArgs, result []*files.File) ([]*files.File, errors.E) {
	return result, nil
}

// Writes without a changeset apply to the root tree synchronously and
// enqueue a task which commits the mutation as a one-file changeset.

type writeHook struct {
	service *Service
}

func (h *writeHook) PreWrite(ctx context.Context, args *files.WriteArgs) (*files.Result, errors.E) {
	if args.Changeset != nil {
		return nil, nil
	}
	file, errE := h.service.Files.Write(ctx, files.WriteArgs{ //nolint:exhaustruct
		Path:            args.Path,
		Content:         args.Content,
		Blob:            args.Blob,
		Meta:            args.Meta,
		Delete:          args.Delete,
		ModifiedBy:      args.ModifiedBy,
		DisableServices: true,
	})
	if errE != nil {
		return nil, errE
	}
	h.service.enqueue(Task{ //nolint:exhaustruct
		Op:        OpWrite,
		Path:      args.Path,
		Content:   args.Content,
		Blob:      args.Blob,
		Meta:      args.Meta,
		Delete:    args.Delete,
		CreatedBy: args.ModifiedBy,
	})
	return files.ShortCircuit(file), nil
}

type touchHook struct {
	service *Service
}

func (h *touchHook) PreTouch(ctx context.Context, args *files.TouchArgs) (*files.Result, errors.E) {
	if args.Changeset != nil {
		return nil, nil
	}
	result, errE := h.service.Files.Touch(ctx, files.TouchArgs{ //nolint:exhaustruct
		Paths:           args.Paths,
		Meta:            args.Meta,
		ModifiedBy:      args.ModifiedBy,
		DisableServices: true,
	})
	if errE != nil {
		return nil, errE
	}
	h.service.enqueue(Task{ //nolint:exhaustruct
		Op:        OpTouch,
		Paths:     args.Paths,
		Meta:      args.Meta,
		CreatedBy: args.ModifiedBy,
	})
	return files.ShortCircuit(result), nil
}

type deleteHook struct {
	service *Service
}

func (h *deleteHook) PreDelete(ctx context.Context, args *files.DeleteArgs) (*files.Result, errors.E) {
	if args.Changeset != nil {
		return nil, nil
	}
	errE := h.service.Files.Delete(ctx, files.DeleteArgs{ //nolint:exhaustruct
		Paths:           args.Paths,
		DisableServices: true,
	})
	if errE != nil {
		return nil, errE
	}
	h.service.enqueue(Task{ //nolint:exhaustruct
		Op:    OpDelete,
		Paths: args.Paths,
	})
	return files.ShortCircuit(nil), nil
}
