package files

import (
	"context"

	"gitlab.com/tozd/go/errors"
)

// Service exposes the primitive file operations with the hook pipeline
// applied. Registered services see every call and can rewrite its arguments
// or short-circuit it; passing DisableServices in the arguments bypasses all
// hooks and operates on the root tree directly.
type Service struct {
	store    *Store
	registry *Registry
}

// NewService returns a Service dispatching operations on store through the
// hooks in registry.
func NewService(store *Store, registry *Registry) *Service {
	return &Service{
		store:    store,
		registry: registry,
	}
}

// Store returns the underlying primitive store.
func (s *Service) Store() *Store {
	return s.store
}

// Registry returns the hook registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Exists returns true if a file exists at args.Path.
//
// Without a changeset the versioning service resolves existence through the
// current pointer set; with a changeset it reports existence of the staged
// copy (deleted staged files still exist in the in-changeset view).
func (s *Service) Exists(ctx context.Context, args ExistsArgs) (bool, errors.E) {
	if errE := ValidatePath(args.Path); errE != nil {
		return false, errE
	}
	if !args.DisableServices {
		for _, reg := range s.registry.snapshot() {
			if reg.Exists == nil {
				continue
			}
			res, errE := reg.Exists.PreExists(ctx, &args)
			if errE != nil {
				return false, errE
			}
			if res != nil {
				exists, ok := res.value.(bool)
				if !ok {
					return false, errors.Errorf(`"%s" hook short-circuited exists with %T`, reg.Service, res.value)
				}
				return exists, nil
			}
		}
	}
	return s.store.Exists(ctx, args.Path)
}

// Get returns files for args.Paths, keyed by the requested path.
// Unknown paths are absent from the result.
func (s *Service) Get(ctx context.Context, args GetArgs) (map[string]*File, errors.E) {
	if errE := ValidatePaths(args.Paths); errE != nil {
		return nil, errE
	}

	var posts []GetHook
	if !args.DisableServices {
		for _, reg := range s.registry.snapshot() {
			if reg.Get == nil {
				continue
			}
			res, errE := reg.Get.PreGet(ctx, &args)
			if errE != nil {
				return nil, errE
			}
			if res != nil {
				result, ok := res.value.(map[string]*File)
				if !ok {
					return nil, errors.Errorf(`"%s" hook short-circuited get with %T`, reg.Service, res.value)
				}
				return result, nil
			}
			posts = append(posts, reg.Get)
		}
	}

	result, errE := s.store.Get(ctx, args.Paths)
	if errE != nil {
		return nil, errE
	}

	// Post hooks run in reverse registration order so that the
	// outermost service transforms the result last.
	for i := len(posts) - 1; i >= 0; i-- {
		result, errE = posts[i].PostGet(ctx, &args, result)
		if errE != nil {
			return nil, errE
		}
	}
	return result, nil
}

// GetOne returns the file at path or nil if it does not exist.
func (s *Service) GetOne(ctx context.Context, path string, changeset Changeset) (*File, errors.E) {
	result, errE := s.Get(ctx, GetArgs{ //nolint:exhaustruct
		Paths:     []string{path},
		Changeset: changeset,
	})
	if errE != nil {
		return nil, errE
	}
	return result[path], nil
}

// Write creates or updates the file at args.Path.
func (s *Service) Write(ctx context.Context, args WriteArgs) (*File, errors.E) {
	if errE := ValidatePath(args.Path); errE != nil {
		return nil, errE
	}
	if !args.DisableServices {
		for _, reg := range s.registry.snapshot() {
			if reg.Write == nil {
				continue
			}
			res, errE := reg.Write.PreWrite(ctx, &args)
			if errE != nil {
				return nil, errE
			}
			if res != nil {
				file, ok := res.value.(*File)
				if !ok {
					return nil, errors.Errorf(`"%s" hook short-circuited write with %T`, reg.Service, res.value)
				}
				return file, nil
			}
		}
	}
	return s.store.Write(ctx, args)
}

// Touch creates empty files for paths which do not exist and updates the
// modification time and metadata of those which do.
func (s *Service) Touch(ctx context.Context, args TouchArgs) ([]*File, errors.E) {
	if errE := ValidatePaths(args.Paths); errE != nil {
		return nil, errE
	}
	if !args.DisableServices {
		for _, reg := range s.registry.snapshot() {
			if reg.Touch == nil {
				continue
			}
			res, errE := reg.Touch.PreTouch(ctx, &args)
			if errE != nil {
				return nil, errE
			}
			if res != nil {
				result, ok := res.value.([]*File)
				if !ok {
					return nil, errors.Errorf(`"%s" hook short-circuited touch with %T`, reg.Service, res.value)
				}
				return result, nil
			}
		}
	}
	return s.store.Touch(ctx, args)
}

// Delete removes files at args.Paths.
//
// Inside a changeset a delete is a revert: it removes the staged copies and
// leaves the committed revisions alone.
func (s *Service) Delete(ctx context.Context, args DeleteArgs) errors.E {
	if errE := ValidatePaths(args.Paths); errE != nil {
		return errE
	}
	if !args.DisableServices {
		for _, reg := range s.registry.snapshot() {
			if reg.Delete == nil {
				continue
			}
			res, errE := reg.Delete.PreDelete(ctx, &args)
			if errE != nil {
				return errE
			}
			if res != nil {
				return nil
			}
		}
	}
	return s.store.Delete(ctx, args)
}

// ListFiles returns files under args.DirPath.
func (s *Service) ListFiles(ctx context.Context, args ListFilesArgs) ([]*File, errors.E) {
	if errE := ValidatePath(args.DirPath); errE != nil {
		return nil, errE
	}

	var posts []ListFilesHook
	if !args.DisableServices {
		for _, reg := range s.registry.snapshot() {
			if reg.ListFiles == nil {
				continue
			}
			res, errE := reg.ListFiles.PreListFiles(ctx, &args)
			if errE != nil {
				return nil, errE
			}
			if res != nil {
				result, ok := res.value.([]*File)
				if !ok {
					return nil, errors.Errorf(`"%s" hook short-circuited list-files with %T`, reg.Service, res.value)
				}
				return result, nil
			}
			posts = append(posts, reg.ListFiles)
		}
	}

	result, errE := s.store.ListFiles(ctx, args)
	if errE != nil {
		return nil, errE
	}

	for i := len(posts) - 1; i >= 0; i-- {
		result, errE = posts[i].PostListFiles(ctx, &args, result)
		if errE != nil {
			return nil, errE
		}
	}
	return result, nil
}

// Copy copies a file record verbatim between two plain paths. It is not
// hooked; services use it to branch root revisions into changesets.
func (s *Service) Copy(ctx context.Context, args CopyArgs) errors.E {
	if errE := ValidatePath(args.SourcePath); errE != nil {
		return errE
	}
	if errE := ValidatePath(args.DestinationPath); errE != nil {
		return errE
	}
	return s.store.Copy(ctx, args)
}
