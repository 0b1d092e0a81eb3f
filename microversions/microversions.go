// Package microversions provides an autosnapshot mode: every write to the
// root tree is also recorded as a single-file changeset commit.
//
// The service layers above the versioning hooks. Reads and writes without a
// changeset pass through to the root tree at synchronous latency; for every
// mutation a task is enqueued on a work queue whose worker commits the
// recorded change as a one-file changeset. Readers see their own writes
// immediately and see history in GetFileVersions eventually.
package microversions

import (
	"context"

	"github.com/alitto/pond"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/identifier"

	"gitlab.com/titanfs/titanfs/files"
	"gitlab.com/titanfs/titanfs/versions"
)

// ServiceName is the name under which the microversion hooks register.
const ServiceName = "microversions"

// MaxTaskPayload is the largest content carried by a queued task. Writes
// with larger contents are applied to the root tree but their snapshot task
// is dropped.
//
// TODO: Store oversized contents in a blob and enqueue the reference instead.
const MaxTaskPayload = 512 << 10

const maxTaskAttempts = 3

// Op is a primitive operation recorded by a task.
type Op string

const (
	OpWrite  Op = "write"
	OpTouch  Op = "touch"
	OpDelete Op = "delete"
)

// Task records a root-tree mutation to be committed as a changeset.
//
// Blob carries the reference as of enqueue time, so the snapshot captures
// the original blob even if the root tree moves on before the task runs.
type Task struct {
	Op        Op                     `json:"op"`
	Path      string                 `json:"path,omitempty"`
	Paths     []string               `json:"paths,omitempty"`
	Content   []byte                 `json:"content,omitempty"`
	Blob      *identifier.Identifier `json:"blob,omitempty"`
	Meta      map[string]any         `json:"meta,omitempty"`
	Delete    bool                   `json:"delete,omitempty"`
	CreatedBy string                 `json:"createdBy,omitempty"`
}

// Service is the microversions service.
type Service struct {
	// Files is the file service whose operations are snapshotted.
	Files *files.Service

	// Versions is the version-control service used to commit snapshots.
	Versions *versions.Service

	ctx  context.Context //nolint:containedctx
	pool *pond.WorkerPool
}

// Init initializes the Service and starts its work queue.
//
// The queue uses a single worker so tasks commit in enqueue order.
// ctx carries the logger used by the worker and stops the queue when done.
// Call Register afterwards to attach the microversion hooks.
func (s *Service) Init(ctx context.Context) errors.E {
	if s.pool != nil {
		return errors.New("already initialized")
	}

	s.ctx = ctx
	s.pool = pond.New(1, 1024) //nolint:mnd
	context.AfterFunc(ctx, s.pool.Stop)

	return nil
}

// StopAndWait stops the work queue after draining already queued tasks.
func (s *Service) StopAndWait() {
	s.pool.StopAndWait()
}

func (s *Service) enqueue(task Task) {
	if len(task.Content) > MaxTaskPayload {
		zerolog.Ctx(s.ctx).Warn().
			Str("path", task.Path).
			Int("size", len(task.Content)).
			Msg("content exceeds task payload limit, dropping microversion task")
		return
	}
	s.pool.Submit(func() {
		s.processTask(s.ctx, task)
	})
}

func (s *Service) processTask(ctx context.Context, task Task) {
	var errE errors.E
	for attempt := 0; attempt < maxTaskAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		_, errE = s.CommitMicroversion(ctx, task)
		if errE == nil {
			return
		}
	}
	zerolog.Ctx(ctx).Error().
		Err(errE).
		Str("op", string(task.Op)).
		Str("path", task.Path).
		Strs("paths", task.Paths).
		Msg("microversion task failed")
}

// CommitMicroversion commits the recorded mutation as a one-file (or for
// multi-path touch and delete, one-changeset) commit: a new staging
// changeset is allocated, the mutation is replayed inside it, and the
// changeset is committed using the associated-files manifest so the commit
// enumeration is strongly consistent.
func (s *Service) CommitMicroversion(ctx context.Context, task Task) (*versions.Changeset, errors.E) {
	staging, errE := s.Versions.NewStagingChangeset(ctx, task.CreatedBy)
	if errE != nil {
		return nil, errE
	}

	switch task.Op {
	case OpWrite:
		_, errE = s.Files.Write(ctx, files.WriteArgs{ //nolint:exhaustruct
			Path:       task.Path,
			Content:    task.Content,
			Blob:       task.Blob,
			Meta:       task.Meta,
			Delete:     task.Delete,
			ModifiedBy: task.CreatedBy,
			Changeset:  staging,
		})
		if errE != nil {
			return nil, errE
		}
		staging.AssociateFile(task.Path)
	case OpTouch:
		_, errE = s.Files.Touch(ctx, files.TouchArgs{ //nolint:exhaustruct
			Paths:      task.Paths,
			Meta:       task.Meta,
			ModifiedBy: task.CreatedBy,
			Changeset:  staging,
		})
		if errE != nil {
			return nil, errE
		}
		for _, p := range task.Paths {
			staging.AssociateFile(p)
		}
	case OpDelete:
		// A delete microversion writes delete tombstones. It must not rely
		// on the root file still existing: the root delete often completes
		// before this task runs.
		for _, p := range task.Paths {
			_, errE = s.Files.Write(ctx, files.WriteArgs{ //nolint:exhaustruct
				Path:       p,
				Delete:     true,
				ModifiedBy: task.CreatedBy,
				Changeset:  staging,
			})
			if errE != nil {
				return nil, errE
			}
			staging.AssociateFile(p)
		}
	default:
		return nil, errors.Errorf("unknown microversion op: %s", task.Op)
	}

	errE = staging.FinalizeAssociatedFiles()
	if errE != nil {
		return nil, errE
	}

	return s.Versions.Commit(ctx, staging)
}
