package files

import (
	"context"
	"slices"
	"sync"

	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/identifier"
)

// Changeset is an opaque reference to a versioning changeset. The primitive
// file store does not interpret it; registered services consume it from the
// operation arguments.
type Changeset interface {
	Num() int64
}

// ExistsArgs are arguments to Service.Exists.
type ExistsArgs struct {
	Path      string
	Changeset Changeset

	// DisableServices bypasses all registered hooks for this call.
	DisableServices bool
}

// GetArgs are arguments to Service.Get.
type GetArgs struct {
	Paths           []string
	Changeset       Changeset
	DisableServices bool
}

// WriteArgs are arguments to Service.Write.
//
// Content, Blob, and Meta are partial: a nil Content with a nil Blob leaves
// the stored content unchanged (or creates an empty file), and Meta keys are
// merged into the existing metadata.
type WriteArgs struct {
	Path    string
	Content []byte
	Blob    *identifier.Identifier
	Meta    map[string]any

	// Delete marks the write as a delete tombstone: content is forced
	// empty and the blob reference is cleared. Versioning services record
	// it as a delete in the changeset.
	Delete bool

	ModifiedBy      string
	Changeset       Changeset
	DisableServices bool
}

// TouchArgs are arguments to Service.Touch.
type TouchArgs struct {
	Paths           []string
	Meta            map[string]any
	ModifiedBy      string
	Changeset       Changeset
	DisableServices bool
}

// DeleteArgs are arguments to Service.Delete.
type DeleteArgs struct {
	Paths           []string
	Changeset       Changeset
	DisableServices bool
}

// ListFilesArgs are arguments to Service.ListFiles.
type ListFilesArgs struct {
	DirPath         string
	Recursive       bool
	Changeset       Changeset
	DisableServices bool
}

// CopyArgs are arguments to Service.Copy. Copy is not hooked.
type CopyArgs struct {
	SourcePath      string
	DestinationPath string
}

// Result is a value returned by a Pre hook to short-circuit the operation:
// the inner call and any remaining hooks are bypassed and the operation
// returns the supplied value.
type Result struct {
	value any
}

// ShortCircuit returns a Result carrying value.
func ShortCircuit(value any) *Result {
	return &Result{value: value}
}

// Hook interfaces. A service implements the ones for operations it intercepts.
// Pre hooks may mutate the passed arguments in place (rewriting paths, for
// example) or short-circuit by returning a non-nil Result. Post hooks
// transform the result of the inner call and run in reverse registration
// order, so the outermost service sees the result last.

type ExistsHook interface {
	PreExists(ctx context.Context, args *ExistsArgs) (*Result, errors.E)
}

type GetHook interface {
	PreGet(ctx context.Context, args *GetArgs) (*Result, errors.E)
	PostGet(ctx context.Context, args *GetArgs, result map[string]*File) (map[string]*File, errors.E)
}

type WriteHook interface {
	PreWrite(ctx context.Context, args *WriteArgs) (*Result, errors.E)
}

type TouchHook interface {
	PreTouch(ctx context.Context, args *TouchArgs) (*Result, errors.E)
}

type DeleteHook interface {
	PreDelete(ctx context.Context, args *DeleteArgs) (*Result, errors.E)
}

type ListFilesHook interface {
	PreListFiles(ctx context.Context, args *ListFilesArgs) (*Result, errors.E)
	PostListFiles(ctx context.Context, args *ListFilesArgs, result []*File) ([]*File, errors.E)
}

// Registration binds a named service to the hooks it provides.
// Nil hook fields leave the corresponding operation untouched.
type Registration struct {
	Service   string
	Exists    ExistsHook
	Get       GetHook
	Write     WriteHook
	Touch     TouchHook
	Delete    DeleteHook
	ListFiles ListFilesHook
}

// Registry holds hook registrations for a file service.
//
// Hooks compose in registration order: the service registered first runs its
// Pre hooks first and its Post hooks last. Tests use Reset to clear the
// registry between cases.
type Registry struct {
	mu            sync.RWMutex
	registrations []Registration
}

// Register appends a service registration.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations = append(r.registrations, reg)
}

// Reset removes all registrations.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations = nil
}

func (r *Registry) snapshot() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.registrations)
}
