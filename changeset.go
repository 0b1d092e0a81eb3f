package titanfs

import (
	"io"
	"net/http"
	"strconv"

	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/go/x"
	"gitlab.com/tozd/waf"

	"gitlab.com/titanfs/titanfs/files"
	"gitlab.com/titanfs/titanfs/versions"
)

func (s *Service) writeJSONStatus(w http.ResponseWriter, req *http.Request, statusCode int, data interface{}) {
	encoded, errE := x.MarshalWithoutEscapeHTML(data)
	if errE != nil {
		s.InternalServerErrorWithError(w, req, errE)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(encoded)
}

// handleError maps service errors to HTTP responses.
func (s *Service) handleError(w http.ResponseWriter, req *http.Request, errE errors.E) {
	switch {
	case errors.Is(errE, versions.ErrChangesetNotFound),
		errors.Is(errE, versions.ErrFileVersionNotFound),
		errors.Is(errE, files.ErrFileNotFound),
		errors.Is(errE, files.ErrBlobNotFound):
		s.NotFoundWithError(w, req, errE)
	case errors.Is(errE, versions.ErrChangesetRequired),
		errors.Is(errE, versions.ErrChangesetNotNew),
		errors.Is(errE, versions.ErrCommitFailed),
		errors.Is(errE, versions.ErrRootListingUnsupported),
		errors.Is(errE, files.ErrInvalidPath),
		errors.Is(errE, files.ErrContentTooLarge),
		errors.Is(errE, files.ErrBlobNotFinalized),
		errors.Is(errE, files.ErrBlobFinalized):
		s.BadRequestWithError(w, req, errE)
	default:
		s.InternalServerErrorWithError(w, req, errE)
	}
}

// ChangesetPost is a POST HTTP request handler which allocates a new staging
// changeset.
func (s *Service) ChangesetPost(w http.ResponseWriter, req *http.Request, _ waf.Params) {
	ctx := req.Context()
	site := waf.MustGetSite[*Site](ctx)

	changeset, errE := site.Versions.NewStagingChangeset(ctx, requestUser(req))
	if errE != nil {
		s.handleError(w, req, errE)
		return
	}

	info, errE := changeset.Info(ctx)
	if errE != nil {
		s.handleError(w, req, errE)
		return
	}

	s.writeJSONStatus(w, req, http.StatusCreated, info)
}

// ChangesetGet is a GET/HEAD HTTP request handler which returns a changeset
// given its number as a query parameter.
func (s *Service) ChangesetGet(w http.ResponseWriter, req *http.Request, _ waf.Params) {
	ctx := req.Context()
	site := waf.MustGetSite[*Site](ctx)

	num, err := strconv.ParseInt(req.Form.Get("changeset"), 10, 64)
	if err != nil {
		s.BadRequestWithError(w, req, errors.WithStack(err))
		return
	}

	info, errE := site.Versions.Changeset(num).Info(ctx)
	if errE != nil {
		s.handleError(w, req, errE)
		return
	}

	s.WriteJSON(w, req, info, nil)
}

type changesetCommitRequest struct {
	Changeset int64    `json:"changeset"`
	Manifest  []string `json:"manifest,omitempty"`
	Force     bool     `json:"force,omitempty"`
}

// ChangesetCommitPost is a POST HTTP request handler which commits a staging
// changeset.
//
// The payload has to provide exactly one of "manifest" or "force". A client
// with full knowledge of the files written to the changeset passes the
// manifest for a strongly-consistent commit; "force" commits using the
// listing query instead.
func (s *Service) ChangesetCommitPost(w http.ResponseWriter, req *http.Request, _ waf.Params) {
	defer req.Body.Close()
	defer io.Copy(io.Discard, req.Body) //nolint:errcheck

	ctx := req.Context()

	var payload changesetCommitRequest
	errE := x.DecodeJSONWithoutUnknownFields(req.Body, &payload)
	if errE != nil {
		s.BadRequestWithError(w, req, errE)
		return
	}

	if (len(payload.Manifest) == 0) == !payload.Force {
		s.BadRequestWithError(w, req, errors.New(`exactly one of "manifest" or "force" is required`))
		return
	}

	site := waf.MustGetSite[*Site](ctx)
	staging := site.Versions.Changeset(payload.Changeset)

	if len(payload.Manifest) > 0 {
		if errE := files.ValidatePaths(payload.Manifest); errE != nil { //nolint:govet
			s.BadRequestWithError(w, req, errE)
			return
		}
		for _, path := range payload.Manifest {
			staging.AssociateFile(path)
		}
		errE = staging.FinalizeAssociatedFiles()
		if errE != nil {
			s.handleError(w, req, errE)
			return
		}
	}

	final, errE := site.Versions.Commit(ctx, staging)
	if errE != nil {
		s.handleError(w, req, errE)
		return
	}

	info, errE := final.Info(ctx)
	if errE != nil {
		s.handleError(w, req, errE)
		return
	}

	s.writeJSONStatus(w, req, http.StatusCreated, info)
}

type fileVersionsResponse struct {
	Versions []versions.FileVersion `json:"versions"`
}

// FileVersionsGet is a GET/HEAD HTTP request handler which returns the
// revision history of a path, from latest to earliest.
func (s *Service) FileVersionsGet(w http.ResponseWriter, req *http.Request, _ waf.Params) {
	ctx := req.Context()
	site := waf.MustGetSite[*Site](ctx)

	path := req.Form.Get("path")
	if errE := files.ValidatePath(path); errE != nil {
		s.BadRequestWithError(w, req, errE)
		return
	}

	limit := 0
	if req.Form.Has("limit") {
		l, err := strconv.Atoi(req.Form.Get("limit"))
		if err != nil {
			s.BadRequestWithError(w, req, errors.WithStack(err))
			return
		}
		limit = l
	}

	fileVersions, errE := site.Versions.GetFileVersions(ctx, path, limit)
	if errE != nil {
		s.handleError(w, req, errE)
		return
	}

	s.WriteJSON(w, req, fileVersionsResponse{Versions: fileVersions}, nil)
}
