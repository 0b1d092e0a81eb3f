package titanfs

import (
	"io"
	"net/http"
	"strconv"

	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/go/x"
	"gitlab.com/tozd/identifier"
	"gitlab.com/tozd/waf"

	"gitlab.com/titanfs/titanfs/files"
)

// 10 MB.
const maxPayloadSize = int64(10 << 20)

// requestChangeset resolves the optional "changeset" query parameter.
func requestChangeset(req *http.Request, site *Site) (files.Changeset, errors.E) {
	if !req.Form.Has("changeset") {
		return nil, nil
	}
	num, err := strconv.ParseInt(req.Form.Get("changeset"), 10, 64)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return site.Versions.Changeset(num), nil
}

// FileGet is a GET/HEAD HTTP request handler which returns the file record
// for a path. Without a "changeset" query parameter it returns the current
// committed revision; with one, the staged copy in that changeset.
func (s *Service) FileGet(w http.ResponseWriter, req *http.Request, _ waf.Params) {
	ctx := req.Context()
	site := waf.MustGetSite[*Site](ctx)

	path := req.Form.Get("path")
	if errE := files.ValidatePath(path); errE != nil {
		s.BadRequestWithError(w, req, errE)
		return
	}

	changeset, errE := requestChangeset(req, site)
	if errE != nil {
		s.BadRequestWithError(w, req, errE)
		return
	}

	file, errE := site.Files.GetOne(ctx, path, changeset)
	if errE != nil {
		s.handleError(w, req, errE)
		return
	}
	if file == nil {
		s.NotFound(w, req)
		return
	}

	s.WriteJSON(w, req, file, nil)
}

// FileReadGet is a GET/HEAD HTTP request handler which returns the raw file
// content for a path.
func (s *Service) FileReadGet(w http.ResponseWriter, req *http.Request, _ waf.Params) {
	ctx := req.Context()
	site := waf.MustGetSite[*Site](ctx)

	path := req.Form.Get("path")
	if errE := files.ValidatePath(path); errE != nil {
		s.BadRequestWithError(w, req, errE)
		return
	}

	changeset, errE := requestChangeset(req, site)
	if errE != nil {
		s.BadRequestWithError(w, req, errE)
		return
	}

	file, errE := site.Files.GetOne(ctx, path, changeset)
	if errE != nil {
		s.handleError(w, req, errE)
		return
	}
	if file == nil {
		s.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(file.Content)))
	_, _ = w.Write(file.Content)
}

type fileWriteRequest struct {
	Path      string                 `json:"path"`
	Content   []byte                 `json:"content,omitempty"`
	Blob      *identifier.Identifier `json:"blob,omitempty"`
	Meta      map[string]any         `json:"meta,omitempty"`
	Delete    bool                   `json:"delete,omitempty"`
	Changeset *int64                 `json:"changeset,omitempty"`
}

// FilePost is a POST HTTP request handler which writes a file: content, blob
// reference, or metadata only. With a "changeset" field the write goes into
// the staging changeset; without one it requires microversions to be enabled.
func (s *Service) FilePost(w http.ResponseWriter, req *http.Request, _ waf.Params) {
	defer req.Body.Close()
	defer io.Copy(io.Discard, req.Body) //nolint:errcheck

	ctx := req.Context()

	if req.ContentLength < 0 || req.ContentLength > maxPayloadSize {
		s.BadRequestWithError(w, req, errors.New("invalid content length"))
		return
	}

	var payload fileWriteRequest
	errE := x.DecodeJSONWithoutUnknownFields(req.Body, &payload)
	if errE != nil {
		s.BadRequestWithError(w, req, errE)
		return
	}

	site := waf.MustGetSite[*Site](ctx)

	var changeset files.Changeset
	if payload.Changeset != nil {
		changeset = site.Versions.Changeset(*payload.Changeset)
	}

	file, errE := site.Files.Write(ctx, files.WriteArgs{ //nolint:exhaustruct
		Path:       payload.Path,
		Content:    payload.Content,
		Blob:       payload.Blob,
		Meta:       payload.Meta,
		Delete:     payload.Delete,
		ModifiedBy: requestUser(req),
		Changeset:  changeset,
	})
	if errE != nil {
		s.handleError(w, req, errE)
		return
	}

	s.writeJSONStatus(w, req, http.StatusCreated, file)
}

// FileDelete is a DELETE HTTP request handler which deletes a file. Without
// a "changeset" query parameter it deletes from the root tree (requires
// microversions); with one it reverts the staged copy.
func (s *Service) FileDelete(w http.ResponseWriter, req *http.Request, _ waf.Params) {
	ctx := req.Context()
	site := waf.MustGetSite[*Site](ctx)

	path := req.Form.Get("path")
	if errE := files.ValidatePath(path); errE != nil {
		s.BadRequestWithError(w, req, errE)
		return
	}

	changeset, errE := requestChangeset(req, site)
	if errE != nil {
		s.BadRequestWithError(w, req, errE)
		return
	}

	errE = site.Files.Delete(ctx, files.DeleteArgs{ //nolint:exhaustruct
		Paths:     []string{path},
		Changeset: changeset,
	})
	if errE != nil {
		s.handleError(w, req, errE)
		return
	}

	s.WriteJSON(w, req, map[string]bool{"success": true}, nil)
}

// FileListGet is a GET/HEAD HTTP request handler which lists files under a
// directory in a changeset.
func (s *Service) FileListGet(w http.ResponseWriter, req *http.Request, _ waf.Params) {
	ctx := req.Context()
	site := waf.MustGetSite[*Site](ctx)

	dirPath := req.Form.Get("dir")
	if dirPath == "" {
		dirPath = "/"
	}
	if errE := files.ValidatePath(dirPath); errE != nil {
		s.BadRequestWithError(w, req, errE)
		return
	}

	changeset, errE := requestChangeset(req, site)
	if errE != nil {
		s.BadRequestWithError(w, req, errE)
		return
	}

	listing, errE := site.Files.ListFiles(ctx, files.ListFilesArgs{ //nolint:exhaustruct
		DirPath:   dirPath,
		Recursive: req.Form.Get("recursive") == "true",
		Changeset: changeset,
	})
	if errE != nil {
		s.handleError(w, req, errE)
		return
	}

	s.WriteJSON(w, req, listing, nil)
}

type newBlobResponse struct {
	Blob identifier.Identifier `json:"blob"`
}

// FileNewBlobPost is a POST HTTP request handler which starts a new blob
// upload for contents too large to write inline.
func (s *Service) FileNewBlobPost(w http.ResponseWriter, req *http.Request, _ waf.Params) {
	ctx := req.Context()
	site := waf.MustGetSite[*Site](ctx)

	blob, errE := site.Files.Store().NewBlob(ctx)
	if errE != nil {
		s.handleError(w, req, errE)
		return
	}

	s.writeJSONStatus(w, req, http.StatusCreated, newBlobResponse{Blob: blob})
}

// FileAppendBlobPost is a POST HTTP request handler which appends the request
// body to a non-finalized blob.
func (s *Service) FileAppendBlobPost(w http.ResponseWriter, req *http.Request, _ waf.Params) {
	defer req.Body.Close()
	defer io.Copy(io.Discard, req.Body) //nolint:errcheck

	ctx := req.Context()

	blob, errE := identifier.FromString(req.Form.Get("blob"))
	if errE != nil {
		s.BadRequestWithError(w, req, errE)
		return
	}

	if req.ContentLength < 0 || req.ContentLength > maxPayloadSize {
		s.BadRequestWithError(w, req, errors.New("invalid content length"))
		return
	}

	buffer := make([]byte, req.ContentLength)
	_, err := io.ReadFull(req.Body, buffer)
	if err != nil {
		s.BadRequestWithError(w, req, errors.WithStack(err))
		return
	}

	site := waf.MustGetSite[*Site](ctx)

	errE = site.Files.Store().AppendBlob(ctx, blob, buffer)
	if errE != nil {
		s.handleError(w, req, errE)
		return
	}

	s.WriteJSON(w, req, map[string]bool{"success": true}, nil)
}

type finalizeBlobResponse struct {
	Blob identifier.Identifier `json:"blob"`
	Size int64                 `json:"size"`
	MD5  string                `json:"md5"`
}

// FileFinalizeBlobPost is a POST HTTP request handler which finalizes a blob,
// making it immutable and referenceable by file writes.
func (s *Service) FileFinalizeBlobPost(w http.ResponseWriter, req *http.Request, _ waf.Params) {
	ctx := req.Context()

	blob, errE := identifier.FromString(req.Form.Get("blob"))
	if errE != nil {
		s.BadRequestWithError(w, req, errE)
		return
	}

	site := waf.MustGetSite[*Site](ctx)

	size, blobMD5, errE := site.Files.Store().FinalizeBlob(ctx, blob)
	if errE != nil {
		s.handleError(w, req, errE)
		return
	}

	s.WriteJSON(w, req, finalizeBlobResponse{Blob: blob, Size: size, MD5: blobMD5}, nil)
}
