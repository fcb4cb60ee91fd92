package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"codeberg.org/snonux/hanzirecall/internal/domain"
	"codeberg.org/snonux/hanzirecall/internal/intake"
	"codeberg.org/snonux/hanzirecall/internal/mediacache"
	"codeberg.org/snonux/hanzirecall/internal/progress"
)

const maxBodyBytes = 1 << 20

type createCollectionRequest struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

type importRequest struct {
	Symbols   []string             `json:"symbols"`
	Entries   []domain.ImportEntry `json:"entries"`
	Requester string               `json:"requester"`
}

type enrichRequest struct {
	CollectionID string            `json:"collectionId"`
	Force        bool              `json:"force"`
	Selection    *domain.Selection `json:"selection"`
}

type reenrichRequest struct {
	Override bool `json:"override"`
}

type reclaimRequest struct {
	Grace string `json:"grace"`
}

type checkRequest struct {
	Symbols []string `json:"symbols"`
}

type jobResponse struct {
	JobID  string         `json:"jobId"`
	Report *intake.Report `json:"report,omitempty"`
	Cards  *int           `json:"cards,omitempty"`
}

func (s *Server) createCollection(w http.ResponseWriter, r *http.Request) {
	var req createCollectionRequest
	if !s.decode(w, r, &req) {
		return
	}
	col, err := s.proc.CreateCollection(r.Context(), req.Owner, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCollectionDTO(col))
}

func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	view, err := s.proc.GetCollection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCollectionViewDTO(view))
}

func (s *Server) importSymbols(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !s.decode(w, r, &req) {
		return
	}
	entries := append(intake.Symbols(req.Symbols), req.Entries...)
	jobID, report, err := s.proc.ImportSymbols(r.Context(), chi.URLParam(r, "id"), entries, req.Requester)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID, Report: report})
}

func (s *Server) enrichCollection(w http.ResponseWriter, r *http.Request) {
	var req enrichRequest
	if !s.decode(w, r, &req) {
		return
	}
	jobID, err := s.proc.EnqueueCollectionEnrichment(r.Context(), chi.URLParam(r, "id"), req.Force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID})
}

func (s *Server) stopCollection(w http.ResponseWriter, r *http.Request) {
	if err := s.proc.StopCollection(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stop requested"})
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	jobID, n, err := s.proc.RetryFailedCards(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID, Cards: &n})
}

func (s *Server) enrichCard(w http.ResponseWriter, r *http.Request) {
	var req enrichRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.CollectionID == "" {
		s.writeError(w, r, domain.NewValidationError("collectionId", "is required"))
		return
	}
	jobID, err := s.proc.EnqueueCardEnrichment(r.Context(), chi.URLParam(r, "id"), req.CollectionID, req.Force, req.Selection)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID})
}

func (s *Server) deleteCard(w http.ResponseWriter, r *http.Request) {
	if err := s.proc.DeleteCard(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.proc.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) checkDisambiguation(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !s.decode(w, r, &req) {
		return
	}
	ambiguities, err := s.proc.CheckDisambiguation(r.Context(), req.Symbols)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ambiguities == nil {
		ambiguities = []domain.Ambiguity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ambiguities": ambiguities})
}

func (s *Server) submitDisambiguation(w http.ResponseWriter, r *http.Request) {
	var sel domain.Selection
	if !s.decode(w, r, &sel) {
		return
	}
	resumed, err := s.proc.SubmitDisambiguation(r.Context(), sel)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resumed": resumed})
}

func (s *Server) adminReenrich(w http.ResponseWriter, r *http.Request) {
	var req reenrichRequest
	if !s.decode(w, r, &req) {
		return
	}
	jobID, err := s.proc.EnqueueAdminReenrichment(r.Context(), chi.URLParam(r, "id"), req.Override)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID})
}

func (s *Server) reclaimMedia(w http.ResponseWriter, r *http.Request) {
	var req reclaimRequest
	if !s.decode(w, r, &req) {
		return
	}
	grace := s.opts.ReclaimGrace
	if req.Grace != "" {
		d, err := time.ParseDuration(req.Grace)
		if err != nil || d < 0 {
			s.writeError(w, r, domain.NewValidationError("grace", fmt.Sprintf("invalid duration %q", req.Grace)))
			return
		}
		grace = d
	}
	report, err := s.proc.ReclaimMedia(r.Context(), grace)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) serveMedia(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	data, contentType, err := s.media.Open(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sum := sha256.Sum256(data)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", `"`+hex.EncodeToString(sum[:16])+`"`)
	// Canonical keys are rewritten in place by a forced refresh; override
	// keys are never rewritten.
	if mediacache.IsOverrideKey(key) {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		w.Header().Set("Cache-Control", "no-cache")
	}
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
}

// events streams progress of one collection as server-sent events. The
// first event is always "connected". The stream ends when the collection
// reaches a terminal status or the client goes away.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.proc.GetCollection(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errors.New("streaming unsupported"))
		return
	}

	sub := s.hub.Subscribe(id)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The snapshot follows the connected event, so a client joining late
	// still sees where the collection stands.
	snapshot := progress.Event{
		Type:         progress.EventCollection,
		CollectionID: id,
		Status:       string(view.Collection.Status),
		Message:      view.Collection.CurrentOperation,
		Progress:     &view.Progress,
		Time:         time.Now(),
	}

	keepAlive := time.NewTicker(s.opts.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				s.log.Debug("event stream closed", "collection_id", id, "error", err)
				return
			}
			if ev.Type == progress.EventConnected {
				if err := writeEvent(w, snapshot); err != nil {
					return
				}
			}
			flusher.Flush()
			if ev.Type == progress.EventConnected && snapshot.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, ev progress.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, domain.NewValidationError("body", err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error     string              `json:"error"`
	Errors    []domain.FieldError `json:"errors,omitempty"`
	Rejected  []domain.Rejection  `json:"rejected,omitempty"`
	Ambiguity *domain.Ambiguity   `json:"ambiguity,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Error: err.Error()}
	code := http.StatusInternalServerError

	var verr *domain.ValidationError
	var derr *domain.DisambiguationRequiredError
	switch {
	case errors.As(err, &verr):
		code = http.StatusBadRequest
		resp.Errors, resp.Rejected = verr.Errors, verr.Rejected
	case errors.As(err, &derr):
		code = http.StatusConflict
		resp.Ambiguity = &derr.Ambiguity
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrStaleWrite):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, resp)
}
