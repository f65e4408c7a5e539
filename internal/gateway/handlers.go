package gateway

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/proofline/internal/lifecycle"
	"github.com/basket/proofline/internal/phase"
)

func (s *Server) handlePhases(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"phases": phase.Catalog()})
}

type createTaskRequest struct {
	Title      string   `json:"title"`
	AssigneeID string   `json:"assignee_id"`
	ReviewerID string   `json:"reviewer_id"`
	Phases     []string `json:"phases"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, s.schemas.createTask, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.cfg.Service.CreateTask(r.Context(), lifecycle.CreateInput{
		Title:      req.Title,
		AssigneeID: req.AssigneeID,
		ReviewerID: req.ReviewerID,
		Phases:     req.Phases,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := lifecycle.ListFilter{
		AssigneeID:    q.Get("assignee"),
		ReviewerID:    q.Get("reviewer"),
		OverallStatus: lifecycle.OverallStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: invalid limit %q", lifecycle.ErrValidation, v))
			return
		}
		filter.Limit = n
	}
	recs, err := s.cfg.Service.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*lifecycle.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": recs})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	s.respondRecord(w, r, http.StatusOK)(s.cfg.Service.GetTask(r.Context(), r.PathValue("id")))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Service.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEditPhases(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phases []string `json:"phases"`
	}
	if err := decodeBody(r, s.schemas.editPhases, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondRecord(w, r, http.StatusOK)(s.cfg.Service.EditPhases(r.Context(), r.PathValue("id"), req.Phases))
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Held bool `json:"held"`
	}
	if err := decodeBody(r, s.schemas.hold, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondRecord(w, r, http.StatusOK)(s.cfg.Service.SetHold(r.Context(), r.PathValue("id"), req.Held))
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.Service.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": r.PathValue("id"), "phases": entries})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: invalid limit %q", lifecycle.ErrValidation, v))
			return
		}
		limit = n
	}
	events, err := s.cfg.Service.Events(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []lifecycle.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type submitProofRequest struct {
	Phase          string `json:"phase"`
	ProofReference string `json:"proof_reference"`
	ProofNote      string `json:"proof_note"`
}

// handleSubmitProof accepts JSON, or multipart form data with an optional
// "artifact" file alongside phase and proof_note fields.
func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	in := lifecycle.SubmitInput{TaskID: r.PathValue("id")}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var req submitProofRequest
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			s.writeError(w, r, multipartError(err))
			return
		}
		defer r.MultipartForm.RemoveAll()
		req = submitProofRequest{
			Phase:          r.FormValue("phase"),
			ProofReference: r.FormValue("proof_reference"),
			ProofNote:      r.FormValue("proof_note"),
		}
		file, _, err := r.FormFile("artifact")
		switch {
		case err == nil:
			defer file.Close()
			in.Artifact = file
		case !errors.Is(err, http.ErrMissingFile):
			s.writeError(w, r, multipartError(err))
			return
		}
	} else if err := decodeBody(r, s.schemas.submitProof, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.Phase != "" {
		key, err := phase.ParseKey(req.Phase)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", lifecycle.ErrNotFound, err))
			return
		}
		in.Phase = key
	}
	in.ProofReference = req.ProofReference
	in.ProofNote = req.ProofNote
	s.respondRecord(w, r, http.StatusOK)(s.cfg.Service.SubmitProof(r.Context(), in))
}

func multipartError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return err
	}
	return fmt.Errorf("%w: multipart: %v", lifecycle.ErrValidation, err)
}

func (s *Server) handleDeleteProof(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathPhase(w, r)
	if !ok {
		return
	}
	s.respondRecord(w, r, http.StatusOK)(s.cfg.Service.DeleteProof(r.Context(), r.PathValue("id"), key))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathPhase(w, r)
	if !ok {
		return
	}
	s.respondRecord(w, r, http.StatusOK)(s.cfg.Service.ApprovePhase(r.Context(), r.PathValue("id"), key))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathPhase(w, r)
	if !ok {
		return
	}
	s.respondRecord(w, r, http.StatusOK)(s.cfg.Service.RejectPhase(r.Context(), r.PathValue("id"), key))
}

func (s *Server) handleApproveAll(w http.ResponseWriter, r *http.Request) {
	s.respondRecord(w, r, http.StatusOK)(s.cfg.Service.BulkApprove(r.Context(), r.PathValue("id")))
}

func (s *Server) handleRejectAll(w http.ResponseWriter, r *http.Request) {
	s.respondRecord(w, r, http.StatusOK)(s.cfg.Service.BulkReject(r.Context(), r.PathValue("id")))
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Artifacts == nil {
		s.writeError(w, r, fmt.Errorf("%w: no artifact store configured", lifecycle.ErrNotFound))
		return
	}
	ref := r.PathValue("ref")
	rc, size, err := s.cfg.Artifacts.Open(ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("ETag", `"`+strings.TrimPrefix(ref, "blake3:")+`"`)
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

// pathPhase parses the {phase} path value, accepting keys or short codes.
func (s *Server) pathPhase(w http.ResponseWriter, r *http.Request) (phase.Key, bool) {
	key, err := phase.ParseKey(r.PathValue("phase"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", lifecycle.ErrNotFound, err))
		return "", false
	}
	return key, true
}

func (s *Server) respondRecord(w http.ResponseWriter, r *http.Request, status int) func(*lifecycle.Record, error) {
	return func(rec *lifecycle.Record, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, status, rec)
	}
}
