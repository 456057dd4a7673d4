package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fraud-analyst/internal/model"
	"github.com/sells-group/fraud-analyst/internal/store"
)

type errorResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

type startResponse struct {
	SessionID string              `json:"session_id"`
	Status    model.SessionStatus `json:"status"`
	StreamURL string              `json:"stream_url"`
}

type healthResponse struct {
	Status         string             `json:"status"`
	ModelVersion   string             `json:"model_version,omitempty"`
	Collaborator   collaboratorHealth `json:"collaborator"`
	ActiveSessions int                `json:"active_sessions"`
}

type collaboratorHealth struct {
	Enabled bool   `json:"enabled"`
	Model   string `json:"model,omitempty"`
	Circuit string `json:"circuit"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

// statusFor maps the error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrSessionNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		resp.Error = "validation failed"
		resp.Problems = ve.Problems
	}
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}

// decodeRequest reads an AnalysisRequest, rejecting unknown fields.
func decodeRequest(w http.ResponseWriter, r *http.Request) (model.AnalysisRequest, error) {
	var req model.AnalysisRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, model.NewValidationError("invalid request body: " + err.Error())
	}
	return req, nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		ModelVersion: s.engine.ModelVersion(),
		Collaborator: collaboratorHealth{
			Enabled: s.engine.CollaboratorEnabled(),
			Model:   s.engine.CollaboratorModel(),
			Circuit: s.engine.CollaboratorCircuit().State.String(),
		},
		ActiveSessions: s.engine.Sessions().Len(),
	}
	status := http.StatusOK
	if resp.ModelVersion == "" {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.engine.Analyze(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) startAnalysis(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.engine.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{
		SessionID: sess.ID(),
		Status:    model.SessionRunning,
		StreamURL: "/api/v1/analyses/" + sess.ID() + "/stream",
	})
}

// getAnalysis serves a live session first, then the archive. A finished live
// session returns its result; a running one returns its snapshot.
func (s *Server) getAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if sess, err := s.engine.Sessions().Get(id); err == nil {
		snap := sess.Snapshot()
		if snap.Status == model.SessionComplete {
			if result, err := sess.Result(); err == nil {
				writeJSON(w, http.StatusOK, result)
				return
			}
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}

	if s.store == nil {
		writeError(w, r, eris.Wrapf(model.ErrSessionNotFound, "api: analysis %s", id))
		return
	}
	result, err := s.store.GetAnalysis(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listAnalyses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AnalysisFilter{
		CustomerID: q.Get("customer_id"),
		Action:     model.Action(q.Get("action")),
	}
	var problems []string
	if filter.Action != "" && !filter.Action.Valid() {
		problems = append(problems, "action must be APPROVE, BLOCK or MANUAL_REVIEW")
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				problems = append(problems, name+" must be a non-negative integer")
				continue
			}
			*dst = n
		}
	}
	if len(problems) > 0 {
		writeError(w, r, model.NewValidationError(problems...))
		return
	}

	if s.store == nil {
		writeJSON(w, http.StatusOK, []model.AnalysisSummary{})
		return
	}
	list, err := s.store.ListAnalyses(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.AnalysisSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) cancelAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Sessions().Cancel(id); err != nil {
		writeError(w, r, err)
		return
	}
	zap.L().Info("api: analysis cancelled", zap.String("session_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) usage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Usage().Snapshot())
}

// resetUsage zeroes the counters and returns the totals they held.
func (s *Server) resetUsage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Usage().Reset())
}
