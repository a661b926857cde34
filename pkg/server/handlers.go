package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"meridian-hq/meridian/pkg/audit"
	"meridian-hq/meridian/pkg/intervention"
	"meridian-hq/meridian/pkg/metric"
	"meridian-hq/meridian/pkg/server/middleware"
)

// snapshotRequest is the ingest payload: one subject's metric values
// from an upstream computation pass.
type snapshotRequest struct {
	SubjectID  string             `json:"subject_id"`
	Values     map[string]float64 `json:"values"`
	ObservedAt time.Time          `json:"observed_at"`
}

type snapshotResponse struct {
	Created []*intervention.Intervention `json:"created"`
}

// handleSnapshot records the snapshot set and runs a rule evaluation
// pass over it, returning the interventions opened.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.SubjectID == "" {
		writeBadRequest(w, "subject_id is required")
		return
	}
	if len(req.Values) == 0 {
		writeBadRequest(w, "values are required")
		return
	}
	if req.ObservedAt.IsZero() {
		req.ObservedAt = time.Now()
	}

	sm := metric.SubjectMetrics{
		SubjectID:  req.SubjectID,
		Values:     req.Values,
		ObservedAt: req.ObservedAt,
	}

	if err := s.deps.Recorder.RecordSet(r.Context(), sm); err != nil {
		writeError(w, err)
		return
	}

	created, err := s.deps.RuleEngine.Evaluate(r.Context(), sm)
	if err != nil {
		writeError(w, err)
		return
	}
	if created == nil {
		created = []*intervention.Intervention{}
	}

	writeJSON(w, http.StatusOK, snapshotResponse{Created: created})
}

// openInterventionRequest opens a case manually.
type openInterventionRequest struct {
	SubjectID         string `json:"subject_id"`
	Type              string `json:"type"`
	Priority          int    `json:"priority"`
	ActionDescription string `json:"action_description"`
	ResponsibleActor  string `json:"responsible_actor"`
	RequiresFollowup  bool   `json:"requires_followup"`
	FollowupDate      string `json:"followup_date,omitempty"`
}

func (s *Server) handleOpenIntervention(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	var req openInterventionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	iv := &intervention.Intervention{
		SubjectID:         req.SubjectID,
		Type:              req.Type,
		Priority:          req.Priority,
		ActionDescription: req.ActionDescription,
		ResponsibleActor:  req.ResponsibleActor,
		RequiresFollowup:  req.RequiresFollowup,
	}
	if req.FollowupDate != "" {
		t, err := time.Parse(time.RFC3339, req.FollowupDate)
		if err != nil {
			writeBadRequest(w, "followup_date must be RFC 3339")
			return
		}
		iv.FollowupDate = t
	}

	opened, err := s.deps.RuleEngine.OpenManual(r.Context(), iv, actor)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, opened)
}

func (s *Server) handleListInterventions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := intervention.Filter{
		SubjectID: q.Get("subject_id"),
		RuleID:    q.Get("rule_id"),
		Type:      q.Get("type"),
		Status:    intervention.Status(q.Get("status")),
		OnlyOpen:  q.Get("open") == "true",
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	list, err := s.deps.Store.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*intervention.Intervention{}
	}
	writeJSON(w, http.StatusOK, list)
}

// interventionDetail is a case with its workflow instance.
type interventionDetail struct {
	Intervention *intervention.Intervention `json:"intervention"`
	Workflow     interface{}                `json:"workflow,omitempty"`
}

func (s *Server) handleGetIntervention(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	iv, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	detail := interventionDetail{Intervention: iv}
	if in, err := s.deps.Store.GetInstance(r.Context(), id); err == nil {
		detail.Workflow = in
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCompleteStep(w http.ResponseWriter, r *http.Request) {
	s.resolveStep(w, r, true)
}

func (s *Server) handleSkipStep(w http.ResponseWriter, r *http.Request) {
	s.resolveStep(w, r, false)
}

func (s *Server) resolveStep(w http.ResponseWriter, r *http.Request, complete bool) {
	id := r.PathValue("id")
	stepNumber, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || stepNumber < 1 {
		writeBadRequest(w, "step number must be a positive integer")
		return
	}
	actor := middleware.GetActor(r.Context())

	var in interface{}
	if complete {
		in, err = s.deps.Workflows.CompleteStep(r.Context(), id, stepNumber, actor)
	} else {
		in, err = s.deps.Workflows.SkipStep(r.Context(), id, stepNumber, actor)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// reasonRequest carries the reason/outcome for escalate, cancel, and
// close.
type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.deps.Workflows.Escalate)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.deps.Workflows.Cancel)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.deps.Workflows.Close)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id, reason string, actor audit.Actor) error) {
	id := r.PathValue("id")
	actor := middleware.GetActor(r.Context())

	var req reasonRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := apply(r.Context(), id, req.Reason, actor); err != nil {
		writeError(w, err)
		return
	}

	iv, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iv)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := &audit.Query{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Action:     q.Get("action"),
		ActorID:    q.Get("actor_id"),
		Category:   q.Get("category"),
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeBadRequest(w, "from must be RFC 3339")
			return
		}
		query.StartTime = &t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeBadRequest(w, "to must be RFC 3339")
			return
		}
		query.EndTime = &t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		query.Limit = n
	}

	entries, err := s.deps.AuditLog.Query(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleImpact(w http.ResponseWriter, r *http.Request) {
	interventionType := r.PathValue("type")
	q := r.URL.Query()

	windowEnd := time.Now()
	windowStart := windowEnd.AddDate(0, -1, 0)
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeBadRequest(w, "from must be RFC 3339")
			return
		}
		windowStart = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeBadRequest(w, "to must be RFC 3339")
			return
		}
		windowEnd = t
	}

	summary, err := s.deps.Analyzer.Summarize(r.Context(), interventionType, windowStart, windowEnd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
