package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"meridian-hq/meridian/pkg/impact"
	"meridian-hq/meridian/pkg/intervention"
	"meridian-hq/meridian/pkg/rule"
	"meridian-hq/meridian/pkg/workflow"
	wfengine "meridian-hq/meridian/pkg/workflow/engine"
)

// errorResponse is the JSON error body for every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps a domain error onto an HTTP status: validation
// problems map to 400, missing records to 404, policy violations and
// concurrency conflicts to 409, everything else to 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	var (
		validationErr *rule.ValidationError
		orderErr      *wfengine.StepOrderViolation
		skipErr       *wfengine.CannotSkipRequiredStep
		resolvedErr   *wfengine.StepAlreadyResolved
	)

	switch {
	case errors.Is(err, intervention.ErrNotFound),
		errors.Is(err, rule.ErrRuleNotFound),
		errors.Is(err, workflow.ErrDefinitionNotFound),
		errors.Is(err, workflow.ErrStepNotFound):
		status, kind = http.StatusNotFound, "not_found"

	case errors.Is(err, intervention.ErrConcurrentModification):
		status, kind = http.StatusConflict, "concurrent_modification"

	case errors.Is(err, intervention.ErrDuplicateOpen):
		status, kind = http.StatusConflict, "duplicate_open"

	case errors.As(err, &orderErr):
		status, kind = http.StatusConflict, "step_order_violation"

	case errors.As(err, &skipErr):
		status, kind = http.StatusConflict, "cannot_skip_required_step"

	case errors.As(err, &resolvedErr):
		status, kind = http.StatusConflict, "step_already_resolved"

	case errors.Is(err, wfengine.ErrWorkflowFrozen):
		status, kind = http.StatusConflict, "workflow_frozen"

	case errors.Is(err, wfengine.ErrTerminalStatus):
		status, kind = http.StatusConflict, "terminal_status"

	case errors.Is(err, wfengine.ErrActorRequired),
		errors.Is(err, wfengine.ErrReasonRequired),
		errors.As(err, &validationErr):
		status, kind = http.StatusBadRequest, "validation"

	case errors.Is(err, impact.ErrInsufficientData):
		status, kind = http.StatusUnprocessableEntity, "insufficient_data"
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: "validation"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
