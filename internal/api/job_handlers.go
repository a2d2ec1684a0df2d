package api

import (
	"encoding/json"
	"net/http"

	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/breeze-rmm/breeze/internal/jobs"
	"github.com/breeze-rmm/breeze/internal/models"
)

type deploymentRequest struct {
	OrgID          string          `json:"orgId" validate:"required"`
	DeviceIDs      []string        `json:"deviceIds" validate:"required,min=1,max=1000"`
	CommandType    string          `json:"commandType" validate:"required"`
	Args           json.RawMessage `json:"args"`
	TimeoutSeconds int             `json:"timeoutSeconds" validate:"omitempty,gt=0,lte=86400"`
}

// handleCreateDeployment queues a software rollout or patch run. The fan-out
// worker issues per-device commands and completes the job when every target
// lands in a terminal state.
func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	var req deploymentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !models.KnownCommandType(req.CommandType) {
		writeError(w, r, httperr.Validation("unknown command type", map[string]string{"commandType": req.CommandType}))
		return
	}
	if !ac.CanAccessOrg(req.OrgID) {
		writeError(w, r, httperr.NotFound("organization"))
		return
	}

	kind := models.JobKindDeployment
	if req.CommandType == models.CommandPatchInstall || req.CommandType == models.CommandPatchRollback {
		kind = models.JobKindPatch
	}
	payload := jobs.DeployPayload{
		OrgID:          req.OrgID,
		DeviceIDs:      req.DeviceIDs,
		CommandType:    req.CommandType,
		Args:           req.Args,
		TimeoutSeconds: req.TimeoutSeconds,
		IssuedBy:       ac.UserID,
	}
	job, err := s.queue.Enqueue(r.Context(), kind, &req.OrgID, payload, ids.New())
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, &req.OrgID, "deployment.created", "job", job.ID, req.CommandType)
	writeJSON(w, http.StatusAccepted, job)
}

// scopedJob loads a job and applies the tenancy filter. System jobs (nil
// org) are visible to unrestricted callers only.
func (s *Server) scopedJob(r *http.Request, id string) (*models.JobRun, error) {
	ac := mustAuth(r)
	job, err := s.store.Jobs.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	scope := ac.OrgScope()
	if job.OrgID == nil {
		if !scope.Unrestricted() {
			return nil, httperr.NotFound("job")
		}
	} else if !scope.Contains(*job.OrgID) {
		return nil, httperr.NotFound("job")
	}
	return job, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.scopedJob(r, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	job, err := s.scopedJob(r, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	results, err := s.store.Jobs.Results(r.Context(), job.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	total, terminal, err := s.store.Jobs.ResultsSummary(r.Context(), job.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":    job.ID,
		"status":   job.Status,
		"total":    total,
		"terminal": terminal,
		"results":  results,
	})
}
