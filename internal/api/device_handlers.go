package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/breeze-rmm/breeze/internal/jobs"
	"github.com/breeze-rmm/breeze/internal/metrics"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/store"
)

const defaultCommandTTL = time.Hour

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	q := r.URL.Query()
	filter := store.DeviceFilter{
		OrgID:  q.Get("orgId"),
		SiteID: q.Get("siteId"),
		Status: models.DeviceStatus(q.Get("status")),
		OSType: models.OSType(q.Get("osType")),
	}
	devices, err := s.store.Devices.List(r.Context(), ac.OrgScope(), filter, pageFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	device, err := s.store.Devices.Get(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

type updateDeviceRequest struct {
	DisplayName *string  `json:"displayName" validate:"omitempty,max=200"`
	SiteID      *string  `json:"siteId"`
	Tags        []string `json:"tags" validate:"omitempty,dive,min=1,max=64"`
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	var req updateDeviceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	device, err := s.store.Devices.Get(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.DisplayName != nil {
		device.DisplayName = *req.DisplayName
	}
	if req.SiteID != nil {
		// Site moves stay inside the device's org.
		site, err := s.store.Sites.Get(r.Context(), ac.OrgScope(), *req.SiteID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if site.OrgID != device.OrgID {
			writeError(w, r, httperr.Validation("site belongs to a different organization", nil))
			return
		}
		device.SiteID = *req.SiteID
	}
	if req.Tags != nil {
		device.Tags = req.Tags
	}
	if err := s.store.Devices.Update(r.Context(), ac.OrgScope(), device); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, &device.OrgID, "device.updated", "device", device.ID, device.Hostname)
	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleDecommissionDevice(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	device, err := s.store.Devices.Get(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.Devices.SoftDelete(r.Context(), ac.OrgScope(), device.ID); err != nil {
		writeError(w, r, err)
		return
	}
	s.hub.CloseDevice(device.ID)
	s.auditAction(r, &device.OrgID, "device.decommissioned", "device", device.ID, device.Hostname)
	writeJSON(w, http.StatusNoContent, nil)
}

type maintenanceRequest struct {
	Enter bool       `json:"enter"`
	Until *time.Time `json:"until"`
}

// handleDeviceMaintenance toggles maintenance mode. Alerts for the device
// are suppressed while the window is open; a nil Until leaves it open until
// explicitly cleared.
func (s *Server) handleDeviceMaintenance(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	var req maintenanceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Until != nil && req.Until.Before(time.Now()) {
		writeError(w, r, httperr.Validation("maintenance window ends in the past", nil))
		return
	}
	device, err := s.store.Devices.Get(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.Devices.SetMaintenance(r.Context(), ac.OrgScope(), device.ID, req.Until, req.Enter); err != nil {
		writeError(w, r, err)
		return
	}
	action := "device.maintenance_entered"
	if !req.Enter {
		action = "device.maintenance_cleared"
	}
	s.auditAction(r, &device.OrgID, action, "device", device.ID, device.Hostname)
	writeJSON(w, http.StatusOK, map[string]any{"maintenance": req.Enter, "until": req.Until})
}

type queueCommandRequest struct {
	Type           string          `json:"type" validate:"required"`
	Args           json.RawMessage `json:"args"`
	TimeoutSeconds int             `json:"timeoutSeconds" validate:"omitempty,gt=0,lte=86400"`
}

func (s *Server) handleQueueCommand(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	var req queueCommandRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !models.KnownCommandType(req.Type) {
		writeError(w, r, httperr.Validation("unknown command type", map[string]string{"type": req.Type}))
		return
	}
	device, err := s.store.Devices.Get(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if device.Status == models.DeviceStatusDecommissioned || device.Status == models.DeviceStatusQuarantined {
		writeError(w, r, httperr.Conflict("device is "+string(device.Status)))
		return
	}

	ttl := defaultCommandTTL
	if req.TimeoutSeconds > 0 {
		ttl = time.Duration(req.TimeoutSeconds) * time.Second
	}
	now := time.Now().UTC()
	cmd := &models.DeviceCommand{
		ID:        ids.New(),
		DeviceID:  device.ID,
		OrgID:     device.OrgID,
		Type:      req.Type,
		Payload:   req.Args,
		Status:    models.CommandStatusPending,
		IssuedBy:  ac.UserID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.Commands.Create(r.Context(), s.store.Pool(), cmd); err != nil {
		writeError(w, r, err)
		return
	}

	metrics.CommandsIssuedTotal.WithLabelValues(cmd.Type).Inc()
	s.hub.NotifyCommand(device.ID)
	s.auditAction(r, &device.OrgID, "command.issued", "command", cmd.ID, cmd.Type)
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	cmds, err := s.store.Commands.ListForDevice(r.Context(), ac.OrgScope(), r.PathValue("id"), pageFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	cid := r.PathValue("cid")
	if err := s.store.Commands.Cancel(r.Context(), ac.OrgScope(), cid); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, nil, "command.cancelled", "command", cid, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.CommandStatusCancelled)})
}

type bulkCommandRequest struct {
	OrgID          string          `json:"orgId" validate:"required"`
	DeviceIDs      []string        `json:"deviceIds" validate:"required,min=1,max=1000"`
	Type           string          `json:"type" validate:"required"`
	Args           json.RawMessage `json:"args"`
	TimeoutSeconds int             `json:"timeoutSeconds" validate:"omitempty,gt=0,lte=86400"`
}

// handleBulkCommands fans a command out to many devices through the durable
// deployment queue, so a crash mid-fan-out resumes instead of issuing half
// the fleet.
func (s *Server) handleBulkCommands(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	var req bulkCommandRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !models.KnownCommandType(req.Type) {
		writeError(w, r, httperr.Validation("unknown command type", map[string]string{"type": req.Type}))
		return
	}
	if !ac.CanAccessOrg(req.OrgID) {
		writeError(w, r, httperr.NotFound("organization"))
		return
	}

	kind := models.JobKindDeployment
	if req.Type == models.CommandPatchInstall || req.Type == models.CommandPatchRollback {
		kind = models.JobKindPatch
	}
	payload := jobs.DeployPayload{
		OrgID:          req.OrgID,
		DeviceIDs:      req.DeviceIDs,
		CommandType:    req.Type,
		Args:           req.Args,
		TimeoutSeconds: req.TimeoutSeconds,
		IssuedBy:       ac.UserID,
	}
	job, err := s.queue.Enqueue(r.Context(), kind, &req.OrgID, payload, ids.New())
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, &req.OrgID, "command.bulk_issued", "job", job.ID, req.Type)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":   job.ID,
		"kind":    job.Kind,
		"devices": len(req.DeviceIDs),
	})
}
