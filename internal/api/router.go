package api

import (
	"net/http"

	"github.com/breeze-rmm/breeze/internal/alerting"
	"github.com/breeze-rmm/breeze/internal/audit"
	"github.com/breeze-rmm/breeze/internal/auth"
	"github.com/breeze-rmm/breeze/internal/cache"
	"github.com/breeze-rmm/breeze/internal/config"
	"github.com/breeze-rmm/breeze/internal/crypto"
	"github.com/breeze-rmm/breeze/internal/gateway"
	"github.com/breeze-rmm/breeze/internal/jobs"
	"github.com/breeze-rmm/breeze/internal/remote"
	"github.com/breeze-rmm/breeze/internal/store"
	"github.com/breeze-rmm/breeze/internal/webhooks"
	"github.com/breeze-rmm/breeze/internal/websocket"
)

// Deps collects everything the HTTP surface talks to. All fields are
// required except OIDC, which is nil when SSO is not configured.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Cache      *cache.Client
	Auth       *auth.Service
	OIDC       *OIDCService
	Gateway    *gateway.Service
	Remotes    *remote.Service
	Engine     *alerting.Engine
	Dispatcher *webhooks.Dispatcher
	Queue      *jobs.Queue
	Recorder   *audit.Recorder
	Hub        *websocket.Hub
	Relay      *websocket.Relay
	Secrets    *crypto.SecretBox
}

// Server owns the REST and WebSocket surface.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	cache      *cache.Client
	auth       *auth.Service
	oidc       *OIDCService
	gateway    *gateway.Service
	remotes    *remote.Service
	engine     *alerting.Engine
	dispatcher *webhooks.Dispatcher
	queue      *jobs.Queue
	recorder   *audit.Recorder
	hub        *websocket.Hub
	relay      *websocket.Relay
	secrets    *crypto.SecretBox
}

func NewServer(d Deps) *Server {
	return &Server{
		cfg:        d.Config,
		store:      d.Store,
		cache:      d.Cache,
		auth:       d.Auth,
		oidc:       d.OIDC,
		gateway:    d.Gateway,
		remotes:    d.Remotes,
		engine:     d.Engine,
		dispatcher: d.Dispatcher,
		queue:      d.Queue,
		recorder:   d.Recorder,
		hub:        d.Hub,
		relay:      d.Relay,
		secrets:    d.Secrets,
	}
}

// Handler builds the route table and wraps it in the shared middleware
// chain. Paths are URL-stable; new behavior gets a new path, not a changed
// one.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Liveness; no auth, no version prefix, safe for load balancers.
	mux.HandleFunc("GET /health", s.handleHealth)

	// Session lifecycle.
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/v1/auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/v1/auth/logout", s.authenticate(s.handleLogout))
	mux.HandleFunc("POST /api/v1/auth/mfa/setup", s.authenticate(s.handleMFASetup))
	mux.HandleFunc("POST /api/v1/auth/mfa/verify", s.authenticate(s.handleMFAVerify))
	mux.HandleFunc("POST /api/v1/auth/mfa/enable", s.authenticate(s.handleMFAVerify))
	mux.HandleFunc("POST /api/v1/auth/api-keys", s.authenticate(s.handleCreateAPIKey))
	mux.HandleFunc("DELETE /api/v1/auth/api-keys/{id}", s.authenticate(s.handleRevokeAPIKey))
	if s.oidc != nil {
		mux.HandleFunc("POST /api/v1/auth/oidc/start", s.handleOIDCStart)
		mux.HandleFunc("GET /api/v1/auth/oidc/callback", s.handleOIDCCallback)
	}

	// Agent gateway. Credentials are enrollment keys and device bearers, not
	// user tokens; the handlers do their own authentication.
	mux.HandleFunc("POST /api/v1/agents/enroll", s.handleEnroll)
	mux.HandleFunc("POST /api/v1/agents/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /api/v1/agents/{id}/commands/{cid}/result", s.handleCommandResult)
	mux.HandleFunc("POST /api/v1/agents/renew-cert", s.handleRenewCert)
	mux.HandleFunc("POST /api/v1/agents/{id}/approve", s.requirePermission("devices", "manage", s.handleApproveDevice))
	mux.HandleFunc("POST /api/v1/agents/{id}/deny", s.requirePermission("devices", "manage", s.handleDenyDevice))

	// Tenancy. Partners are system-operator territory; the rest is scoped by
	// the caller's memberships.
	mux.HandleFunc("POST /api/v1/partners", s.requireSystem(s.handleCreatePartner))
	mux.HandleFunc("GET /api/v1/partners", s.requireSystem(s.handleListPartners))
	mux.HandleFunc("GET /api/v1/partners/{id}", s.requireSystem(s.handleGetPartner))
	mux.HandleFunc("PATCH /api/v1/partners/{id}", s.requireSystem(s.handleUpdatePartner))
	mux.HandleFunc("DELETE /api/v1/partners/{id}", s.requireSystem(s.handleDeletePartner))
	mux.HandleFunc("POST /api/v1/orgs", s.requirePermission("orgs", "manage", s.handleCreateOrg))
	mux.HandleFunc("GET /api/v1/orgs", s.requirePermission("orgs", "read", s.handleListOrgs))
	mux.HandleFunc("GET /api/v1/orgs/{id}", s.requirePermission("orgs", "read", s.handleGetOrg))
	mux.HandleFunc("PATCH /api/v1/orgs/{id}", s.requirePermission("orgs", "manage", s.handleUpdateOrg))
	mux.HandleFunc("DELETE /api/v1/orgs/{id}", s.requirePermission("orgs", "manage", s.handleDeleteOrg))
	mux.HandleFunc("POST /api/v1/sites", s.requirePermission("orgs", "manage", s.handleCreateSite))
	mux.HandleFunc("GET /api/v1/sites", s.requirePermission("orgs", "read", s.handleListSites))
	mux.HandleFunc("GET /api/v1/sites/{id}", s.requirePermission("orgs", "read", s.handleGetSite))
	mux.HandleFunc("PATCH /api/v1/sites/{id}", s.requirePermission("orgs", "manage", s.handleUpdateSite))
	mux.HandleFunc("DELETE /api/v1/sites/{id}", s.requirePermission("orgs", "manage", s.handleDeleteSite))
	mux.HandleFunc("POST /api/v1/device-groups", s.requirePermission("devices", "manage", s.handleCreateGroup))
	mux.HandleFunc("GET /api/v1/device-groups", s.requirePermission("devices", "read", s.handleListGroups))
	mux.HandleFunc("GET /api/v1/device-groups/{id}", s.requirePermission("devices", "read", s.handleGetGroup))
	mux.HandleFunc("PATCH /api/v1/device-groups/{id}", s.requirePermission("devices", "manage", s.handleUpdateGroup))
	mux.HandleFunc("DELETE /api/v1/device-groups/{id}", s.requirePermission("devices", "manage", s.handleDeleteGroup))
	mux.HandleFunc("POST /api/v1/enrollment-keys", s.requirePermission("devices", "manage", s.handleCreateEnrollmentKey))
	mux.HandleFunc("DELETE /api/v1/enrollment-keys/{id}", s.requirePermission("devices", "manage", s.handleRevokeEnrollmentKey))

	// Device fleet.
	mux.HandleFunc("GET /api/v1/devices", s.requirePermission("devices", "read", s.handleListDevices))
	mux.HandleFunc("GET /api/v1/devices/{id}", s.requirePermission("devices", "read", s.handleGetDevice))
	mux.HandleFunc("PATCH /api/v1/devices/{id}", s.requirePermission("devices", "manage", s.handleUpdateDevice))
	mux.HandleFunc("DELETE /api/v1/devices/{id}", s.requirePermission("devices", "manage", s.handleDecommissionDevice))
	mux.HandleFunc("POST /api/v1/devices/{id}/maintenance", s.requirePermission("devices", "manage", s.handleDeviceMaintenance))
	mux.HandleFunc("POST /api/v1/devices/{id}/commands", s.requirePermission("devices", "control", s.handleQueueCommand))
	mux.HandleFunc("GET /api/v1/devices/{id}/commands", s.requirePermission("devices", "read", s.handleListCommands))
	mux.HandleFunc("POST /api/v1/devices/{id}/commands/{cid}/cancel", s.requirePermission("devices", "control", s.handleCancelCommand))
	mux.HandleFunc("POST /api/v1/devices/bulk/commands", s.requirePermission("devices", "control", s.handleBulkCommands))

	// Alerting.
	mux.HandleFunc("GET /api/v1/alerts", s.requirePermission("alerts", "read", s.handleListAlerts))
	mux.HandleFunc("GET /api/v1/alerts/{id}", s.requirePermission("alerts", "read", s.handleGetAlert))
	mux.HandleFunc("POST /api/v1/alerts/{id}/acknowledge", s.requirePermission("alerts", "manage", s.handleAcknowledgeAlert))
	mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", s.requirePermission("alerts", "manage", s.handleResolveAlert))
	mux.HandleFunc("POST /api/v1/alerts/{id}/suppress", s.requirePermission("alerts", "manage", s.handleSuppressAlert))
	mux.HandleFunc("POST /api/v1/alerts/rules", s.requirePermission("alerts", "manage", s.handleCreateRule))
	mux.HandleFunc("GET /api/v1/alerts/rules", s.requirePermission("alerts", "read", s.handleListRules))
	mux.HandleFunc("GET /api/v1/alerts/rules/{id}", s.requirePermission("alerts", "read", s.handleGetRule))
	mux.HandleFunc("PATCH /api/v1/alerts/rules/{id}", s.requirePermission("alerts", "manage", s.handleUpdateRule))
	mux.HandleFunc("DELETE /api/v1/alerts/rules/{id}", s.requirePermission("alerts", "manage", s.handleDeleteRule))
	mux.HandleFunc("POST /api/v1/alerts/channels", s.requirePermission("alerts", "manage", s.handleCreateChannel))
	mux.HandleFunc("GET /api/v1/alerts/channels", s.requirePermission("alerts", "read", s.handleListChannels))
	mux.HandleFunc("GET /api/v1/alerts/channels/{id}", s.requirePermission("alerts", "read", s.handleGetChannel))
	mux.HandleFunc("PATCH /api/v1/alerts/channels/{id}", s.requirePermission("alerts", "manage", s.handleUpdateChannel))
	mux.HandleFunc("DELETE /api/v1/alerts/channels/{id}", s.requirePermission("alerts", "manage", s.handleDeleteChannel))
	mux.HandleFunc("POST /api/v1/alerts/policies", s.requirePermission("alerts", "manage", s.handleCreatePolicy))
	mux.HandleFunc("GET /api/v1/alerts/policies", s.requirePermission("alerts", "read", s.handleListPolicies))
	mux.HandleFunc("GET /api/v1/alerts/policies/{id}", s.requirePermission("alerts", "read", s.handleGetPolicy))
	mux.HandleFunc("DELETE /api/v1/alerts/policies/{id}", s.requirePermission("alerts", "manage", s.handleDeletePolicy))

	// Remote access.
	mux.HandleFunc("POST /api/v1/remote/sessions", s.requirePermission("devices", "control", s.handleCreateSession))
	mux.HandleFunc("GET /api/v1/remote/sessions", s.requirePermission("devices", "read", s.handleListSessions))
	mux.HandleFunc("GET /api/v1/remote/sessions/{id}", s.requirePermission("devices", "read", s.handleGetSession))
	mux.HandleFunc("POST /api/v1/remote/sessions/{id}/offer", s.requirePermission("devices", "control", s.handleSessionOffer))
	mux.HandleFunc("POST /api/v1/remote/sessions/{id}/answer", s.handleSessionAnswer)
	mux.HandleFunc("POST /api/v1/remote/sessions/{id}/ice", s.requirePermission("devices", "control", s.handleSessionICE))
	mux.HandleFunc("POST /api/v1/remote/sessions/{id}/end", s.requirePermission("devices", "control", s.handleEndSession))
	mux.HandleFunc("POST /api/v1/remote/sessions/cleanup", s.requirePermission("devices", "manage", s.handleSessionCleanup))
	mux.HandleFunc("POST /api/v1/remote/transfers", s.requirePermission("devices", "control", s.handleCreateTransfer))
	mux.HandleFunc("GET /api/v1/remote/transfers/{id}", s.requirePermission("devices", "read", s.handleGetTransfer))
	mux.HandleFunc("POST /api/v1/remote/transfers/{id}/progress", s.handleTransferProgress)
	mux.HandleFunc("POST /api/v1/remote/transfers/{id}/cancel", s.requirePermission("devices", "control", s.handleCancelTransfer))
	mux.HandleFunc("GET /api/v1/remote/transfers/{id}/download", s.requirePermission("devices", "read", s.handleTransferDownload))

	// Webhooks.
	mux.HandleFunc("POST /api/v1/webhooks", s.requirePermission("webhooks", "manage", s.handleCreateWebhook))
	mux.HandleFunc("GET /api/v1/webhooks", s.requirePermission("webhooks", "read", s.handleListWebhooks))
	mux.HandleFunc("GET /api/v1/webhooks/{id}", s.requirePermission("webhooks", "read", s.handleGetWebhook))
	mux.HandleFunc("PATCH /api/v1/webhooks/{id}", s.requirePermission("webhooks", "manage", s.handleUpdateWebhook))
	mux.HandleFunc("DELETE /api/v1/webhooks/{id}", s.requirePermission("webhooks", "manage", s.handleDeleteWebhook))
	mux.HandleFunc("GET /api/v1/webhooks/{id}/deliveries", s.requirePermission("webhooks", "read", s.handleListDeliveries))
	mux.HandleFunc("POST /api/v1/webhooks/{id}/test", s.requirePermission("webhooks", "manage", s.handleTestWebhook))

	// Background jobs.
	mux.HandleFunc("POST /api/v1/deployments", s.requirePermission("devices", "control", s.handleCreateDeployment))
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.requirePermission("devices", "read", s.handleGetJob))
	mux.HandleFunc("GET /api/v1/jobs/{id}/results", s.requirePermission("devices", "read", s.handleJobResults))

	// Per-user notification feed.
	mux.HandleFunc("GET /api/v1/notifications", s.authenticate(s.handleListNotifications))
	mux.HandleFunc("POST /api/v1/notifications/{id}/read", s.authenticate(s.handleMarkNotificationRead))

	// Audit.
	mux.HandleFunc("GET /api/v1/audit/logs", s.requirePermission("audit", "read", s.handleListAuditLogs))
	mux.HandleFunc("GET /api/v1/audit/logs/export", s.requirePermission("audit", "read", s.handleExportAuditLogs))

	// Operations.
	mux.HandleFunc("GET /api/v1/system/status", s.requireSystem(s.handleSystemStatus))
	mux.HandleFunc("GET /api/v1/metrics/scrape", s.handleMetricsScrape)

	// Realtime.
	mux.HandleFunc("GET /ws/agents/{agentId}", s.handleAgentWS)
	mux.HandleFunc("GET /ws/remote/{sessionId}", s.handleRemoteWS)

	var h http.Handler = mux
	h = instrument(h)
	if s.cfg.ForceHTTPS {
		h = forceHTTPS(h)
	}
	h = requestID(h)
	h = recoverer(h)
	return h
}
