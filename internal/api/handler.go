package api

import (
	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"guardian-backend/internal/alerting"
	"guardian-backend/internal/deviceauth"
	"guardian-backend/internal/hub"
	"guardian-backend/internal/liveness"
	"guardian-backend/internal/membership"
	"guardian-backend/internal/session"
	"guardian-backend/internal/store"
)

// RoleAdmin sees and manages every circle.
const RoleAdmin = "admin"

// BrokerStatus reports whether telemetry ingestion holds a broker connection.
type BrokerStatus interface {
	IsConnected() bool
}

// Deps are the components the HTTP surface exposes.
type Deps struct {
	Store          store.Store
	Sessions       *session.Authority
	Alerts         *alerting.Manager
	Liveness       *liveness.Tracker
	Members        *membership.Directory
	Devices        *deviceauth.Authorizer
	Hub            *hub.Hub
	Broker         BrokerStatus
	Webpush        *webpush.Options
	AllowedOrigins []string
	Logger         *zap.SugaredLogger
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store          store.Store
	sessions       *session.Authority
	alerts         *alerting.Manager
	liveness       *liveness.Tracker
	members        *membership.Directory
	devices        *deviceauth.Authorizer
	hub            *hub.Hub
	broker         BrokerStatus
	webpush        *webpush.Options
	allowedOrigins []string
	logger         *zap.SugaredLogger
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		store:          d.Store,
		sessions:       d.Sessions,
		alerts:         d.Alerts,
		liveness:       d.Liveness,
		members:        d.Members,
		devices:        d.Devices,
		hub:            d.Hub,
		broker:         d.Broker,
		webpush:        d.Webpush,
		allowedOrigins: d.AllowedOrigins,
		logger:         d.Logger,
	}
}
