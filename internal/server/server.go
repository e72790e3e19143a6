package server

import (
	"context"
	"net"

	"github.com/rakunlabs/ada"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/coreserver/internal/authsession"
	"github.com/rakunlabs/coreserver/internal/blobstore"
	"github.com/rakunlabs/coreserver/internal/cluster"
	"github.com/rakunlabs/coreserver/internal/config"
	"github.com/rakunlabs/coreserver/internal/featuregate"
	"github.com/rakunlabs/coreserver/internal/ingest"
	"github.com/rakunlabs/coreserver/internal/maintenance"
	"github.com/rakunlabs/coreserver/internal/router"
	"github.com/rakunlabs/coreserver/internal/store"
	"github.com/rakunlabs/coreserver/internal/teachback"
)

// Server wires every domain package behind an ada mux. Unlike the gateway
// this was adapted from, there is no in-memory provider registry: providers
// are resolved per-call by the Registry from static config, and every other
// piece of state (credentials, sessions, documents, maintenance) lives in
// store.
type Server struct {
	config config.Server
	auth   config.Auth

	server *ada.Server

	store          store.StorerClose
	sessions       *authsession.Issuer
	router         *router.Router
	blobs          *blobstore.Store
	ingest         *ingest.Pipeline
	teachback      *teachback.Controller
	features       *featuregate.Gate
	maintenanceCtl *maintenance.Controller

	// cluster is the optional distributed coordination layer (alan), used
	// only to serialize encryption-key rotation across replicas. nil when
	// clustering is not configured (single-instance mode).
	cluster *cluster.Cluster
}

// New builds the HTTP surface: health, auth, chat, documents, teach-back and
// the admin console, each route registered with the Feature Gate/Maintenance
// Gate and auth middleware the route needs. The middleware chain applied to
// the whole mux (recover, server banner, CORS, request id, access log,
// telemetry) is unchanged from the gateway this was adapted from.
func New(
	cfg config.Server,
	authCfg config.Auth,
	st store.StorerClose,
	sessions *authsession.Issuer,
	rtr *router.Router,
	blobs *blobstore.Store,
	ing *ingest.Pipeline,
	tb *teachback.Controller,
	features *featuregate.Gate,
	maintenanceCtl *maintenance.Controller,
	cl *cluster.Cluster,
) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:         cfg,
		auth:           authCfg,
		server:         mux,
		store:          st,
		sessions:       sessions,
		router:         rtr,
		blobs:          blobs,
		ingest:         ing,
		teachback:      tb,
		features:       features,
		maintenanceCtl: maintenanceCtl,
		cluster:        cl,
	}

	baseGroup := mux.Group(cfg.BasePath)

	if cfg.ForwardAuth != nil {
		baseGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	}

	baseGroup.Use(s.gateMiddleware)

	baseGroup.GET("/health", s.HealthAPI)

	baseGroup.POST("/auth/register", s.RegisterAPI)
	baseGroup.POST("/auth/login", s.LoginAPI)

	authMeGroup := baseGroup.Group("/auth")
	authMeGroup.Use(s.authMiddleware)
	authMeGroup.GET("/me", s.MeAPI)

	chatGroup := baseGroup.Group("/chat")
	chatGroup.Use(s.authMiddleware)
	chatGroup.POST("/sessions", s.CreateChatSessionAPI)
	chatGroup.GET("/sessions", s.ListChatSessionsAPI)
	chatGroup.GET("/sessions/*/messages", s.ListMessagesAPI)
	chatGroup.POST("/sessions/*/messages", s.PostMessageAPI)

	baseGroup.POST("/documents", s.requireAuth(s.UploadDocumentAPI))
	baseGroup.GET("/documents", s.requireAuth(s.ListDocumentsAPI))
	baseGroup.DELETE("/documents/*", s.requireAuth(s.DeleteDocumentAPI))

	teachBackGroup := baseGroup.Group("/teach-back")
	teachBackGroup.Use(s.authMiddleware)
	teachBackGroup.POST("/sessions", s.CreateTeachBackSessionAPI)
	teachBackGroup.POST("/sessions/*/turns", s.PostTeachBackTurnAPI)
	teachBackGroup.POST("/sessions/*/end", s.EndTeachBackSessionAPI)

	adminGroup := baseGroup.Group("/admin")
	adminGroup.Use(s.authMiddleware, s.adminMiddleware)
	adminGroup.POST("/settings/rotate-key", s.RotateKeyAPI)
	adminGroup.POST("/api-keys", s.AddCredentialAPI)
	adminGroup.GET("/api-keys", s.ListCredentialsAPI)
	adminGroup.PUT("/api-keys/*", s.UpdateCredentialAPI)
	adminGroup.DELETE("/api-keys/*", s.DeleteCredentialAPI)
	adminGroup.POST("/maintenance", s.EnterMaintenanceAPI)
	adminGroup.DELETE("/maintenance", s.ExitMaintenanceAPI)
	adminGroup.POST("/features/*", s.ToggleFeatureAPI)
	adminGroup.GET("/audit", s.ListAuditAPI)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}
