package server

import (
	"context"
	"embed"
	"io/fs"
	"net"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/rakunlabs/ada"

	"github.com/rakunlabs/relay/internal/capture"
	"github.com/rakunlabs/relay/internal/config"
	"github.com/rakunlabs/relay/internal/service"
	"github.com/rakunlabs/relay/internal/vault"

	mfolder "github.com/rakunlabs/ada/handler/folder"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"
)

//go:embed dist/*
var uiFS embed.FS

// Runtime is the fixed set of singletons constructed at startup and torn
// down in reverse. Tests instantiate their own Runtime.
type Runtime struct {
	Config       *config.Config
	Registry     *service.Registry
	Sessions     *service.SessionStore
	Devices      *service.DeviceRegistry
	Cache        *service.ResponseCache
	Limiter      *service.RateLimiter
	Stats        *service.Stats
	Orchestrator *service.Orchestrator
	Vault        *vault.Vault
	Capture      *capture.Bus
	Audit        *AuditLog
}

type Server struct {
	config *config.Config
	server *ada.Server

	registry     *service.Registry
	sessions     *service.SessionStore
	devices      *service.DeviceRegistry
	cache        *service.ResponseCache
	limiter      *service.RateLimiter
	stats        *service.Stats
	orchestrator *service.Orchestrator
	vault        *vault.Vault
	capture      *capture.Bus
	audit        *AuditLog

	production bool
	strict     bool
	origins    []string

	upgrader websocket.Upgrader
}

func New(rt Runtime) (*Server, error) {
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
		config:       rt.Config,
		server:       mux,
		registry:     rt.Registry,
		sessions:     rt.Sessions,
		devices:      rt.Devices,
		cache:        rt.Cache,
		limiter:      rt.Limiter,
		stats:        rt.Stats,
		orchestrator: rt.Orchestrator,
		vault:        rt.Vault,
		capture:      rt.Capture,
		audit:        rt.Audit,
		production:   rt.Config.Production(),
		strict:       rt.Config.Strict(),
		origins:      rt.Config.Origins(),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(s.origins, origin)
		},
	}

	// ////////////////////////////////////////////

	apiGroup := mux.Group("")
	apiGroup.Use(
		s.originMiddleware(),
		s.rateLimitMiddleware(),
		s.sanitizeMiddleware(),
		s.auditMiddleware(),
	)

	apiGroup.GET("/health", s.HealthAPI)
	apiGroup.GET("/stats", s.StatsAPI)

	apiGroup.POST("/devices/register", s.RegisterDeviceAPI)
	apiGroup.GET("/devices", s.ListDevicesAPI)

	apiGroup.POST("/sessions", s.CreateSessionAPI)
	apiGroup.GET("/sessions/*", s.GetSessionAPI)
	apiGroup.DELETE("/sessions/*", s.EndSessionAPI)

	apiGroup.POST("/chat", s.ChatAPI)
	apiGroup.POST("/chat/stream", s.ChatStreamAPI)
	apiGroup.POST("/tools", s.ToolResultsAPI)

	apiGroup.GET("/providers", s.ListProvidersAPI)
	apiGroup.GET("/providers/*", s.ProviderModelsAPI)

	apiGroup.POST("/secrets/set-and-validate", s.SetAndValidateSecretAPI)
	apiGroup.GET("/secrets/list", s.ListSecretsAPI)
	apiGroup.DELETE("/secrets/*", s.DeleteSecretAPI)

	// Capture bus REST facade shares the in-memory store with the
	// WebSocket transport; callers may use either interchangeably.
	apiGroup.POST("/external/data/sessions/create", s.CreateCaptureSessionAPI)
	apiGroup.POST("/external/data/upload", s.UploadCaptureEventsAPI)
	apiGroup.POST("/external/data/sessions/*", s.EndCaptureSessionAPI)
	apiGroup.GET("/external/data/sessions/*", s.GetCaptureSessionAPI)

	mux.Group("").GET("/realtime-capture", s.RealtimeCaptureWS)

	// ////////////////////////////////////////////

	f, err := fs.Sub(uiFS, "dist")
	if err != nil {
		return nil, err
	}

	folderM, err := mfolder.New(&mfolder.Config{
		Index:          true,
		StripIndexName: true,
		SPA:            true,
		CacheRegex: []*mfolder.RegexCacheStore{
			{
				Regex:        `index\.html$`,
				CacheControl: "no-store",
			},
		},
	})
	if err != nil {
		return nil, err
	}

	folderM.SetFs(http.FS(f))

	mux.Group("").Handle("/*", folderM)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// originMiddleware rejects cross-origin browser requests from origins
// outside the configured list. Requests without an Origin header
// (curl, server-to-server) pass through.
func (s *Server) originMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && !slices.Contains(s.origins, origin) {
				s.writeError(w, r, service.Ef(service.KindInvalidArgument, "origin %q not allowed", origin))
				return
			}

			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			next.ServeHTTP(w, r)
		})
	}
}
