package router

import (
	"database/sql"
	"net/http"

	docHandler "formdesk/internal/document"
	"formdesk/internal/document/service"
	"formdesk/middleware"
	"formdesk/socket"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Deps struct {
	DB        *sql.DB // nil in memory mode
	Hub       *socket.Hub
	Documents *service.DocumentService
	Sessions  *service.SessionService
	JWTSecret string
	CORS      string
	Limiter   *middleware.RateLimiter
	Gatherer  prometheus.Gatherer
}

func Setup(d Deps) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.Auth(d.JWTSecret)
	limited := func(h http.HandlerFunc) http.Handler {
		if d.Limiter == nil {
			return auth(h)
		}
		return auth(d.Limiter.Limit(h))
	}

	// WebSocket
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket.ServeWs(d.Hub, w, r, middleware.UserID(r.Context()))
	})
	mux.Handle("/ws", auth(wsHandler))

	// REST API
	docHandler := docHandler.NewDocumentHandler(d.Documents, d.Sessions)

	mux.Handle("/api/documents/create", limited(docHandler.CreateDocument))
	mux.Handle("/api/documents", limited(docHandler.GetDocument))
	mux.Handle("/api/documents/fields", limited(docHandler.WriteFields))
	mux.Handle("/api/documents/history", limited(docHandler.GetHistory))
	mux.Handle("/api/documents/history/replay", limited(docHandler.ReplayHistory))
	mux.Handle("/api/documents/status", limited(docHandler.UpdateStatus))
	mux.Handle("/api/documents/sessions", limited(docHandler.ListSessions))
	mux.Handle("/api/documents/sessions/start", limited(docHandler.StartSession))
	mux.Handle("/api/documents/sessions/cursor", limited(docHandler.MoveCursor))
	mux.Handle("/api/documents/sessions/stop", limited(docHandler.StopSession))

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if d.DB != nil {
			if err := d.DB.PingContext(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	return middleware.CORS(d.CORS)(mux)
}
