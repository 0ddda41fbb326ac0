package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tubalainen/rds-guard/internal/api/middleware"
	"github.com/tubalainen/rds-guard/internal/config"
	"github.com/tubalainen/rds-guard/internal/eventstore"
	"github.com/tubalainen/rds-guard/internal/models"
	"github.com/tubalainen/rds-guard/internal/supervisor"
)

// Server is the REST/WS facade spec §6 describes, grounded on the teacher's
// gin + gin-contrib/cors server (internal/api/server/server.go).
type Server struct {
	cfg    *config.Config
	store  *eventstore.Store
	hub    *Hub
	sup    *supervisor.Supervisor
	router *gin.Engine
}

// New builds the router. sup supplies the live supervisor.Status()
// snapshot for GET /api/status.
func New(cfg *config.Config, store *eventstore.Store, hub *Hub, sup *supervisor.Supervisor) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{cfg: cfg, store: store, hub: hub, sup: sup, router: gin.New()}
	s.router.Use(gin.Recovery(), middleware.SilentLogger())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	s.router.Use(cors.New(corsConfig))
	s.router.Use(middleware.RateLimit(20, 40))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/", s.handleIndex)
	s.router.GET("/api/events", s.handleListEvents)
	s.router.GET("/api/events/active", s.handleActiveEvents)
	s.router.GET("/api/status", s.handleStatus)
	s.router.GET("/api/audio/:filename", s.handleAudio)
	s.router.GET("/ws/console", func(c *gin.Context) { s.hub.ServeWS(c.Writer, c.Request) })

	del := s.router.Group("/")
	if s.cfg.JWTSecret != "" {
		del.Use(middleware.RequireAuth(s.cfg.JWTSecret))
	}
	del.DELETE("/api/events", s.handleDeleteEvents)
}

// Run starts the HTTP server on the configured port — blocks until it
// returns an error (or the caller wraps it with a context-aware shutdown).
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
}

func (s *Server) handleListEvents(c *gin.Context) {
	f := eventstore.EventFilter{}
	if t := c.Query("type"); t != "" {
		f.Types = []models.EventType{models.EventType(t)}
	}
	if since := c.Query("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = &t
		}
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil {
		f.Limit = limit
	}
	if offset, err := strconv.Atoi(c.Query("offset")); err == nil {
		f.Offset = offset
	}

	events, total, err := s.store.Events(f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "events": events})
}

func (s *Server) handleActiveEvents(c *gin.Context) {
	events, err := s.store.ActiveEvents()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.sup.Status()
	pipeline := gin.H{
		"state":         st.State,
		"uptime_sec":    st.UptimeSec,
		"restart_count": st.RestartCount,
	}
	if st.Error != "" {
		pipeline["error"] = st.Error
	}
	if st.Drops > 0 {
		pipeline["drops"] = st.Drops
	}
	resp := gin.H{"pipeline": pipeline}
	if s.cfg.MultiStation {
		resp["stations"] = st.Stations
	} else {
		resp["frequency"] = s.cfg.StationFreqsHz[0]
		if len(st.Stations) > 0 {
			resp["station"] = st.Stations[0]
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAudio(c *gin.Context) {
	filename := filepath.Base(c.Param("filename")) // strip any path traversal
	path := filepath.Join(s.cfg.AudioDir, filename)

	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	contentType := "audio/ogg"
	if filepath.Ext(filename) == ".wav" {
		contentType = "audio/wav"
	}
	c.Header("Content-Type", contentType)
	c.File(path)
}

func (s *Server) handleDeleteEvents(c *gin.Context) {
	n, err := s.store.DeleteAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	entries, _ := os.ReadDir(s.cfg.AudioDir)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		_ = os.Remove(filepath.Join(s.cfg.AudioDir, e.Name()))
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

const indexHTML = `<!doctype html>
<html>
<head><title>rds-guard</title></head>
<body>
<h1>rds-guard</h1>
<p>Traffic/emergency RDS monitor. See <a href="/api/status">/api/status</a> and <a href="/api/events">/api/events</a>.</p>
<p>Live console: connect to <code>/ws/console</code> over WebSocket.</p>
</body>
</html>
`
