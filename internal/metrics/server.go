package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"zeus/logger"
)

// SessionStatus is the externally visible state of one session.
type SessionStatus struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Exchange   string    `json:"exchange"`
	State      string    `json:"state"`
	Reconnects int       `json:"consecutive_reconnects"`
	LastRecvAt time.Time `json:"last_recv_at,omitempty"`
	Terminated bool      `json:"terminated"`
}

// StatusSource reports the sessions currently supervised.
type StatusSource func() []SessionStatus

// Server serves the collectors and session status over HTTP.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *logger.Entry
}

// NewServer binds addr immediately so a bad address fails at startup. A nil
// status source serves an empty session list.
func NewServer(addr string, c *Collectors, status StatusSource) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if status == nil {
		status = func() []SessionStatus { return nil }
	}
	return &Server{
		srv: &http.Server{Handler: buildRouter(c, status), ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
		log: logger.GetLogger().WithComponent("metrics_server"),
	}, nil
}

func buildRouter(c *Collectors, status StatusSource) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(c.Handler()))

	router.GET("/sessions", func(ctx *gin.Context) {
		sessions := status()
		if sessions == nil {
			sessions = []SessionStatus{}
		}
		ctx.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	// unhealthy once any session has given up
	router.GET("/healthz", func(ctx *gin.Context) {
		byState := map[string]int{}
		healthy := true
		for _, s := range status() {
			byState[s.State]++
			if s.Terminated {
				healthy = false
			}
		}
		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		ctx.JSON(code, gin.H{"healthy": healthy, "sessions": byState})
	})

	return router
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Start() {
	s.log.WithField("address", s.Addr()).Info("serving metrics and session status")
	go func() {
		if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("metrics server failed")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
