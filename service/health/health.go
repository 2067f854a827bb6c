package health

import (
	"chatty/logger"
	"chatty/tools/errs"
	"chatty/tools/safe"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Check probes one dependency; nil means healthy.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Server exposes grpc.health.v1 and keeps its status in step with the probes.
type Server struct {
	addr   string
	checks []Check
	every  time.Duration

	gs *grpc.Server
	hs *health.Server

	mu       sync.Mutex
	lis      net.Listener
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewServer(addr string, every time.Duration, checks ...Check) *Server {
	if every <= 0 {
		every = 10 * time.Second
	}
	s := &Server{
		addr:   addr,
		checks: checks,
		every:  every,
		gs:     grpc.NewServer(),
		hs:     health.NewServer(),
		stopCh: make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.gs, s.hs)
	return s
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errs.WrapMsg(err, "grpc listen", "addr", s.addr)
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	s.probe(context.Background())
	safe.Go("health-grpc", func() {
		if err := s.gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("[Health] grpc serve", zap.Error(err))
		}
	})
	safe.Go("health-probe", s.loop)
	logger.Info("[Health] grpc health listening", zap.String("addr", lis.Addr().String()))
	return nil
}

// Addr is the bound address, useful when started on :0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return s.addr
	}
	return s.lis.Addr().String()
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.hs.Shutdown()
		s.gs.GracefulStop()
	})
}

func (s *Server) loop() {
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.probe(context.Background())
		}
	}
}

// probe sets the overall ("") status and one status per check name.
func (s *Server) probe(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	out := make(map[string]string, len(s.checks))
	overall := healthpb.HealthCheckResponse_SERVING
	for _, c := range s.checks {
		st := healthpb.HealthCheckResponse_SERVING
		out[c.Name] = "ok"
		if err := c.Probe(ctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			overall = st
			out[c.Name] = err.Error()
			logger.Warn("[Health] check failed", zap.String("check", c.Name), zap.Error(err))
		}
		s.hs.SetServingStatus(c.Name, st)
	}
	s.hs.SetServingStatus("", overall)
	return out
}

// HTTPHandler answers /healthz with the same probes: 200 when all pass, 503 otherwise.
func (s *Server) HTTPHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		res := s.probe(c.Request.Context())
		status := http.StatusOK
		for _, v := range res {
			if v != "ok" {
				status = http.StatusServiceUnavailable
				break
			}
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "checks": res})
	}
}
