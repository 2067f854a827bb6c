package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestGRPCHealthFollowsProbe(t *testing.T) {
	var broken atomic.Bool
	s := NewServer("127.0.0.1:0", time.Hour, Check{Name: "redis", Probe: func(context.Context) error {
		if broken.Load() {
			return errors.New("down")
		}
		return nil
	}})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	cc, err := grpc.Dial(s.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cc.Close()
	cli := healthpb.NewHealthClient(cc)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := cli.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("check = %v %v", resp, err)
	}

	broken.Store(true)
	s.probe(context.Background())
	resp, err = cli.Check(ctx, &healthpb.HealthCheckRequest{Service: "redis"})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("check redis = %v %v", resp, err)
	}
}

func TestHTTPHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fail := false
	s := NewServer("127.0.0.1:0", time.Hour, Check{Name: "store", Probe: func(context.Context) error {
		if fail {
			return errors.New("unreachable")
		}
		return nil
	}})
	r := gin.New()
	r.GET("/healthz", s.HTTPHandler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthy = %d", w.Code)
	}
	fail = true
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy = %d", w.Code)
	}
}
