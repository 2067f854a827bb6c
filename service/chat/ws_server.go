package chat

import (
	"chatty/logger"
	"chatty/tools/errs"
	"chatty/tools/ratelimit"
	"chatty/tools/safe"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// IdentityResolver authenticates a handshake request and returns the user identity.
type IdentityResolver interface {
	ResolveIdentity(r *http.Request) (string, error)
}

type IdentityResolverFunc func(r *http.Request) (string, error)

func (f IdentityResolverFunc) ResolveIdentity(r *http.Request) (string, error) { return f(r) }

type WSConf struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration // 必须小于 PongWait
	ReadLimit      int64
	AllowedOrigins []string // 为空则不校验 Origin
	HandshakeRPS   float64  // 每 IP 握手速率（<=0 不限）
	HandshakeBurst int
}

func (c *WSConf) norm() {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4096
	}
}

// WSServer upgrades authenticated HTTP requests and hands the socket to the Coordinator.
type WSServer struct {
	coord    *Coordinator
	resolver IdentityResolver
	conf     WSConf
	upgrader websocket.Upgrader
	limiter  *ratelimit.MapLimiter
}

func NewWSServer(coord *Coordinator, resolver IdentityResolver, conf WSConf) *WSServer {
	conf.norm()
	s := &WSServer{
		coord:    coord,
		resolver: resolver,
		conf:     conf,
		limiter:  ratelimit.New(conf.HandshakeRPS, conf.HandshakeBurst, 10*time.Minute),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WSServer) checkOrigin(r *http.Request) bool {
	if len(s.conf.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.conf.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// HandleWS ===== WebSocket 处理 =====
// Authentication happens before the upgrade, so a refused client never gets a socket.
func (s *WSServer) HandleWS(c *gin.Context) {
	if !s.limiter.Allow(c.ClientIP(), time.Now()) {
		s.coord.met.Refused.Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"message": "Too many connection attempts"})
		return
	}
	userID, err := s.resolver.ResolveIdentity(c.Request)
	if err == nil && strings.TrimSpace(userID) == "" {
		err = errs.ErrUnauthenticated.WrapMsg("empty identity")
	}
	if err != nil {
		s.coord.met.Refused.Inc()
		logger.Info("[WS] handshake refused", zap.String("remote", c.ClientIP()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized - " + refusalText(err)})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败；Upgrade 已写回错误响应
		logger.Info("[WS] upgrade failed", zap.String("user", userID), zap.Error(err))
		return
	}

	t := &wsTransport{ws: ws, writeWait: s.conf.WriteWait}
	conn, err := s.coord.Admit(c.Request.Context(), userID, t)
	if err != nil {
		logger.Warn("[WS] admit failed", zap.String("user", userID), zap.Error(err))
		_ = t.Close(ReasonShutdown)
		return
	}

	safe.Go("ws-ping", func() { s.pingLoop(conn, t) })
	reason := s.readLoop(conn, ws)
	s.coord.Detach(conn, reason)
}

// readLoop only reads; any inbound frame or pong counts as activity. Returns the detach reason.
func (s *WSServer) readLoop(conn *Conn, ws *websocket.Conn) string {
	ws.SetReadLimit(s.conf.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
	ws.SetPongHandler(func(string) error {
		s.coord.Touch(conn)
		return ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
	})
	for {
		_, _, err := ws.ReadMessage()
		if err != nil {
			return classifyReadErr(conn, err)
		}
		s.coord.Touch(conn)
		_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
	}
}

func (s *WSServer) pingLoop(conn *Conn, t *wsTransport) {
	ticker := time.NewTicker(s.conf.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := t.ping(); err != nil {
				logger.Debug("[WS] ping failed", zap.String("conn", conn.ID), zap.Error(err))
				return
			}
		}
	}
}

func classifyReadErr(conn *Conn, err error) string {
	if conn.State() == StateClosed {
		return conn.CloseReason()
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		logger.Debug("[WS] peer closed", zap.String("conn", conn.ID), zap.Error(err))
		return ReasonClosed
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		logger.Info("[WS] read timeout", zap.String("conn", conn.ID), zap.Error(err))
		return ReasonTimeout
	}
	logger.Info("[WS] read err", zap.String("conn", conn.ID), zap.Error(err))
	return ReasonError
}

func refusalText(err error) string {
	if ce, ok := errs.AsCode(err); ok {
		switch ce.Code {
		case errs.TokenExpired:
			return "Token Expired"
		case errs.TokenInvalid:
			return "Invalid Token"
		}
	}
	return "No Token Provided"
}

// wsTransport adapts a gorilla connection; WriteFrame has a single caller, Close and ping may race with it.
type wsTransport struct {
	ws        *websocket.Conn
	writeWait time.Duration
	closeOnce sync.Once
}

func (t *wsTransport) WriteFrame(data []byte) error {
	_ = t.ws.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) ping() error {
	return t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait))
}

func (t *wsTransport) Close(reason string) error {
	var err error
	t.closeOnce.Do(func() {
		code := websocket.CloseNormalClosure
		switch reason {
		case ReasonShutdown:
			code = websocket.CloseGoingAway
		case ReasonSendFailed, ReasonError:
			code = websocket.CloseInternalServerErr
		case ReasonIdle, ReasonTimeout:
			code = websocket.ClosePolicyViolation
		}
		_ = t.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(t.writeWait))
		err = t.ws.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() string {
	if a := t.ws.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
