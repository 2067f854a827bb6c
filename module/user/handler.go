package user

import (
	"chatty/logger"
	"chatty/middleware"
	midsec "chatty/middleware/security"
	"chatty/module/user/service"
	"chatty/service/chat"
	"chatty/tools/errs"
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Kicker disconnects a user's live socket; satisfied by *chat.Coordinator.
type Kicker interface {
	Kick(userID, reason string) bool
}

var _ chat.IdentityResolver = (*Handler)(nil)

type HandlerConf struct {
	CookieName   string
	SecureCookie bool
}

type Handler struct {
	svc  *service.UserService
	kick Kicker
	conf HandlerConf
	tok  *midsec.Options
}

func NewHandler(svc *service.UserService, kick Kicker, conf HandlerConf) *Handler {
	tok := midsec.DefaultOptions()
	if conf.CookieName == "" {
		conf.CookieName = tok.CookieName
	}
	tok.CookieName = conf.CookieName
	return &Handler{svc: svc, kick: kick, conf: conf, tok: tok}
}

// Register mounts /signup, /login, /logout, /update-profile and /check on rt.
func (h *Handler) Register(rt *middleware.Router) {
	rt.POST("/signup", h.Signup, middleware.RouteOpt{})
	rt.POST("/login", h.Login, middleware.RouteOpt{})
	rt.POST("/logout", h.Logout, middleware.RouteOpt{})
	rt.PUT("/update-profile", h.UpdateProfile, middleware.RouteOpt{IsAuth: true})
	rt.GET("/check", h.Check, middleware.RouteOpt{IsAuth: true})
}

// AuthMiddleware guards routes registered with RouteOpt{IsAuth: true}.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return midsec.Middleware(h.Authenticate, h.tok)
}

func (h *Handler) Authenticate(ctx context.Context, token string) (midsec.Principal, error) {
	u, err := h.svc.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ResolveIdentity authenticates a WebSocket handshake.
func (h *Handler) ResolveIdentity(r *http.Request) (string, error) {
	token := midsec.TokenFromRequest(r, h.tok)
	if token == "" {
		return "", errs.ErrUnauthenticated.WrapMsg("no token")
	}
	u, err := h.svc.Authenticate(r.Context(), token)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

func (h *Handler) Signup(c *gin.Context) {
	var req service.SignupReq
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Fail(c, errs.ErrArgs.WrapMsg("All fields are required"))
		return
	}
	sess, err := h.svc.Signup(c.Request.Context(), req)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	h.setCookie(c, sess.Token)
	c.JSON(http.StatusCreated, sess.User)
}

func (h *Handler) Login(c *gin.Context) {
	var req service.LoginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Fail(c, errs.ErrArgs.WrapMsg("Invalid credentials"))
		return
	}
	sess, err := h.svc.Login(c.Request.Context(), req)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	h.setCookie(c, sess.Token)
	c.JSON(http.StatusOK, sess.User)
}

// Logout clears the cookie and, when the token still verifies, drops the user's live socket.
func (h *Handler) Logout(c *gin.Context) {
	if token := midsec.TokenFromRequest(c.Request, h.tok); token != "" && h.kick != nil {
		if uid, err := h.svc.UserIDFromToken(token); err == nil && h.kick.Kick(uid, chat.ReasonKicked) {
			logger.Debug("[User] logout kicked socket", zap.String("userId", uid))
		}
	}
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(h.conf.CookieName, "", -1, "/", "", h.conf.SecureCookie, true)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

func (h *Handler) UpdateProfile(c *gin.Context) {
	var req struct {
		ProfilePic string `json:"profilePic"`
	}
	_ = c.ShouldBindJSON(&req)
	u, err := h.svc.UpdateProfilePic(c.Request.Context(), midsec.UserID(c), req.ProfilePic)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) Check(c *gin.Context) {
	p, ok := midsec.PrincipalOf(c)
	if !ok {
		middleware.Fail(c, errs.ErrUnauthenticated.WrapMsg("Unauthorized - No Token Provided"))
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) setCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(h.conf.CookieName, token, int(h.svc.TokenTTL().Seconds()), "/", "", h.conf.SecureCookie, true)
}
