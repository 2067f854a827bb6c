package security

import (
	"chatty/tools/errs"
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ===== context key =====
// 后续 handler 统一用这俩 key 读取
const (
	CtxUserIDKey = "userId"
	CtxUserKey   = "user"
)

// Principal is whatever the authenticator resolved the token to.
type Principal interface {
	GetUserID() string
}

type AuthFunc func(ctx context.Context, token string) (Principal, error)

type Options struct {
	CookieName                string // 默认 "jwt"
	HeaderToken               string // 默认 "authorization"
	EnableAuthorizationBearer bool   // 默认 true
	QueryParam                string // 浏览器 WebSocket 握手带不了 header，默认 "token"
}

func DefaultOptions() *Options {
	return &Options{
		CookieName:                "jwt",
		HeaderToken:               "authorization",
		EnableAuthorizationBearer: true,
		QueryParam:                "token",
	}
}

// TokenFromRequest looks at the cookie, then the header (raw or Bearer), then the query string.
func TokenFromRequest(r *http.Request, opts *Options) string {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.CookieName != "" {
		if ck, err := r.Cookie(opts.CookieName); err == nil && strings.TrimSpace(ck.Value) != "" {
			return strings.TrimSpace(ck.Value)
		}
	}
	if opts.HeaderToken != "" {
		if v := strings.TrimSpace(r.Header.Get(opts.HeaderToken)); v != "" {
			// 兼容 Authorization: Bearer xxx
			if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
				if opts.EnableAuthorizationBearer {
					return strings.TrimSpace(v[7:])
				}
			} else {
				return v
			}
		}
	}
	if opts.QueryParam != "" {
		return strings.TrimSpace(r.URL.Query().Get(opts.QueryParam))
	}
	return ""
}

// UnauthorizedText renders the 401 body for an authentication failure.
func UnauthorizedText(err error) string {
	if ce, ok := errs.AsCode(err); ok {
		switch ce.Code {
		case errs.TokenExpired:
			return "Unauthorized - Token Expired"
		case errs.TokenInvalid:
			return "Unauthorized - Invalid Token"
		case errs.Unauthenticated:
			return "Unauthorized - No Token Provided"
		}
	}
	return "Unauthorized"
}

func Middleware(auth AuthFunc, opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	return func(c *gin.Context) {
		token := TokenFromRequest(c.Request, opts)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": UnauthorizedText(errs.ErrUnauthenticated)})
			return
		}
		p, err := auth(c.Request.Context(), token)
		if err != nil {
			if ce, ok := errs.AsCode(err); !ok || ce.Code == errs.ServerInternalError {
				_ = c.Error(err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": "Internal Server Error"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": UnauthorizedText(err)})
			return
		}
		c.Set(CtxUserIDKey, p.GetUserID())
		c.Set(CtxUserKey, p)
		c.Next()
	}
}

// UserID returns the identity set by Middleware, or "".
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserIDKey)
}

func PrincipalOf(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(CtxUserKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(Principal)
	return p, ok
}
