package middleware

import (
	"chatty/tools/errs"
	"net/http"

	"github.com/gin-gonic/gin"
)

var statusByCode = map[int]int{
	errs.ArgsError:       http.StatusBadRequest,
	errs.DuplicateKey:    http.StatusBadRequest,
	errs.NoPermission:    http.StatusForbidden,
	errs.RecordNotFound:  http.StatusNotFound,
	errs.TokenInvalid:    http.StatusUnauthorized,
	errs.TokenExpired:    http.StatusUnauthorized,
	errs.Unauthenticated: http.StatusUnauthorized,
	errs.TooManyRequests: http.StatusTooManyRequests,
}

// StatusOf maps a coded error to its HTTP status; anything else is a 500.
func StatusOf(err error) int {
	if ce, ok := errs.AsCode(err); ok {
		if st, ok := statusByCode[ce.Code]; ok {
			return st
		}
	}
	return http.StatusInternalServerError
}

// Fail writes {"message": ...}. Internal errors are recorded on the context for the access log
// and never leak their detail.
func Fail(c *gin.Context, err error) {
	st := StatusOf(err)
	if st == http.StatusInternalServerError {
		_ = c.Error(err)
		c.AbortWithStatusJSON(st, gin.H{"message": "Internal Server Error"})
		return
	}
	msg := http.StatusText(st)
	if ce, ok := errs.AsCode(err); ok && ce.Detail != "" {
		msg = ce.Detail
	}
	c.AbortWithStatusJSON(st, gin.H{"message": msg})
}
