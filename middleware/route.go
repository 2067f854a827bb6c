package middleware

import (
	"github.com/gin-gonic/gin"
)

// 配置选项
type RouteOpt struct {
	IsAuth bool
}

// Router 统一挂载鉴权中间件
type Router struct {
	r    gin.IRoutes
	auth gin.HandlerFunc
}

func NewRouter(r gin.IRoutes, auth gin.HandlerFunc) *Router {
	return &Router{r: r, auth: auth}
}

func (rt *Router) handle(method, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		if rt.auth == nil {
			panic("middleware: auth route " + path + " registered without auth handler")
		}
		rt.r.Handle(method, path, rt.auth, handler)
		return
	}
	rt.r.Handle(method, path, handler)
}

// 封装 POST
func (rt *Router) POST(path string, handler gin.HandlerFunc, opt RouteOpt) {
	rt.handle("POST", path, handler, opt)
}

// 封装 GET
func (rt *Router) GET(path string, handler gin.HandlerFunc, opt RouteOpt) {
	rt.handle("GET", path, handler, opt)
}

// 封装 PUT
func (rt *Router) PUT(path string, handler gin.HandlerFunc, opt RouteOpt) {
	rt.handle("PUT", path, handler, opt)
}
