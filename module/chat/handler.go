package chat

import (
	"chatty/middleware"
	midsec "chatty/middleware/security"
	"chatty/module/chat/service"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc      *service.MessageService
	presence service.PresenceReader
}

func NewHandler(svc *service.MessageService, presence service.PresenceReader) *Handler {
	return &Handler{svc: svc, presence: presence}
}

// Register mounts /users, /:id and /send/:id; every route needs a session.
func (h *Handler) Register(rt *middleware.Router) {
	rt.GET("/users", h.Sidebar, middleware.RouteOpt{IsAuth: true})
	rt.GET("/:id", h.History, middleware.RouteOpt{IsAuth: true})
	rt.POST("/send/:id", h.Send, middleware.RouteOpt{IsAuth: true})
}

// RegisterPresence mounts /:id answering {"userId","online"}.
func (h *Handler) RegisterPresence(rt *middleware.Router) {
	rt.GET("/:id", h.Presence, middleware.RouteOpt{IsAuth: true})
}

func (h *Handler) Sidebar(c *gin.Context) {
	users, err := h.svc.Sidebar(c.Request.Context(), midsec.UserID(c))
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *Handler) History(c *gin.Context) {
	msgs, err := h.svc.History(c.Request.Context(), midsec.UserID(c), c.Param("id"))
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *Handler) Send(c *gin.Context) {
	var req service.SendReq
	_ = c.ShouldBindJSON(&req)
	msg, err := h.svc.Send(c.Request.Context(), midsec.UserID(c), c.Param("id"), req)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) Presence(c *gin.Context) {
	id := c.Param("id")
	online, err := h.presence.IsOnline(c.Request.Context(), id)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": id, "online": online})
}
