package service

import (
	"chatty/logger"
	"chatty/module/chat/model"
	"chatty/module/chat/store"
	usermodel "chatty/module/user/model"
	userstore "chatty/module/user/store"
	"chatty/service/media"
	"chatty/tools/errs"
	"chatty/tools/ratelimit"
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
)

// EventLog is satisfied by *kafka.EventLog.
type EventLog interface {
	Append(ctx context.Context, key string, value []byte) error
}

type Conf struct {
	SendRPS   float64 // 每个发送者的令牌桶速率；<=0 不限流
	SendBurst int
	Clock     func() time.Time
}

type Option func(*MessageService)

// WithEventLog appends every persisted message to an external log.
func WithEventLog(l EventLog) Option {
	return func(s *MessageService) { s.events = l }
}

type MessageService struct {
	users   userstore.Store
	msgs    store.Store
	media   media.Uploader
	deliver Deliverer
	events  EventLog
	limiter *ratelimit.MapLimiter
	now     func() time.Time
}

func NewMessageService(users userstore.Store, msgs store.Store, up media.Uploader, d Deliverer, conf Conf, opts ...Option) *MessageService {
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	s := &MessageService{
		users:   users,
		msgs:    msgs,
		media:   up,
		deliver: d,
		limiter: ratelimit.New(conf.SendRPS, conf.SendBurst, 0),
		now:     conf.Clock,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sidebar lists everyone except me.
func (s *MessageService) Sidebar(ctx context.Context, me string) ([]*usermodel.User, error) {
	return s.users.ListExcept(ctx, me)
}

// History returns the conversation between me and other, oldest first.
func (s *MessageService) History(ctx context.Context, me, other string) ([]*model.Message, error) {
	if strings.TrimSpace(other) == "" {
		return nil, errs.ErrArgs.WrapMsg("missing user id")
	}
	return s.msgs.Conversation(ctx, me, other)
}

type SendReq struct {
	Text  string `json:"text"`
	Image string `json:"image"`
}

// Send persists a message and then hands it to the realtime path. Delivery and the event log
// are best effort; once the message is stored the caller gets it back.
func (s *MessageService) Send(ctx context.Context, me, to string, req SendReq) (*model.Message, error) {
	if !s.limiter.Allow(me, s.now()) {
		return nil, errs.ErrTooManyRequests.WrapMsg("Too many messages, slow down")
	}
	req.Text = strings.TrimSpace(req.Text)
	req.Image = strings.TrimSpace(req.Image)
	if req.Text == "" && req.Image == "" {
		return nil, errs.ErrArgs.WrapMsg("Message must have text or image")
	}
	if _, err := s.users.GetByID(ctx, to); err != nil {
		return nil, err
	}

	var imageURL string
	if req.Image != "" {
		sender, err := s.users.GetByID(ctx, me)
		if err != nil {
			return nil, err
		}
		// 按发送者分目录：messages/<名字>_<id>
		imageURL, err = s.media.Upload(ctx, req.Image, "messages/"+sender.FullName+"_"+sender.ID)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	msg := &model.Message{
		SenderID:   me,
		ReceiverID: to,
		Text:       req.Text,
		Image:      imageURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.msgs.Insert(ctx, msg); err != nil {
		return nil, err
	}

	// 落库之后才投递；请求取消不影响投递
	bg := context.WithoutCancel(ctx)
	if err := s.deliver.Deliver(bg, msg); err != nil {
		logger.Warn("[Chat] deliver failed", zap.String("msgId", msg.ID), zap.String("to", to), zap.Error(err))
	}
	s.appendEvent(bg, msg)
	return msg, nil
}

func (s *MessageService) appendEvent(ctx context.Context, msg *model.Message) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err == nil {
		err = s.events.Append(ctx, msg.ConversationKey(), data)
	}
	if err != nil {
		logger.Warn("[Chat] event log append failed", zap.String("msgId", msg.ID), zap.Error(err))
	}
}
