package service

import (
	"chatty/logger"
	"chatty/module/user/model"
	"chatty/module/user/store"
	"chatty/service/media"
	"chatty/tools/errs"
	"chatty/tools/security"
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Conf struct {
	JWT   security.Options
	Clock func() time.Time
}

type UserService struct {
	store store.Store
	media media.Uploader
	jwt   security.Options
	now   func() time.Time
}

func NewUserService(st store.Store, up media.Uploader, conf Conf) *UserService {
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	return &UserService{store: st, media: up, jwt: conf.JWT, now: conf.Clock}
}

type SignupReq struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is what a successful signup/login hands back to the HTTP layer.
type Session struct {
	User     *model.User
	Token    string
	ExpireAt time.Time
}

func (s *UserService) Signup(ctx context.Context, req SignupReq) (*Session, error) {
	req.FullName = strings.TrimSpace(req.FullName)
	req.Email = strings.TrimSpace(req.Email)
	if req.FullName == "" || req.Email == "" || req.Password == "" {
		return nil, errs.ErrArgs.WrapMsg("All fields are required")
	}
	if len(req.Password) < security.MinPasswordLen {
		return nil, errs.ErrArgs.WrapMsg("Password must be at least 6 characters")
	}
	if _, err := s.store.GetByEmail(ctx, req.Email); err == nil {
		return nil, errs.ErrDuplicateKey.WrapMsg("Email already exists")
	} else if !errors.Is(err, errs.ErrRecordNotFound) {
		return nil, err
	}

	hash, err := security.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	now := s.now()
	u := &model.User{
		Email:     req.Email,
		FullName:  req.FullName,
		Password:  hash,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// 并发注册同一邮箱时由唯一索引兜底
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	logger.Info("[User] signup", zap.String("userId", u.ID))
	return s.issue(u)
}

func (s *UserService) Login(ctx context.Context, req LoginReq) (*Session, error) {
	u, err := s.store.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, errs.ErrRecordNotFound) {
			return nil, errs.ErrArgs.WrapMsg("Invalid credentials")
		}
		return nil, err
	}
	ok, err := security.CheckPassword(u.Password, req.Password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrArgs.WrapMsg("Invalid credentials")
	}
	logger.Debug("[User] login", zap.String("userId", u.ID))
	return s.issue(u)
}

// UpdateProfilePic uploads src (data URL) and stores the resulting URL on the user.
func (s *UserService) UpdateProfilePic(ctx context.Context, userID, src string) (*model.User, error) {
	if strings.TrimSpace(src) == "" {
		return nil, errs.ErrArgs.WrapMsg("Profile picture is required")
	}
	if _, err := s.store.GetByID(ctx, userID); err != nil {
		return nil, err
	}
	url, err := s.media.Upload(ctx, src, "profilePic")
	if err != nil {
		return nil, err
	}
	return s.store.UpdateProfilePic(ctx, userID, url, s.now())
}

func (s *UserService) Get(ctx context.Context, userID string) (*model.User, error) {
	return s.store.GetByID(ctx, userID)
}

// Authenticate verifies a token and loads its user; a token for a deleted user is invalid.
func (s *UserService) Authenticate(ctx context.Context, token string) (*model.User, error) {
	claims, err := security.Verify(s.jwt, token)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetByID(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, errs.ErrRecordNotFound) {
			return nil, errs.ErrTokenInvalid.WrapMsg("User not found")
		}
		return nil, err
	}
	return u, nil
}

// UserIDFromToken verifies the signature only; used by logout where the user may be gone.
func (s *UserService) UserIDFromToken(token string) (string, error) {
	claims, err := security.Verify(s.jwt, token)
	if err != nil {
		return "", err
	}
	return claims.UserID(), nil
}

func (s *UserService) TokenTTL() time.Duration {
	if s.jwt.TTL <= 0 {
		return 7 * 24 * time.Hour
	}
	return s.jwt.TTL
}

func (s *UserService) issue(u *model.User) (*Session, error) {
	token, exp, err := security.Generate(s.jwt, u.ID)
	if err != nil {
		return nil, err
	}
	return &Session{User: u, Token: token, ExpireAt: exp}, nil
}
