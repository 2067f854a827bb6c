package store

import (
	"chatty/module/user/model"
	"context"
	"time"
)

// Store persists users. Lookups of a missing user return errs.ErrRecordNotFound;
// creating a user whose email is taken returns errs.ErrDuplicateKey.
type Store interface {
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	UpdateProfilePic(ctx context.Context, id, url string, at time.Time) (*model.User, error)
	// ListExcept returns every user but id, ordered by full name.
	ListExcept(ctx context.Context, id string) ([]*model.User, error)
}
