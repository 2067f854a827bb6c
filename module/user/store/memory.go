package store

import (
	"chatty/module/user/model"
	"chatty/tools/errs"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory keeps users in process; used by store.driver=memory and by tests.
type Memory struct {
	mu      sync.RWMutex
	byID    map[string]*model.User
	byEmail map[string]string
}

func NewMemory() *Memory {
	return &Memory{byID: make(map[string]*model.User), byEmail: make(map[string]string)}
}

func (m *Memory) Create(_ context.Context, u *model.User) error {
	u.Email = normEmail(u.Email)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[u.Email]; ok {
		return errs.ErrDuplicateKey.WrapMsg("Email already exists")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	cp := *u
	m.byID[u.ID] = &cp
	m.byEmail[u.Email] = u.ID
	return nil
}

func (m *Memory) GetByID(_ context.Context, id string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) GetByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[normEmail(email)]
	if !ok {
		return nil, errs.ErrRecordNotFound.WrapMsg("User not found")
	}
	return m.getLocked(id)
}

func (m *Memory) UpdateProfilePic(_ context.Context, id, url string, at time.Time) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, errs.ErrRecordNotFound.WrapMsg("User not found")
	}
	u.ProfilePic = url
	u.UpdatedAt = at
	cp := *u
	return &cp, nil
}

func (m *Memory) ListExcept(_ context.Context, id string) ([]*model.User, error) {
	m.mu.RLock()
	out := make([]*model.User, 0, len(m.byID))
	for uid, u := range m.byID {
		if uid == id {
			continue
		}
		cp := *u
		cp.Password = ""
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FullName != out[j].FullName {
			return out[i].FullName < out[j].FullName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) getLocked(id string) (*model.User, error) {
	u, ok := m.byID[id]
	if !ok {
		return nil, errs.ErrRecordNotFound.WrapMsg("User not found")
	}
	cp := *u
	return &cp, nil
}
