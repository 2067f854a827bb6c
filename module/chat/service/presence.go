package service

import (
	"chatty/service/storage"
	"context"
)

// PresenceReader answers "is this user online" for GET /api/presence/:id.
type PresenceReader interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

type localOnline interface {
	IsOnline(userID string) bool
}

// LocalPresence reads the coordinator's registry of this node.
type LocalPresence struct{ coord localOnline }

func NewLocalPresence(coord localOnline) *LocalPresence { return &LocalPresence{coord: coord} }

func (p *LocalPresence) IsOnline(_ context.Context, userID string) (bool, error) {
	return p.coord.IsOnline(userID), nil
}

// MirrorPresence reads the cluster-wide redis mirror.
type MirrorPresence struct{ mirror *storage.Presence }

func NewMirrorPresence(mirror *storage.Presence) *MirrorPresence {
	return &MirrorPresence{mirror: mirror}
}

func (p *MirrorPresence) IsOnline(ctx context.Context, userID string) (bool, error) {
	_, ok, err := p.mirror.Lookup(ctx, userID)
	return ok, err
}
