package store

import (
	"chatty/module/chat/model"
	"chatty/tools/errs"
	"chatty/tools/ids"
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool  *pgxpool.Pool
	table string
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, table: (&model.Message{}).GetTableName()}
}

func (p *Postgres) Insert(ctx context.Context, m *model.Message) error {
	if m.ID == "" {
		m.ID = ids.GenerateString()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+p.table+` (id, sender_id, receiver_id, text, image, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.SenderID, m.ReceiverID, m.Text, m.Image, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return errs.WrapMsg(err, "insert message", "id", m.ID)
	}
	return nil
}

func (p *Postgres) Conversation(ctx context.Context, a, b string) ([]*model.Message, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, sender_id, receiver_id, text, image, created_at, updated_at FROM `+p.table+`
		 WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		 ORDER BY created_at, id`, a, b)
	if err != nil {
		return nil, errs.WrapMsg(err, "query conversation")
	}
	defer rows.Close()
	out := make([]*model.Message, 0)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Image, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, errs.WrapMsg(err, "scan message")
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.WrapMsg(err, "iterate conversation")
	}
	return out, nil
}
