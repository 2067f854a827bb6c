package store

import (
	"chatty/module/user/model"
	"chatty/tools/errs"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// Postgres expects the schema from pg.Migrate.
type Postgres struct {
	pool  *pgxpool.Pool
	table string
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, table: (&model.User{}).GetTableName()}
}

const userCols = `id, email, full_name, password, profile_pic, created_at, updated_at`

func (p *Postgres) Create(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = normEmail(u.Email)
	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+p.table+` (`+userCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		u.ID, u.Email, u.FullName, u.Password, u.ProfilePic, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errs.ErrDuplicateKey.WrapMsg("Email already exists")
		}
		return errs.WrapMsg(err, "insert user")
	}
	return nil
}

func (p *Postgres) GetByID(ctx context.Context, id string) (*model.User, error) {
	return p.queryOne(ctx, `SELECT `+userCols+` FROM `+p.table+` WHERE id = $1`, id)
}

func (p *Postgres) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return p.queryOne(ctx, `SELECT `+userCols+` FROM `+p.table+` WHERE email = $1`, normEmail(email))
}

func (p *Postgres) UpdateProfilePic(ctx context.Context, id, url string, at time.Time) (*model.User, error) {
	return p.queryOne(ctx,
		`UPDATE `+p.table+` SET profile_pic = $2, updated_at = $3 WHERE id = $1 RETURNING `+userCols,
		id, url, at)
}

func (p *Postgres) ListExcept(ctx context.Context, id string) ([]*model.User, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+userCols+` FROM `+p.table+` WHERE id <> $1 ORDER BY full_name`, id)
	if err != nil {
		return nil, errs.WrapMsg(err, "query users")
	}
	defer rows.Close()
	out := make([]*model.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		u.Password = ""
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.WrapMsg(err, "iterate users")
	}
	return out, nil
}

func (p *Postgres) queryOne(ctx context.Context, sql string, args ...any) (*model.User, error) {
	u, err := scanUser(p.pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrRecordNotFound.WrapMsg("User not found")
	}
	return u, err
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.Password, &u.ProfilePic, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, errs.WrapMsg(err, "scan user")
	}
	return &u, nil
}
