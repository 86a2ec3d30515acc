package user

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"chatlink/internal/apperr"
)

const uniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = "id, email, name, password, is_online, last_seen, profile_picture_url"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	var lastSeen sql.NullTime
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Password, &u.IsOnline, &lastSeen, &u.ProfilePictureURL); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		u.LastSeen = &t
	}
	return u, nil
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	var id int
	query := "INSERT INTO users (email, name, password) VALUES ($1, $2, $3) RETURNING id"

	err := r.db.QueryRowContext(ctx, query, user.Email, user.Name, user.Password).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, apperr.AlreadyExists("email is already registered")
		}
		return nil, apperr.Wrap(apperr.CodeInternal, "creating user", err)
	}

	user.ID = id
	return user, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE email = $1"
	return r.getOne(ctx, query, email)
}

func (r *Repository) GetUserByID(ctx context.Context, id int) (*User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE id = $1"
	return r.getOne(ctx, query, id)
}

func (r *Repository) getOne(ctx context.Context, query string, arg any) (*User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Wrap(apperr.CodeInternal, "loading user", err)
	}
	return u, nil
}

func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "listing users", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "listing users", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (r *Repository) UpdateUser(ctx context.Context, user *User) error {
	query := "UPDATE users SET name = $2, password = $3, profile_picture_url = $4 WHERE id = $1"
	res, err := r.db.ExecContext(ctx, query, user.ID, user.Name, user.Password, user.ProfilePictureURL)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "updating user", err)
	}
	return expectOneRow(res)
}

// SetOnline flips the presence flag and stamps last_seen.
func (r *Repository) SetOnline(ctx context.Context, id int, online bool, at time.Time) error {
	query := "UPDATE users SET is_online = $2, last_seen = $3 WHERE id = $1"
	res, err := r.db.ExecContext(ctx, query, id, online, at)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "updating presence", err)
	}
	return expectOneRow(res)
}

func (r *Repository) DeleteUser(ctx context.Context, id int) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM users WHERE id = $1", id)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "deleting user", err)
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "checking affected rows", err)
	}
	if n == 0 {
		return apperr.NotFound("user not found")
	}
	return nil
}
