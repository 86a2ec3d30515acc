package chat

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"chatlink/internal/apperr"
	"chatlink/internal/wire"
)

const foreignKeyViolation = "23503"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SaveMessage stores a message, creating the room on first contact, and makes
// it the room's unread latest message.
func (r *Repository) SaveMessage(ctx context.Context, senderID, recipientID int, content string) (*wire.Message, error) {
	roomID := wire.RoomID(senderID, recipientID)
	first, second := min(senderID, recipientID), max(senderID, recipientID)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "saving message", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO chat_rooms (id, first_user_id, second_user_id) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING",
		roomID, first, second)
	if err != nil {
		return nil, saveErr(err)
	}

	msg := &wire.Message{
		Content:     content,
		SenderID:    senderID,
		RecipientID: recipientID,
		ChatRoomID:  roomID,
	}
	err = tx.QueryRowContext(ctx,
		"INSERT INTO chat_messages (chat_room_id, sender_id, recipient_id, content) VALUES ($1, $2, $3, $4) RETURNING id, created_at",
		roomID, senderID, recipientID, content).Scan(&msg.ID, &msg.Timestamp)
	if err != nil {
		return nil, saveErr(err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE chat_rooms SET latest_message_id = $2, read_status = FALSE WHERE id = $1",
		roomID, msg.ID)
	if err != nil {
		return nil, saveErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, saveErr(err)
	}
	return msg, nil
}

func saveErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return apperr.NotFound("recipient not found")
	}
	return apperr.Wrap(apperr.CodeInternal, "saving message", err)
}

// FindMessages returns the conversation between two users, oldest first. Each
// message carries the room's read flag.
func (r *Repository) FindMessages(ctx context.Context, userID, otherID int) ([]wire.Message, error) {
	query := `
		SELECT m.id, m.content, m.sender_id, m.recipient_id, m.chat_room_id, m.created_at, r.read_status
		FROM chat_messages m
		JOIN chat_rooms r ON r.id = m.chat_room_id
		WHERE m.chat_room_id = $1
		ORDER BY m.id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, wire.RoomID(userID, otherID))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "loading messages", err)
	}
	defer rows.Close()

	messages := []wire.Message{}
	for rows.Next() {
		var m wire.Message
		if err := rows.Scan(&m.ID, &m.Content, &m.SenderID, &m.RecipientID, &m.ChatRoomID, &m.Timestamp, &m.ReadStatus); err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "loading messages", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

const latestColumns = `
	SELECT r.read_status, m.sender_id, m.recipient_id, m.content, r.id, m.created_at
	FROM chat_rooms r
	JOIN chat_messages m ON m.id = r.latest_message_id
`

func scanLatest(row interface{ Scan(...any) error }) (*wire.LatestMessage, error) {
	l := &wire.LatestMessage{}
	if err := row.Scan(&l.ReadStatus, &l.SenderID, &l.RecipientID, &l.Content, &l.ChatRoomID, &l.Timestamp); err != nil {
		return nil, err
	}
	return l, nil
}

// LatestMessages returns one summary per room the user takes part in, most
// recent first.
func (r *Repository) LatestMessages(ctx context.Context, userID int) ([]wire.LatestMessage, error) {
	query := latestColumns + `
		WHERE r.first_user_id = $1 OR r.second_user_id = $1
		ORDER BY m.created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "loading latest messages", err)
	}
	defer rows.Close()

	latest := []wire.LatestMessage{}
	for rows.Next() {
		l, err := scanLatest(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "loading latest messages", err)
		}
		latest = append(latest, *l)
	}
	return latest, rows.Err()
}

// MarkRoomRead flags the room read when the reader is the recipient of its
// latest message, and returns the resulting summary.
func (r *Repository) MarkRoomRead(ctx context.Context, readerID, otherID int) (*wire.LatestMessage, error) {
	roomID := wire.RoomID(readerID, otherID)
	_, err := r.db.ExecContext(ctx, `
		UPDATE chat_rooms r SET read_status = TRUE
		FROM chat_messages m
		WHERE r.id = $1 AND m.id = r.latest_message_id AND m.recipient_id = $2
	`, roomID, readerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "marking room read", err)
	}

	l, err := scanLatest(r.db.QueryRowContext(ctx, latestColumns+" WHERE r.id = $1", roomID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("this chat room does not exist")
		}
		return nil, apperr.Wrap(apperr.CodeInternal, "marking room read", err)
	}
	return l, nil
}
