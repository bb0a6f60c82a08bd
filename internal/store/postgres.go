package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/GanchoDigital/agente/internal/model"
)

// PostgresStore reaches the Supabase database over its direct SQL endpoint.
// The pgx stdlib driver is registered by the caller (cmd/agente).
type PostgresStore struct {
	db *sql.DB
}

var _ ContactStore = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const contactColumns = `
	id, name, whatsapp, instance_name, status, stage,
	conversation_id, from_me, user_id, last_contact, cooldown_until, created_at
`

func (s *PostgresStore) GetContact(ctx context.Context, whatsapp, instance string) (*model.Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE whatsapp = $1 AND instance_name = $2
		LIMIT 1
	`, whatsapp, instance)

	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) CreateContact(ctx context.Context, c *model.Contact) (*model.Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO contacts
			(name, whatsapp, instance_name, status, stage,
			 conversation_id, from_me, user_id, last_contact)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+contactColumns+`
	`,
		c.Name,
		c.Whatsapp,
		c.InstanceName,
		string(c.Status),
		c.Stage,
		c.ConversationID,
		c.FromMe,
		c.UserID,
		c.LastContact.UTC(),
	)
	return scanContact(row)
}

func (s *PostgresStore) TouchContact(ctx context.Context, whatsapp, instance, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contacts
		SET last_contact = now(),
		    name = COALESCE(NULLIF($3, ''), name)
		WHERE whatsapp = $1 AND instance_name = $2
	`, whatsapp, instance, name)
	return err
}

func (s *PostgresStore) SetCooldown(ctx context.Context, whatsapp, instance string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contacts
		SET status = $3,
		    from_me = true,
		    last_contact = now(),
		    cooldown_until = $4
		WHERE whatsapp = $1 AND instance_name = $2
	`, whatsapp, instance, string(model.Cooldown), until.UTC())
	return err
}

func (s *PostgresStore) UpdateStage(ctx context.Context, whatsapp, instance, stage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contacts
		SET stage = $3
		WHERE whatsapp = $1 AND instance_name = $2
	`, whatsapp, instance, stage)
	return err
}

func (s *PostgresStore) AssistantUserID(ctx context.Context, instance string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM assistants WHERE instance_name = $1 LIMIT 1
	`, instance).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) UserPlan(ctx context.Context, userID string) (string, error) {
	var plan string
	err := s.db.QueryRowContext(ctx, `
		SELECT plan FROM users WHERE id = $1 LIMIT 1
	`, userID).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return plan, nil
}

func (s *PostgresStore) CountContactsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM contacts
		WHERE user_id = $1 AND created_at >= $2
	`, userID, since.UTC()).Scan(&n)
	return n, err
}

func (s *PostgresStore) ListContacts(ctx context.Context, instance string, limit, offset int) ([]model.Contact, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE instance_name = $1
		ORDER BY last_contact DESC
		LIMIT $2 OFFSET $3
	`, instance, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*model.Contact, error) {
	var c model.Contact
	var status string
	var userID sql.NullString
	var cooldownUntil sql.NullTime

	if err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Whatsapp,
		&c.InstanceName,
		&status,
		&c.Stage,
		&c.ConversationID,
		&c.FromMe,
		&userID,
		&c.LastContact,
		&cooldownUntil,
		&c.CreatedAt,
	); err != nil {
		return nil, err
	}

	c.Status = model.Status(status)

	if userID.Valid {
		s := userID.String
		c.UserID = &s
	}
	if cooldownUntil.Valid {
		t := cooldownUntil.Time
		c.CooldownUntil = &t
	}

	return &c, nil
}
