package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"beamline-control-plane/backend/internal/session/domain"

	"github.com/jackc/pgx/v5/pgtype"
)

// PostgresStore keeps the user records of one beamline in Postgres.
type PostgresStore struct {
	db       *sql.DB
	beamline string
}

// NewPostgresStore returns a store for beamline backed by db.
func NewPostgresStore(db *sql.DB, beamline string) *PostgresStore {
	return &PostgresStore{db: db, beamline: beamline}
}

// WithinTx runs fn in a database transaction, committing when fn returns nil.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&pgTx{tx: tx, beamline: s.beamline}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const selectUser = `SELECT u.session_id, u.username, u.login_id, u.nickname, u.nickname_set, u.active,
	u.in_control, u.is_staff, u.selected_proposal, u.lims_data, u.last_request_at, u.created_at,
	COALESCE(ARRAY(SELECT r.role FROM user_roles r WHERE r.beamline = u.beamline AND r.username = u.username ORDER BY r.role), '{}')
	FROM beamline_users u`

// LoadAll returns every record of the beamline ordered by creation time.
func (s *PostgresStore) LoadAll(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, selectUser+` WHERE u.beamline = $1 ORDER BY u.created_at, u.session_id`, s.beamline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx       *sql.Tx
	beamline string
}

// FindByUsername returns the record for username, or nil if there is none.
func (t *pgTx) FindByUsername(ctx context.Context, username string) (*domain.Session, error) {
	row := t.tx.QueryRowContext(ctx, selectUser+` WHERE u.beamline = $1 AND u.username = $2`, t.beamline, username)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

func (t *pgTx) Create(ctx context.Context, s *domain.Session) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO beamline_users
		(beamline, username, session_id, login_id, nickname, nickname_set, active, in_control, is_staff,
		 selected_proposal, lims_data, last_request_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.beamline, s.PrincipalKey, s.ID, s.LoginID, s.DisplayName, s.DisplayNameSet, s.Active, s.InControl,
		s.IsStaff, nullString(s.SelectedProposal), nullJSON(s.ExternalData), nullTime(s.LastActivity),
		s.CreatedAt, time.Now().UTC())
	if err != nil {
		return err
	}
	return t.setRoles(ctx, s.PrincipalKey, s.Roles)
}

func (t *pgTx) Put(ctx context.Context, s *domain.Session) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE beamline_users SET
		session_id = $3, login_id = $4, nickname = $5, nickname_set = $6, active = $7, in_control = $8,
		is_staff = $9, selected_proposal = $10, lims_data = $11, last_request_at = $12, updated_at = $13
		WHERE beamline = $1 AND username = $2`,
		t.beamline, s.PrincipalKey, s.ID, s.LoginID, s.DisplayName, s.DisplayNameSet, s.Active, s.InControl,
		s.IsStaff, nullString(s.SelectedProposal), nullJSON(s.ExternalData), nullTime(s.LastActivity),
		time.Now().UTC())
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	return t.setRoles(ctx, s.PrincipalKey, s.Roles)
}

func (t *pgTx) Deactivate(ctx context.Context, username string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE beamline_users SET active = FALSE, in_control = FALSE, updated_at = $3
		WHERE beamline = $1 AND username = $2`, t.beamline, username, time.Now().UTC())
	if err != nil {
		return err
	}
	return expectOne(res)
}

// Delete removes the record; role links go with it through the foreign key.
func (t *pgTx) Delete(ctx context.Context, username string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM beamline_users WHERE beamline = $1 AND username = $2`, t.beamline, username)
	return err
}

func (t *pgTx) EnsureRole(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO roles (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	return err
}

func (t *pgTx) setRoles(ctx context.Context, username string, roles []string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM user_roles WHERE beamline = $1 AND username = $2`, t.beamline, username); err != nil {
		return err
	}
	for _, r := range roles {
		if err := t.EnsureRole(ctx, r); err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx, `INSERT INTO user_roles (beamline, username, role) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`, t.beamline, username, r); err != nil {
			return fmt.Errorf("assign role %s: %w", r, err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.Session, error) {
	var (
		s           domain.Session
		proposal    sql.NullString
		lims        []byte
		lastRequest sql.NullTime
		roles       []string
	)
	if err := row.Scan(&s.ID, &s.PrincipalKey, &s.LoginID, &s.DisplayName, &s.DisplayNameSet, &s.Active,
		&s.InControl, &s.IsStaff, &proposal, &lims, &lastRequest, &s.CreatedAt,
		pgtype.NewMap().SQLScanner(&roles)); err != nil {
		return nil, err
	}
	s.SelectedProposal = proposal.String
	if len(lims) > 0 {
		s.ExternalData = json.RawMessage(lims)
	}
	if lastRequest.Valid {
		s.LastActivity = lastRequest.Time
	}
	if len(roles) > 0 {
		s.Roles = roles
	}
	return &s, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
