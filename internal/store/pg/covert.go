package pg

import (
	"context"
	"database/sql"
	"errors"

	"emconnect.org/internal/covert"
)

const credentialColumns = `subject_id, primary_hash, duress_hash, question, answer_hash,
	attempts_per_window, window_seconds, lock_seconds, rotate_reminder_days, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredentialConfig(row rowScanner) (covert.CredentialConfig, error) {
	var c covert.CredentialConfig
	err := row.Scan(&c.SubjectID, &c.PrimaryHash, &c.DuressHash, &c.Question, &c.AnswerHash,
		&c.AttemptsPerWindow, &c.WindowSeconds, &c.LockSeconds, &c.RotateReminderDays, &c.UpdatedAt)
	return c, err
}

func (s *Store) ListCredentialConfigs(ctx context.Context) ([]covert.CredentialConfig, error) {
	rows, err := s.db.QueryContext(ctx, `select `+credentialColumns+` from credential_configs order by subject_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []covert.CredentialConfig
	for rows.Next() {
		c, err := scanCredentialConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetCredentialConfig(ctx context.Context, subjectID string) (covert.CredentialConfig, error) {
	row := s.db.QueryRowContext(ctx, `select `+credentialColumns+` from credential_configs where subject_id=$1`, subjectID)
	c, err := scanCredentialConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return covert.CredentialConfig{}, covert.ErrNotFound
	}
	return c, err
}

func (s *Store) UpsertCredentialConfig(ctx context.Context, c covert.CredentialConfig) error {
	_, err := s.db.ExecContext(ctx, `
		insert into credential_configs(`+credentialColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		on conflict (subject_id) do update set
			primary_hash = excluded.primary_hash,
			duress_hash = excluded.duress_hash,
			question = excluded.question,
			answer_hash = excluded.answer_hash,
			attempts_per_window = excluded.attempts_per_window,
			window_seconds = excluded.window_seconds,
			lock_seconds = excluded.lock_seconds,
			rotate_reminder_days = excluded.rotate_reminder_days,
			updated_at = excluded.updated_at
	`, c.SubjectID, c.PrimaryHash, c.DuressHash, c.Question, c.AnswerHash,
		c.AttemptsPerWindow, c.WindowSeconds, c.LockSeconds, c.RotateReminderDays, c.UpdatedAt.UTC())
	return err
}

// AddLink stores a trusted-contact link. A second link for the same pair
// returns covert.ErrLinkExists.
func (s *Store) AddLink(ctx context.Context, l covert.TrustedLink) error {
	_, err := s.db.ExecContext(ctx, `
		insert into trusted_links(id, subject_id, contact_id, sealed_phone, status, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, l.ID, l.SubjectID, l.ContactID, l.SealedPhone, string(l.Status), l.CreatedAt.UTC())
	if pgCode(err) == pgErrUniqueViolation {
		return covert.ErrLinkExists
	}
	return err
}

func (s *Store) ActiveLinks(ctx context.Context, subjectID string) ([]covert.TrustedLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, subject_id, contact_id, sealed_phone, status, created_at
		from trusted_links
		where subject_id=$1 and status=$2 and contact_id <> ''
		order by created_at, id
	`, subjectID, string(covert.LinkActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []covert.TrustedLink
	for rows.Next() {
		var l covert.TrustedLink
		var status string
		if err := rows.Scan(&l.ID, &l.SubjectID, &l.ContactID, &l.SealedPhone, &status, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Status = covert.LinkStatus(status)
		out = append(out, l)
	}
	return out, rows.Err()
}
