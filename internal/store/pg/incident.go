package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"emconnect.org/internal/incident"
)

func (s *Store) CreateIncident(ctx context.Context, inc incident.Incident) error {
	_, err := s.db.ExecContext(ctx, `
		insert into incidents(id, subject_id, is_duress, created_at) values ($1,$2,$3,$4)
	`, inc.ID, inc.SubjectID, inc.IsDuress, inc.CreatedAt.UTC())
	return err
}

func (s *Store) GetIncident(ctx context.Context, id string) (incident.Incident, error) {
	var inc incident.Incident
	err := s.db.QueryRowContext(ctx, `
		select id, subject_id, is_duress, created_at from incidents where id=$1
	`, id).Scan(&inc.ID, &inc.SubjectID, &inc.IsDuress, &inc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return incident.Incident{}, incident.ErrNotFound
	}
	return inc, err
}

func (s *Store) IncidentsForMember(ctx context.Context, userID string) ([]incident.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		select i.id, i.subject_id, i.is_duress, i.created_at
		from incidents i
		join incident_members m on m.incident_id = i.id
		where m.user_id=$1
		order by i.created_at desc, i.id desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []incident.Incident
	for rows.Next() {
		var inc incident.Incident
		if err := rows.Scan(&inc.ID, &inc.SubjectID, &inc.IsDuress, &inc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// AddMember is idempotent per (incident, user).
func (s *Store) AddMember(ctx context.Context, m incident.Member) error {
	_, err := s.db.ExecContext(ctx, `
		insert into incident_members(incident_id, user_id, role, joined_at)
		values ($1,$2,$3,$4)
		on conflict (incident_id, user_id) do nothing
	`, m.IncidentID, m.UserID, string(m.Role), m.JoinedAt.UTC())
	if pgCode(err) == pgErrForeignKeyViolation {
		return incident.ErrNotFound
	}
	return err
}

func (s *Store) ListMembers(ctx context.Context, incidentID string) ([]incident.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		select incident_id, user_id, role, joined_at
		from incident_members where incident_id=$1
		order by joined_at, user_id
	`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []incident.Member
	for rows.Next() {
		var m incident.Member
		var role string
		if err := rows.Scan(&m.IncidentID, &m.UserID, &role, &m.JoinedAt); err != nil {
			return nil, err
		}
		m.Role = incident.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) AppendMessage(ctx context.Context, m incident.Message) error {
	_, err := s.db.ExecContext(ctx, `
		insert into incident_messages(id, incident_id, sender_id, type, body, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, m.ID, m.IncidentID, m.SenderID, string(m.Type), m.Body, m.CreatedAt.UTC())
	if pgCode(err) == pgErrForeignKeyViolation {
		return incident.ErrNotFound
	}
	return err
}

func (s *Store) ListMessages(ctx context.Context, incidentID string, limit int) ([]incident.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, `
			select id, incident_id, sender_id, type, body, created_at from (
				select id, incident_id, sender_id, type, body, created_at
				from incident_messages where incident_id=$1
				order by created_at desc, id desc
				limit $2
			) recent
			order by created_at asc, id asc
		`, incidentID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			select id, incident_id, sender_id, type, body, created_at
			from incident_messages where incident_id=$1
			order by created_at asc, id asc
		`, incidentID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []incident.Message
	for rows.Next() {
		var m incident.Message
		var typ string
		if err := rows.Scan(&m.ID, &m.IncidentID, &m.SenderID, &typ, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = incident.MessageType(typ)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpsertInsight(ctx context.Context, in incident.Insight) error {
	raw, err := json.Marshal(in.Result)
	if err != nil {
		return fmt.Errorf("encode insight: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into incident_insights(incident_id, result, updated_at)
		values ($1,$2,$3)
		on conflict (incident_id) do update set
			result = excluded.result,
			updated_at = excluded.updated_at
	`, in.IncidentID, raw, in.UpdatedAt.UTC())
	if pgCode(err) == pgErrForeignKeyViolation {
		return incident.ErrNotFound
	}
	return err
}

func (s *Store) GetInsight(ctx context.Context, incidentID string) (incident.Insight, error) {
	var (
		in  incident.Insight
		raw []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select incident_id, result, updated_at from incident_insights where incident_id=$1
	`, incidentID).Scan(&in.IncidentID, &raw, &in.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return incident.Insight{}, incident.ErrNotFound
	}
	if err != nil {
		return incident.Insight{}, err
	}
	if err := json.Unmarshal(raw, &in.Result); err != nil {
		return incident.Insight{}, fmt.Errorf("decode insight: %w", err)
	}
	return in, nil
}

func (s *Store) UpsertProgress(ctx context.Context, p incident.Progress) error {
	_, err := s.db.ExecContext(ctx, `
		insert into incident_progress(incident_id, item_id, user_id, status, updated_at)
		values ($1,$2,$3,$4,$5)
		on conflict (incident_id, item_id, user_id) do update set
			status = excluded.status,
			updated_at = excluded.updated_at
	`, p.IncidentID, p.ItemID, p.UserID, string(p.Status), p.UpdatedAt.UTC())
	if pgCode(err) == pgErrForeignKeyViolation {
		return incident.ErrNotFound
	}
	return err
}

func (s *Store) ListProgress(ctx context.Context, incidentID string) ([]incident.Progress, error) {
	rows, err := s.db.QueryContext(ctx, `
		select incident_id, item_id, user_id, status, updated_at
		from incident_progress where incident_id=$1
		order by item_id, user_id
	`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []incident.Progress
	for rows.Next() {
		var p incident.Progress
		var status string
		if err := rows.Scan(&p.IncidentID, &p.ItemID, &p.UserID, &status, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Status = incident.ProgressStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}
