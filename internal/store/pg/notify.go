package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"emconnect.org/internal/covert"
	"emconnect.org/internal/notify"
)

const notificationColumns = `id, recipient_id, incident_id, channel, payload, status,
	attempts, next_retry_at, last_error, sent_at, created_at`

func (s *Store) CreateNotification(ctx context.Context, n *notify.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into notifications(`+notificationColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, n.ID, n.RecipientID, nullString(n.IncidentID), string(n.Channel), payload, string(n.Status),
		n.Attempts, nullTime(n.NextRetryAt), n.LastError, nullTime(n.SentAt), n.CreatedAt.UTC())
	return err
}

func (s *Store) UpdateNotification(ctx context.Context, n *notify.Notification) error {
	res, err := s.db.ExecContext(ctx, `
		update notifications
		set status=$2, attempts=$3, next_retry_at=$4, last_error=$5, sent_at=$6
		where id=$1
	`, n.ID, string(n.Status), n.Attempts, nullTime(n.NextRetryAt), n.LastError, nullTime(n.SentAt))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notify.ErrNotFound
	}
	return nil
}

func (s *Store) DueNotifications(ctx context.Context, now time.Time, maxAttempts, limit int) ([]notify.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+notificationColumns+`
		from notifications
		where status in ('PENDING','FAILED')
		  and attempts < $1
		  and next_retry_at is not null
		  and next_retry_at <= $2
		order by created_at asc, id asc
		limit $3
	`, maxAttempts, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notify.Notification
	for rows.Next() {
		var (
			n         notify.Notification
			incidentN sql.NullString
			channel   string
			status    string
			payload   []byte
			nextRetry sql.NullTime
			sentAt    sql.NullTime
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &incidentN, &channel, &payload, &status,
			&n.Attempts, &nextRetry, &n.LastError, &sentAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return nil, fmt.Errorf("decode payload %s: %w", n.ID, err)
		}
		n.IncidentID = incidentN.String
		n.Channel = notify.Channel(channel)
		n.Status = notify.Status(status)
		n.NextRetryAt = timePtr(nextRetry)
		n.SentAt = timePtr(sentAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// ContactAddress returns the sealed phone of the recipient's oldest active
// link.
func (s *Store) ContactAddress(ctx context.Context, recipientID string) (string, error) {
	var phone string
	err := s.db.QueryRowContext(ctx, `
		select sealed_phone from trusted_links
		where contact_id=$1 and status=$2 and sealed_phone <> ''
		order by created_at, id
		limit 1
	`, recipientID, string(covert.LinkActive)).Scan(&phone)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notify.ErrNoAddress
	}
	return phone, err
}
