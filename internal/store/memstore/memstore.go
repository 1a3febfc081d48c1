// Package memstore is an in-memory implementation of every repository the
// service needs. It backs tests and single-process development mode.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"emconnect.org/internal/covert"
	"emconnect.org/internal/incident"
	"emconnect.org/internal/notify"
)

type Store struct {
	mu            sync.RWMutex
	configs       map[string]covert.CredentialConfig
	links         []covert.TrustedLink
	incidents     map[string]incident.Incident
	members       map[string][]incident.Member
	messages      map[string][]incident.Message
	insights      map[string]incident.Insight
	progress      map[string][]incident.Progress
	notifications map[string]notify.Notification
}

func New() *Store {
	return &Store{
		configs:       make(map[string]covert.CredentialConfig),
		incidents:     make(map[string]incident.Incident),
		members:       make(map[string][]incident.Member),
		messages:      make(map[string][]incident.Message),
		insights:      make(map[string]incident.Insight),
		progress:      make(map[string][]incident.Progress),
		notifications: make(map[string]notify.Notification),
	}
}

// Ping satisfies the readiness probe.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// Credential configs

func (s *Store) ListCredentialConfigs(context.Context) ([]covert.CredentialConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]covert.CredentialConfig, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

func (s *Store) GetCredentialConfig(_ context.Context, subjectID string) (covert.CredentialConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[subjectID]
	if !ok {
		return covert.CredentialConfig{}, covert.ErrNotFound
	}
	return c, nil
}

func (s *Store) UpsertCredentialConfig(_ context.Context, cfg covert.CredentialConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.SubjectID] = cfg
	return nil
}

// Trusted links

// AddLink stores a trusted-contact link.
func (s *Store) AddLink(_ context.Context, l covert.TrustedLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.links {
		if existing.SubjectID == l.SubjectID && existing.ContactID == l.ContactID {
			return covert.ErrLinkExists
		}
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	s.links = append(s.links, l)
	return nil
}

func (s *Store) ActiveLinks(_ context.Context, subjectID string) ([]covert.TrustedLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []covert.TrustedLink
	for _, l := range s.links {
		if l.SubjectID == subjectID && l.Status == covert.LinkActive && l.ContactID != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

// ContactAddress returns the sealed phone of the contact's oldest active link.
func (s *Store) ContactAddress(_ context.Context, recipientID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.links {
		if l.ContactID == recipientID && l.Status == covert.LinkActive && l.SealedPhone != "" {
			return l.SealedPhone, nil
		}
	}
	return "", notify.ErrNoAddress
}

// Incidents

func (s *Store) CreateIncident(_ context.Context, inc incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.ID] = inc
	return nil
}

func (s *Store) GetIncident(_ context.Context, id string) (incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return incident.Incident{}, incident.ErrNotFound
	}
	return inc, nil
}

// ListIncidents returns every incident, oldest first.
func (s *Store) ListIncidents() []incident.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]incident.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) IncidentsForMember(_ context.Context, userID string) ([]incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []incident.Incident
	for id, members := range s.members {
		for _, m := range members {
			if m.UserID == userID {
				out = append(out, s.incidents[id])
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) AddMember(_ context.Context, m incident.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[m.IncidentID]; !ok {
		return incident.ErrNotFound
	}
	for _, existing := range s.members[m.IncidentID] {
		if existing.UserID == m.UserID {
			return nil
		}
	}
	s.members[m.IncidentID] = append(s.members[m.IncidentID], m)
	return nil
}

func (s *Store) ListMembers(_ context.Context, incidentID string) ([]incident.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]incident.Member(nil), s.members[incidentID]...), nil
}

func (s *Store) AppendMessage(_ context.Context, m incident.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[m.IncidentID]; !ok {
		return incident.ErrNotFound
	}
	s.messages[m.IncidentID] = append(s.messages[m.IncidentID], m)
	return nil
}

func (s *Store) ListMessages(_ context.Context, incidentID string, limit int) ([]incident.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[incidentID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]incident.Message(nil), all...), nil
}

func (s *Store) UpsertInsight(_ context.Context, in incident.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights[in.IncidentID] = in
	return nil
}

func (s *Store) GetInsight(_ context.Context, incidentID string) (incident.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.insights[incidentID]
	if !ok {
		return incident.Insight{}, incident.ErrNotFound
	}
	return in, nil
}

func (s *Store) UpsertProgress(_ context.Context, p incident.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[p.IncidentID]; !ok {
		return incident.ErrNotFound
	}
	list := s.progress[p.IncidentID]
	for i, existing := range list {
		if existing.ItemID == p.ItemID && existing.UserID == p.UserID {
			list[i] = p
			return nil
		}
	}
	s.progress[p.IncidentID] = append(list, p)
	return nil
}

// ListProgress returns checklist entries ordered by item then user.
func (s *Store) ListProgress(_ context.Context, incidentID string) ([]incident.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]incident.Progress(nil), s.progress[incidentID]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// Notifications

func (s *Store) CreateNotification(_ context.Context, n *notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = *n
	return nil
}

func (s *Store) UpdateNotification(_ context.Context, n *notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[n.ID]; !ok {
		return notify.ErrNotFound
	}
	s.notifications[n.ID] = *n
	return nil
}

func (s *Store) DueNotifications(_ context.Context, now time.Time, maxAttempts, limit int) ([]notify.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.Notification
	for _, n := range s.notifications {
		if n.Status != notify.StatusPending && n.Status != notify.StatusFailed {
			continue
		}
		if n.Attempts >= maxAttempts || n.NextRetryAt == nil || n.NextRetryAt.After(now) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Notifications returns every notification for incidentID, oldest first.
func (s *Store) Notifications(incidentID string) []notify.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.Notification
	for _, n := range s.notifications {
		if n.IncidentID == incidentID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
