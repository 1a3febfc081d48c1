package covert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"emconnect.org/internal/audit"
	"emconnect.org/internal/auth"
	"emconnect.org/internal/ratelimit"
)

// ConfigInput is the plaintext configuration submitted by a protected party.
type ConfigInput struct {
	PrimaryPhrase      string `json:"primary_phrase" validate:"required,min=3,max=60"`
	DuressPhrase       string `json:"duress_phrase" validate:"omitempty,min=3,max=60"`
	Question           string `json:"question" validate:"required,max=200"`
	Answer             string `json:"answer" validate:"required,max=60"`
	AttemptsPerWindow  int    `json:"attempts_per_window" validate:"omitempty,min=1,max=50"`
	WindowSeconds      int    `json:"window_seconds" validate:"omitempty,min=30,max=86400"`
	LockSeconds        int    `json:"lock_seconds" validate:"omitempty,min=30,max=86400"`
	RotateReminderDays int    `json:"rotate_reminder_days" validate:"omitempty,min=1,max=365"`
}

// Summary describes a configuration without exposing any secret.
type Summary struct {
	SubjectID          string    `json:"subject_id"`
	Question           string    `json:"question"`
	HasDuress          bool      `json:"has_duress"`
	AttemptsPerWindow  int       `json:"attempts_per_window"`
	WindowSeconds      int       `json:"window_seconds"`
	LockSeconds        int       `json:"lock_seconds"`
	RotateReminderDays int       `json:"rotate_reminder_days,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

var validate = validator.New()

// Configure validates, hashes and stores a party's configuration.
func (s *Service) Configure(ctx context.Context, subjectID string, in ConfigInput) (Summary, error) {
	if subjectID == "" {
		return Summary{}, ErrInvalidInput
	}
	in.PrimaryPhrase = auth.NormalizeSecret(in.PrimaryPhrase)
	in.DuressPhrase = auth.NormalizeSecret(in.DuressPhrase)
	in.Question = auth.NormalizeSecret(in.Question)
	in.Answer = auth.NormalizeSecret(in.Answer)
	if err := validate.Struct(in); err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.DuressPhrase != "" && in.DuressPhrase == in.PrimaryPhrase {
		return Summary{}, ErrDuressMatchesPrimary
	}

	def := ratelimit.DefaultConfig()
	cfg := CredentialConfig{
		SubjectID:          subjectID,
		Question:           in.Question,
		AttemptsPerWindow:  orDefault(in.AttemptsPerWindow, def.AttemptsPerWindow),
		WindowSeconds:      orDefault(in.WindowSeconds, int(def.Window/time.Second)),
		LockSeconds:        orDefault(in.LockSeconds, int(def.Lock/time.Second)),
		RotateReminderDays: in.RotateReminderDays,
		UpdatedAt:          s.now().UTC(),
	}
	var err error
	if cfg.PrimaryHash, err = auth.HashSecret(in.PrimaryPhrase); err != nil {
		return Summary{}, mapHashError(err)
	}
	if in.DuressPhrase != "" {
		if cfg.DuressHash, err = auth.HashSecret(in.DuressPhrase); err != nil {
			return Summary{}, mapHashError(err)
		}
	}
	if cfg.AnswerHash, err = auth.HashSecret(in.Answer); err != nil {
		return Summary{}, mapHashError(err)
	}
	if err := s.repo.UpsertCredentialConfig(ctx, cfg); err != nil {
		return Summary{}, fmt.Errorf("store credential config: %w", err)
	}
	_ = audit.LogEvent(ctx, "covert.configured", map[string]any{"subject_id": subjectID, "has_duress": cfg.DuressHash != ""})
	return summarize(cfg), nil
}

// Summary returns the stored configuration summary for subjectID.
func (s *Service) Summary(ctx context.Context, subjectID string) (Summary, error) {
	cfg, err := s.repo.GetCredentialConfig(ctx, subjectID)
	if err != nil {
		return Summary{}, err
	}
	return summarize(cfg), nil
}

func summarize(cfg CredentialConfig) Summary {
	return Summary{
		SubjectID:          cfg.SubjectID,
		Question:           cfg.Question,
		HasDuress:          cfg.DuressHash != "",
		AttemptsPerWindow:  cfg.AttemptsPerWindow,
		WindowSeconds:      cfg.WindowSeconds,
		LockSeconds:        cfg.LockSeconds,
		RotateReminderDays: cfg.RotateReminderDays,
		UpdatedAt:          cfg.UpdatedAt,
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func mapHashError(err error) error {
	if errors.Is(err, auth.ErrSecretTooLong) || errors.Is(err, auth.ErrInvalidInput) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return err
}
