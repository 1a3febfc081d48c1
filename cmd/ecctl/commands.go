package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"emconnect.org/internal/analysis"
	"emconnect.org/internal/auth"
	"emconnect.org/internal/config"
	"emconnect.org/internal/covert"
	"emconnect.org/internal/ids"
	"emconnect.org/internal/quota"
	"emconnect.org/internal/seal"
	"emconnect.org/internal/store"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ecctl",
		Short:         "Operator tooling for Emergency Connect",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("EC_CONFIG"), "Path to YAML config")
	root.AddCommand(
		newHashPhraseCmd(),
		newGenSealKeyCmd(),
		newAnalyzeCmd(),
		newUrgencyCmd(),
		newIssueTokenCmd(),
		newConfigureCmd(),
		newAddLinkCmd(),
	)
	return root
}

func newHashPhraseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-phrase [phrase]",
		Short: "Print the bcrypt hash of a phrase (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phrase := ""
			if len(args) == 1 {
				phrase = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				phrase = line
			}
			hash, err := auth.HashSecret(phrase)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newGenSealKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-seal-key",
		Short: "Generate a random field-encryption key (64 hex characters)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := seal.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

// readConversation parses "role: text" lines. Lines without a role are
// attributed to "PROTECTED".
func readConversation(r io.Reader) ([]analysis.Message, error) {
	var out []analysis.Message
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		role, text, ok := strings.Cut(line, ":")
		if !ok || strings.ContainsAny(role, " \t") {
			role, text = "PROTECTED", line
		}
		out = append(out, analysis.Message{Role: strings.TrimSpace(role), Text: strings.TrimSpace(text)})
	}
	return out, sc.Err()
}

func conversationInput(cmd *cobra.Command, file string) ([]analysis.Message, error) {
	if file == "" || file == "-" {
		return readConversation(cmd.InOrStdin())
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readConversation(f)
}

// engineFromFlags builds the configured engine, or a rule-based-only engine
// with --offline.
func engineFromFlags(offline bool) (*analysis.Engine, error) {
	if offline {
		return analysis.NewEngine(0), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	guard, err := quota.FromConfig(cfg.Quota)
	if err != nil {
		return nil, err
	}
	return analysis.FromConfig(cfg.Analyzer, guard)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func newAnalyzeCmd() *cobra.Command {
	var (
		file    string
		offline bool
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Score a conversation for scam risk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			msgs, err := conversationInput(cmd, file)
			if err != nil {
				return err
			}
			engine, err := engineFromFlags(offline)
			if err != nil {
				return err
			}
			res, err := engine.Analyze(cmd.Context(), msgs)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Conversation file, one \"ROLE: text\" per line (default stdin)")
	cmd.Flags().BoolVar(&offline, "offline", false, "Use only the rule-based analyzer")
	return cmd
}

func newUrgencyCmd() *cobra.Command {
	var (
		file    string
		offline bool
	)
	cmd := &cobra.Command{
		Use:   "urgency",
		Short: "Classify how urgently contacts must act",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			msgs, err := conversationInput(cmd, file)
			if err != nil {
				return err
			}
			engine, err := engineFromFlags(offline)
			if err != nil {
				return err
			}
			res, err := engine.AssessUrgency(cmd.Context(), msgs)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Conversation file, one \"ROLE: text\" per line (default stdin)")
	cmd.Flags().BoolVar(&offline, "offline", false, "Use only the rule-based analyzer")
	return cmd
}

func newIssueTokenCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a primary session token for a user (development)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			tokens, err := auth.NewService(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer), auth.WithSessionTTL(cfg.Auth.SessionTTL))
			if err != nil {
				return err
			}
			tok, exp, err := tokens.IssuePrimary(subject)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"token": tok, "expires_at": exp.UTC()})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "User id")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func openBackend() (store.Backend, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.PostgresDSN == "" {
		return nil, nil, errors.New("EC_PG_DSN is required")
	}
	b, err := store.Open(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	return b, cfg, nil
}

func newConfigureCmd() *cobra.Command {
	var (
		subject string
		in      covert.ConfigInput
	)
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Set a protected party's covert phrases and second factor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend, _, err := openBackend()
			if err != nil {
				return err
			}
			defer backend.Close()
			svc := covert.NewService(backend, nil, nil, nil, nil)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			sum, err := svc.Configure(ctx, subject, in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
	f := cmd.Flags()
	f.StringVar(&subject, "subject", "", "Protected party id")
	f.StringVar(&in.PrimaryPhrase, "primary", "", "Primary phrase")
	f.StringVar(&in.DuressPhrase, "duress", "", "Duress phrase (optional)")
	f.StringVar(&in.Question, "question", "", "Second-factor question")
	f.StringVar(&in.Answer, "answer", "", "Second-factor answer")
	f.IntVar(&in.AttemptsPerWindow, "attempts", 0, "Attempts per window (default 5)")
	f.IntVar(&in.WindowSeconds, "window-seconds", 0, "Window length in seconds (default 300)")
	f.IntVar(&in.LockSeconds, "lock-seconds", 0, "Lock length in seconds (default 600)")
	f.IntVar(&in.RotateReminderDays, "rotate-days", 0, "Phrase rotation reminder in days")
	for _, name := range []string{"subject", "primary", "question", "answer"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newAddLinkCmd() *cobra.Command {
	var subject, contactID, phone string
	cmd := &cobra.Command{
		Use:   "add-link",
		Short: "Link a trusted contact to a protected party; the phone is stored sealed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend, cfg, err := openBackend()
			if err != nil {
				return err
			}
			defer backend.Close()
			box, err := seal.New(cfg.Seal.KeyHex)
			if err != nil {
				return err
			}
			sealed, err := box.Seal(strings.TrimSpace(phone))
			if err != nil {
				return err
			}
			link := covert.TrustedLink{
				ID:          ids.New(),
				SubjectID:   subject,
				ContactID:   contactID,
				SealedPhone: sealed,
				Status:      covert.LinkActive,
				CreatedAt:   time.Now().UTC(),
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := backend.AddLink(ctx, link); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"id": link.ID, "subject_id": subject, "contact_id": contactID})
		},
	}
	f := cmd.Flags()
	f.StringVar(&subject, "subject", "", "Protected party id")
	f.StringVar(&contactID, "contact", "", "Contact user id")
	f.StringVar(&phone, "phone", "", "Contact phone number")
	for _, name := range []string{"subject", "contact", "phone"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
