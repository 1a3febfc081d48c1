// Package analysis scores incident conversations for scam risk and urgency.
//
// Analyzers are arranged in ordered tiers by Engine: external providers are
// tried first under a quota guard and a timeout, and the rule-based analyzer
// always answers last.
package analysis

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
)

// RiskLevel grades scam risk.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// UrgencyLevel grades how soon a contact must act.
type UrgencyLevel string

const (
	UrgencyEmergency UrgencyLevel = "EMERGENCY"
	UrgencyCaution   UrgencyLevel = "CAUTION"
	UrgencySafe      UrgencyLevel = "SAFE"
)

// Message is one line of conversation as seen by an analyzer.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type Signal struct {
	Keyword string `json:"keyword" validate:"required"`
	Context string `json:"context"`
}

type ActionItem struct {
	ID     string `json:"id" validate:"required"`
	Title  string `json:"title" validate:"required"`
	Detail string `json:"detail"`
}

// Result is a full scam-risk analysis. The JSON shape is also the contract
// external providers must answer with.
type Result struct {
	Summary     string       `json:"summaryText" validate:"required"`
	Risk        RiskLevel    `json:"scamRiskLevel" validate:"required,oneof=LOW MEDIUM HIGH"`
	Signals     []Signal     `json:"scamSignals" validate:"required,dive"`
	ActionGuide []ActionItem `json:"actionGuide" validate:"required,dive"`
	Source      string       `json:"source,omitempty"`
}

type UrgencyResult struct {
	Level  UrgencyLevel `json:"level" validate:"required,oneof=EMERGENCY CAUTION SAFE"`
	Reason string       `json:"reason"`
	Source string       `json:"source,omitempty"`
}

// Analyzer is the capability every tier implements.
type Analyzer interface {
	Analyze(ctx context.Context, messages []Message) (Result, error)
	AssessUrgency(ctx context.Context, messages []Message) (UrgencyResult, error)
}

var (
	ErrEmptyResponse   = errors.New("analysis: provider returned empty response")
	ErrInvalidResponse = errors.New("analysis: provider response failed validation")
)

var validate = validator.New()
