// Package engine decides whether a new session may be admitted when a subject
// is at its concurrent-session limit.
package engine

import (
	"context"
	"fmt"
)

// Action is the admission decision for a new session.
type Action string

const (
	ActionAllow       Action = "allow"
	ActionReject      Action = "reject"
	ActionEvictOldest Action = "evict_oldest"
)

// ParseAction accepts the three admission actions.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionAllow, ActionReject, ActionEvictOldest:
		return a, nil
	}
	return "", fmt.Errorf("unknown admission action %q", s)
}

// AdmissionInput describes the subject's state at the moment a session is requested.
type AdmissionInput struct {
	SubjectType    string `json:"subject_type"`
	SubjectID      string `json:"subject_id"`
	ActiveSessions int    `json:"active_sessions"`
	MaxSessions    int    `json:"max_sessions"`
	// OnLimit is the configured action when the limit is reached.
	OnLimit       Action `json:"on_limit"`
	DeviceTrusted bool   `json:"device_trusted"`
}

// AdmissionEvaluator decides admission for one session request.
type AdmissionEvaluator interface {
	EvaluateAdmission(ctx context.Context, in AdmissionInput) (Action, error)
}

// LimitEvaluator is the built-in policy: allow while below MaxSessions (or
// when MaxSessions is zero), otherwise apply OnLimit.
type LimitEvaluator struct{}

var _ AdmissionEvaluator = LimitEvaluator{}

func (LimitEvaluator) EvaluateAdmission(_ context.Context, in AdmissionInput) (Action, error) {
	return limitDecision(in), nil
}

func limitDecision(in AdmissionInput) Action {
	if in.MaxSessions <= 0 || in.ActiveSessions < in.MaxSessions {
		return ActionAllow
	}
	if in.OnLimit == ActionReject {
		return ActionReject
	}
	return ActionEvictOldest
}
