package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const admissionQuery = "data.reauth.session_admission.action"

// DefaultAdmissionPolicy reproduces LimitEvaluator in Rego.
const DefaultAdmissionPolicy = `package reauth.session_admission

default action := "allow"

action := input.on_limit if {
	input.max_sessions > 0
	input.active_sessions >= input.max_sessions
	input.on_limit == "reject"
}

action := "evict_oldest" if {
	input.max_sessions > 0
	input.active_sessions >= input.max_sessions
	input.on_limit != "reject"
}
`

// OPAEvaluator evaluates session admission with a Rego module compiled once
// at construction. Evaluation failures fall back to LimitEvaluator.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

var _ AdmissionEvaluator = (*OPAEvaluator)(nil)

// NewOPAEvaluator compiles policy, or DefaultAdmissionPolicy when policy is empty.
func NewOPAEvaluator(ctx context.Context, policy string) (*OPAEvaluator, error) {
	if policy == "" {
		policy = DefaultAdmissionPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"session_admission.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile admission policy: %w", err)
	}
	q, err := rego.New(rego.Query(admissionQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare admission policy: %w", err)
	}
	return &OPAEvaluator{query: q}, nil
}

// NewOPAEvaluatorFromFile reads a Rego module from path. An empty path uses the default policy.
func NewOPAEvaluatorFromFile(ctx context.Context, path string) (*OPAEvaluator, error) {
	if path == "" {
		return NewOPAEvaluator(ctx, "")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read admission policy: %w", err)
	}
	return NewOPAEvaluator(ctx, string(b))
}

// HealthCheck compiles and evaluates the default policy with a minimal input.
func HealthCheck(ctx context.Context) error {
	e, err := NewOPAEvaluator(ctx, DefaultAdmissionPolicy)
	if err != nil {
		return err
	}
	if _, err := e.eval(ctx, AdmissionInput{MaxSessions: 1, ActiveSessions: 1, OnLimit: ActionReject}); err != nil {
		return fmt.Errorf("eval default policy: %w", err)
	}
	return nil
}

func (e *OPAEvaluator) EvaluateAdmission(ctx context.Context, in AdmissionInput) (Action, error) {
	action, err := e.eval(ctx, in)
	if err != nil {
		fallback := limitDecision(in)
		slog.Warn("admission policy evaluation failed, using limit policy",
			"component", "policy", "error", err, "action", fallback)
		return fallback, nil
	}
	return action, nil
}

func (e *OPAEvaluator) eval(ctx context.Context, in AdmissionInput) (Action, error) {
	input := map[string]any{
		"subject_type":    in.SubjectType,
		"subject_id":      in.SubjectID,
		"active_sessions": in.ActiveSessions,
		"max_sessions":    in.MaxSessions,
		"on_limit":        string(in.OnLimit),
		"device_trusted":  in.DeviceTrusted,
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return "", fmt.Errorf("admission policy returned no result")
	}
	s, ok := rs[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("admission policy returned %T, want string", rs[0].Expressions[0].Value)
	}
	return ParseAction(s)
}
