package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// newEnv declares the variables an expression rule can reference.
func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("account_id", cel.StringType),
		cel.Variable("beneficiary_id", cel.StringType),
		cel.Variable("beneficiary_country", cel.StringType),
		cel.Variable("memo", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		// Account profile
		cel.Variable("account_count", cel.IntType),
		cel.Variable("account_mean", cel.DoubleType),
		cel.Variable("account_std", cel.DoubleType),
		cel.Variable("beneficiary_seen", cel.BoolType),
		// Beneficiary profile
		cel.Variable("beneficiary_count", cel.IntType),
		cel.Variable("beneficiary_mean", cel.DoubleType),
	)
}

func compileExpression(env *cel.Env, p params) (predicate, error) {
	expr, err := p.string("expression", "")
	if err != nil {
		return nil, err
	}
	if expr == "" {
		return nil, fmt.Errorf("param %q is required", "expression")
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	return func(ev *domain.PaymentEvent, view domain.ProfileView) (bool, string) {
		out, _, err := program.Eval(activation(ev, view))
		if err != nil {
			return false, ""
		}
		if b, ok := out.(types.Bool); ok && bool(b) {
			return true, "expression matched: " + expr
		}
		return false, ""
	}, nil
}

func activation(ev *domain.PaymentEvent, view domain.ProfileView) map[string]any {
	ts := ev.Timestamp.UTC()
	vars := map[string]any{
		"amount":              ev.Amount,
		"currency":            ev.Currency,
		"channel":             string(ev.Channel),
		"account_id":          ev.AccountID,
		"beneficiary_id":      ev.BeneficiaryID,
		"beneficiary_country": ev.BeneficiaryCountry,
		"memo":                ev.Memo,
		"hour":                int64(ts.Hour()),
		"weekday":             int64(ts.Weekday()),
		"account_count":       int64(0),
		"account_mean":        0.0,
		"account_std":         0.0,
		"beneficiary_seen":    false,
		"beneficiary_count":   int64(0),
		"beneficiary_mean":    0.0,
	}
	if a := view.Account; a != nil {
		vars["account_count"] = a.Count
		vars["account_mean"] = a.MeanAmount
		vars["account_std"] = a.StdAmount()
		vars["beneficiary_seen"] = a.HasSeenBeneficiary(ev.BeneficiaryID)
	}
	if b := view.Beneficiary; b != nil {
		vars["beneficiary_count"] = b.Count
		vars["beneficiary_mean"] = b.MeanAmount
	}
	return vars
}
