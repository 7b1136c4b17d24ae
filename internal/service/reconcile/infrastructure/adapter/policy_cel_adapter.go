package adapter

import (
	"context"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"vigil/internal/service/reconcile/domain"
)

// PolicyCELAdapter 是 port.ActivationPolicy 的 CEL 实现。
// 激活策略是一条返回布尔值的 CEL 表达式, 例如拦截轮询异常过多的会话:
//
//	transientErrors < 10 && deviceId != ""
//
// 表达式在构造时编译一次, 运行期只做求值。空表达式恒允许。
type PolicyCELAdapter struct {
	program cel.Program
}

// NewPolicyCELAdapter 编译策略表达式并创建适配器实例。
func NewPolicyCELAdapter(expression string) (*PolicyCELAdapter, error) {
	if expression == "" {
		return &PolicyCELAdapter{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("invoiceId", cel.StringType),
		cel.Variable("deviceId", cel.StringType),
		cel.Variable("pollCount", cel.IntType),
		cel.Variable("transientErrors", cel.IntType),
		cel.Variable("elapsedSeconds", cel.IntType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build CEL environment")
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrap(issues.Err(), "invalid activation policy expression")
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.Errorf("activation policy must evaluate to bool, got %s", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build CEL program")
	}
	return &PolicyCELAdapter{program: program}, nil
}

// Allow 对一个会话求值策略表达式。
func (a *PolicyCELAdapter) Allow(ctx context.Context, session domain.PaymentSession) (bool, error) {
	if a.program == nil {
		return true, nil
	}

	out, _, err := a.program.ContextEval(ctx, map[string]interface{}{
		"invoiceId":       session.InvoiceID,
		"deviceId":        session.DeviceID,
		"pollCount":       session.PollCount,
		"transientErrors": session.TransientErrs,
		"elapsedSeconds":  int(time.Since(session.CreatedAt) / time.Second),
	})
	if err != nil {
		return false, errors.Wrap(err, "activation policy evaluation failed")
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, errors.Errorf("unexpected policy result type: %T", out.Value())
	}
	return allowed, nil
}
