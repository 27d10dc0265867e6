package command

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/asaskevich/govalidator"

	"github.com/plaenen/eventflow/pkg/domain"
)

// ExecuteFunc is one step of the command pipeline.
type ExecuteFunc[S any] func(ctx context.Context, id domain.AggregateID, cmd domain.Command[S]) (Result[S], error)

// Middleware wraps command execution.
type Middleware[S any] func(next ExecuteFunc[S]) ExecuteFunc[S]

// Logging logs every command with its duration.
func Logging[S any](logger *slog.Logger) Middleware[S] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next ExecuteFunc[S]) ExecuteFunc[S] {
		return func(ctx context.Context, id domain.AggregateID, cmd domain.Command[S]) (Result[S], error) {
			start := time.Now()
			res, err := next(ctx, id, cmd)

			attrs := []any{
				"command", Name(cmd),
				"aggregate_id", res.AggregateID.String(),
				"correlation_id", domain.CorrelationID(ctx),
				"events", len(res.Envelopes),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				logger.ErrorContext(ctx, "command failed", append(attrs, "error", err)...)
				return res, err
			}
			logger.InfoContext(ctx, "command executed", attrs...)
			return res, nil
		}
	}
}

// Recovery turns a panicking command into an error.
func Recovery[S any](logger *slog.Logger) Middleware[S] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next ExecuteFunc[S]) ExecuteFunc[S] {
		return func(ctx context.Context, id domain.AggregateID, cmd domain.Command[S]) (res Result[S], err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "command panicked",
						"command", Name(cmd),
						"aggregate_id", id.String(),
						"panic", r,
						"stack_trace", string(debug.Stack()),
					)
					err = domain.WrapCommandError(Name(cmd), "panicked", fmt.Errorf("%v", r))
				}
			}()
			return next(ctx, id, cmd)
		}
	}
}

// Validator checks a command before it runs.
type Validator interface {
	Validate(cmd any) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(cmd any) error

func (f ValidatorFunc) Validate(cmd any) error {
	return f(cmd)
}

// StructValidator validates `valid:"..."` struct tags with govalidator.
// Non-struct commands pass.
var StructValidator = ValidatorFunc(func(cmd any) error {
	v := reflect.ValueOf(cmd)
	for v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	_, err := govalidator.ValidateStruct(v.Interface())
	return err
})

// Validation rejects commands the validator refuses with a CommandError.
func Validation[S any](v Validator) Middleware[S] {
	return func(next ExecuteFunc[S]) ExecuteFunc[S] {
		return func(ctx context.Context, id domain.AggregateID, cmd domain.Command[S]) (Result[S], error) {
			if err := v.Validate(cmd); err != nil {
				return Result[S]{AggregateID: id}, domain.WrapCommandError(Name(cmd), "validation failed", err)
			}
			return next(ctx, id, cmd)
		}
	}
}
