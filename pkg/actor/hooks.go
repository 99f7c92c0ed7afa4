package actor

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// runHookValue invokes an optional user hook under its configured deadline.
// The hook runs on its own goroutine; exceeding the deadline returns a
// *HookTimeoutError without cancelling the hook's side effects (best-effort
// only the result is abandoned). A zero timeout means no deadline.
func runHookValue(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) (any, error)) (any, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := fn(hookCtx)
		done <- result{value, err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-hookCtx.Done():
		if errors.Is(hookCtx.Err(), context.DeadlineExceeded) {
			return nil, &HookTimeoutError{Hook: name, Timeout: timeout}
		}
		return nil, hookCtx.Err()
	}
}

// runHook is runHookValue for hooks that return no value.
func runHook(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	_, err := runHookValue(ctx, name, timeout, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// cloneValue deep-copies a value through a CBOR round trip, preserving the
// concrete type. Used for static initial state so instances never share
// mutable roots.
func cloneValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeAs(v, raw)
}

// decodeAs unmarshals raw into a fresh value of prototype's concrete type.
// A nil prototype decodes into generic values (maps and slices).
func decodeAs(prototype any, raw []byte) (any, error) {
	if prototype == nil {
		var out any
		if err := cbor.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	t := reflect.TypeOf(prototype)
	if t.Kind() == reflect.Pointer {
		out := reflect.New(t.Elem()).Interface()
		if err := cbor.Unmarshal(raw, out); err != nil {
			return nil, err
		}
		return out, nil
	}
	p := reflect.New(t)
	if err := cbor.Unmarshal(raw, p.Interface()); err != nil {
		return nil, err
	}
	return p.Elem().Interface(), nil
}

// asActorError is errors.As specialized for *Error.
func asActorError(err error, target **Error) bool {
	return errors.As(err, target)
}
