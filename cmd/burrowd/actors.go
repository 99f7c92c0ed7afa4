package main

import (
	"fmt"

	"github.com/burrow-labs/burrow/pkg/actor"
)

// registerActors installs the daemon's actor definitions. The built-in
// counter is a reference actor; deployments embed burrow as a library and
// register their own definitions instead.
func registerActors(registry *actor.Registry) error {
	return registry.Register(counterDefinition())
}

type counterState struct {
	Count int64 `json:"count" cbor:"count"`
}

func counterDefinition() *actor.Definition {
	return &actor.Definition{
		Name:  "counter",
		State: &counterState{},
		Actions: map[string]actor.ActionFunc{
			"increment": func(c *actor.Context, args []any) (any, error) {
				var by int64 = 1
				if len(args) > 0 {
					n, ok := asInt64(args[0])
					if !ok {
						return nil, fmt.Errorf("increment takes an integer amount")
					}
					by = n
				}

				var count int64
				err := c.MutateState(func(root any) (any, error) {
					state := root.(*counterState)
					state.Count += by
					count = state.Count
					return state, nil
				})
				if err != nil {
					return nil, err
				}

				if err := c.Broadcast("count", count); err != nil {
					c.Log().Warn("Failed to broadcast count", "error", err)
				}
				return count, nil
			},
			"get": func(c *actor.Context, args []any) (any, error) {
				root, err := c.State()
				if err != nil {
					return nil, err
				}
				return root.(*counterState).Count, nil
			},
		},
	}
}

// asInt64 accepts the integer shapes JSON and CBOR decoding produce.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
