package actor

import (
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/burrow-labs/burrow/pkg/config"
)

// ActionFunc is a named server-side callable invoked over the framed
// protocol, from schedules, or from raw handlers. Args arrive decoded from
// the wire codec.
type ActionFunc func(c *Context, args []any) (any, error)

// Definition describes an actor type: its actions, its state roots, and its
// lifecycle hooks. All hooks are optional. A Definition is immutable after
// registration and shared by every instance of the type.
type Definition struct {
	// Name is the actor type name used for addressing.
	Name string

	// Actions maps action names to handlers.
	Actions map[string]ActionFunc

	// State is the initial state root, cloned per instance, and the type
	// prototype persisted state decodes back into. When CreateState is also
	// set it builds the initial value and State supplies only the type.
	// Leaving both unset disables state.
	State any
	// CreateState builds the initial state root on first creation.
	CreateState func(c *Context) (any, error)

	// ConnState / CreateConnState mirror State for per-connection state.
	ConnState       any
	CreateConnState func(c *Context, params any) (any, error)

	// CreateVars builds ephemeral per-instance variables on every start.
	// Vars are never persisted.
	CreateVars func(c *Context) (any, error)

	// Lifecycle hooks, each bounded by its configured timeout.
	OnCreate  func(c *Context) error
	OnWake    func(c *Context) error
	OnSleep   func(c *Context) error
	OnDestroy func(c *Context) error

	// OnStateChange observes every committed actor-state mutation with the
	// raw (unwrapped) root. Re-entrant mutations are absorbed by a guard.
	OnStateChange func(c *Context, state any)

	// Connection hooks.
	OnBeforeConnect func(c *Context, params any) error
	OnConnect       func(c *Context, conn *Conn) error
	OnDisconnect    func(c *Context, conn *Conn) error

	// OnBeforeActionResponse can rewrite an action's output before it is
	// sent. Errors are logged and the original output is kept.
	OnBeforeActionResponse func(c *Context, name string, output any) (any, error)

	// OnRequest serves raw HTTP requests routed to this actor.
	OnRequest func(c *Context, conn *Conn, r *http.Request) (*RawResponse, error)

	// OnWebSocket serves raw (non-framed) websockets routed to this actor.
	OnWebSocket func(c *Context, conn *Conn, ws *websocket.Conn, r *http.Request) error

	// Run, if set, is launched after the instance starts and is expected to
	// outlive it. Returning (or failing) while the actor is not stopping is
	// treated as a crash and destroys the actor.
	Run func(c *Context) error

	// Options overrides individual runtime defaults for this actor type.
	Options *config.Options
}

// Validate checks the definition for contradictions before registration.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("actor definition requires a name")
	}
	for name, handler := range d.Actions {
		if name == "" {
			return fmt.Errorf("actor %q: action with empty name", d.Name)
		}
		if handler == nil {
			return fmt.Errorf("actor %q: action %q has no handler", d.Name, name)
		}
	}
	return nil
}

// stateEnabled reports whether the definition carries actor state.
func (d *Definition) stateEnabled() bool {
	return d.State != nil || d.CreateState != nil
}

// connStateEnabled reports whether the definition carries connection state.
func (d *Definition) connStateEnabled() bool {
	return d.ConnState != nil || d.CreateConnState != nil
}
