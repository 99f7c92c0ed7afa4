// Package config holds the runtime configuration for burrow actors and the
// host daemon. Options are yaml-tagged so deployments can ship a config file;
// environment variables override individual fields (see Load).
package config

import "time"

// Options controls per-actor runtime behavior. The zero value is not usable;
// start from DefaultOptions.
type Options struct {
	// StateSaveInterval is the throttle window for persistence writes. Dirty
	// state is coalesced so at most one KV batch is issued per window.
	StateSaveInterval time.Duration `yaml:"state_save_interval"`

	// ActionTimeout bounds a single action handler invocation.
	ActionTimeout time.Duration `yaml:"action_timeout"`

	// Per-hook deadlines. A hook exceeding its deadline fails with a hook
	// timeout error; the hook's side effects are not forcibly cancelled.
	CreateStateTimeout     time.Duration `yaml:"create_state_timeout"`
	CreateConnStateTimeout time.Duration `yaml:"create_conn_state_timeout"`
	CreateVarsTimeout      time.Duration `yaml:"create_vars_timeout"`
	OnConnectTimeout       time.Duration `yaml:"on_connect_timeout"`
	OnSleepTimeout         time.Duration `yaml:"on_sleep_timeout"`
	OnDestroyTimeout       time.Duration `yaml:"on_destroy_timeout"`

	// RunStopTimeout is how long an orderly stop waits for the run handler to
	// exit before giving up on the join. Exceeding it is logged, not fatal.
	RunStopTimeout time.Duration `yaml:"run_stop_timeout"`

	// WaitUntilTimeout bounds background keep-awake work. A keep-awake task
	// still running after this long stops blocking sleep.
	WaitUntilTimeout time.Duration `yaml:"wait_until_timeout"`

	// SleepTimeout is the idle duration before the runtime asks the driver to
	// hibernate the actor.
	SleepTimeout time.Duration `yaml:"sleep_timeout"`

	// NoSleep disables the sleep arbiter entirely.
	NoSleep bool `yaml:"no_sleep"`

	// MaxQueueSize is the maximum number of persisted queue messages.
	MaxQueueSize int `yaml:"max_queue_size"`

	// MaxQueueMessageSize is the maximum encoded body size in bytes.
	MaxQueueMessageSize int `yaml:"max_queue_message_size"`
}

// DefaultOptions returns the built-in runtime defaults.
func DefaultOptions() *Options {
	return &Options{
		StateSaveInterval:      100 * time.Millisecond,
		ActionTimeout:          15 * time.Second,
		CreateStateTimeout:     5 * time.Second,
		CreateConnStateTimeout: 5 * time.Second,
		CreateVarsTimeout:      5 * time.Second,
		OnConnectTimeout:       5 * time.Second,
		OnSleepTimeout:         5 * time.Second,
		OnDestroyTimeout:       5 * time.Second,
		RunStopTimeout:         5 * time.Second,
		WaitUntilTimeout:       30 * time.Second,
		SleepTimeout:           30 * time.Second,
		MaxQueueSize:           1000,
		MaxQueueMessageSize:    1 << 20,
	}
}

// Merge returns a copy of o with any zero field filled from defaults. Used
// when an actor definition carries partial options.
func (o *Options) Merge(defaults *Options) *Options {
	out := *o
	if out.StateSaveInterval == 0 {
		out.StateSaveInterval = defaults.StateSaveInterval
	}
	if out.ActionTimeout == 0 {
		out.ActionTimeout = defaults.ActionTimeout
	}
	if out.CreateStateTimeout == 0 {
		out.CreateStateTimeout = defaults.CreateStateTimeout
	}
	if out.CreateConnStateTimeout == 0 {
		out.CreateConnStateTimeout = defaults.CreateConnStateTimeout
	}
	if out.CreateVarsTimeout == 0 {
		out.CreateVarsTimeout = defaults.CreateVarsTimeout
	}
	if out.OnConnectTimeout == 0 {
		out.OnConnectTimeout = defaults.OnConnectTimeout
	}
	if out.OnSleepTimeout == 0 {
		out.OnSleepTimeout = defaults.OnSleepTimeout
	}
	if out.OnDestroyTimeout == 0 {
		out.OnDestroyTimeout = defaults.OnDestroyTimeout
	}
	if out.RunStopTimeout == 0 {
		out.RunStopTimeout = defaults.RunStopTimeout
	}
	if out.WaitUntilTimeout == 0 {
		out.WaitUntilTimeout = defaults.WaitUntilTimeout
	}
	if out.SleepTimeout == 0 {
		out.SleepTimeout = defaults.SleepTimeout
	}
	if out.MaxQueueSize == 0 {
		out.MaxQueueSize = defaults.MaxQueueSize
	}
	if out.MaxQueueMessageSize == 0 {
		out.MaxQueueMessageSize = defaults.MaxQueueMessageSize
	}
	return &out
}
