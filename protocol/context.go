package protocol

import (
	"log/slog"
	"time"
)

// AppContext is the process-wide holder of the shared HLC and default
// settings, injected explicitly into every sender/receiver/invoker/executor
// constructor. There is no package-level singleton (spec.md §9's explicit
// rejection of `ApplicationContext.Shared`-style globals); callers own the
// AppContext's lifetime and it outlives everything built from it.
type AppContext struct {
	HLC             *HLC
	Logger          *slog.Logger
	ProtocolVersion string
}

// AppContextOption configures NewAppContext.
type AppContextOption func(*appContextOptions)

type appContextOptions struct {
	nodeID          string
	maxClockDrift   time.Duration
	logger          *slog.Logger
	protocolVersion string
}

// WithNodeID sets the HLC node id. If it is never set the node id is the
// empty string; nothing fills it in later.
func WithNodeID(id string) AppContextOption {
	return func(o *appContextOptions) { o.nodeID = id }
}

// WithMaxClockDrift overrides the HLC's maximum wall-clock drift tolerance
// (default 60s, per spec.md §4.1).
func WithMaxClockDrift(d time.Duration) AppContextOption {
	return func(o *appContextOptions) { o.maxClockDrift = d }
}

// WithAppLogger sets the *slog.Logger used by every sender, receiver,
// invoker and executor constructed with this context.
func WithAppLogger(l *slog.Logger) AppContextOption {
	return func(o *appContextOptions) { o.logger = l }
}

// WithProtocolVersion overrides the default __protVer stamped by invokers
// (default "1.0", per spec.md §6).
func WithProtocolVersion(v string) AppContextOption {
	return func(o *appContextOptions) { o.protocolVersion = v }
}

const defaultProtocolVersion = "1.0"

// NewAppContext constructs the shared application context.
func NewAppContext(opts ...AppContextOption) *AppContext {
	o := &appContextOptions{
		logger:          slog.Default(),
		protocolVersion: defaultProtocolVersion,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &AppContext{
		HLC:             NewHLC(o.nodeID, o.maxClockDrift),
		Logger:          o.logger,
		ProtocolVersion: o.protocolVersion,
	}
}
