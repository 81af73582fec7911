// Package appctx derives the immutable AppContext runtime configuration from
// raw server options. The derivation is incremental: each derived field is an
// independently memoized sub-rule keyed by a fingerprint of its declared
// input subset, so an option change only re-runs the sub-rules that actually
// read it.
package appctx

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/graphmesh/schemasync/internal/config"
)

// AppContext is one immutable snapshot of the derived runtime configuration.
// A new snapshot fully replaces the previous one; readers holding the old
// snapshot keep an internally consistent view.
type AppContext struct {
	AuthMode       AuthMode
	SQLGen         SQLGenCtx
	EventEngine    EventEngineCtx
	ResponseErrors ResponseErrorsConfig
	EnabledAPIs    map[string]bool
	AllowlistOn    bool
	Cors           CorsPolicy
}

// SQLGenCtx carries SQL generation settings.
type SQLGenCtx struct {
	StringifyNumerics        bool
	OptimizePermissionFilter bool
}

// EventEngineCtx carries event delivery engine sizing.
type EventEngineCtx struct {
	PoolSize      int
	FetchInterval time.Duration
}

// ResponseErrorsConfig controls how much error detail responses expose.
type ResponseErrorsConfig struct {
	IncludeInternal      bool
	AdminIncludeInternal bool
}

// CorsPolicy is the derived CORS behavior.
type CorsPolicy struct {
	Disabled       bool
	AllowAll       bool
	AllowedOrigins []string
}

// AllowsOrigin reports whether the policy permits the given origin.
func (p CorsPolicy) AllowsOrigin(origin string) bool {
	if p.Disabled || p.AllowAll {
		return true
	}
	for _, allowed := range p.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// InvalidationKeys holds the per-sub-rule input fingerprints from the last
// successful rebuild. Matching fingerprints let a rebuild reuse the cached
// output instead of recomputing.
type InvalidationKeys struct {
	AuthMode       string
	SQLGen         string
	EventEngine    string
	ResponseErrors string
	EnabledAPIs    string
	Allowlist      string
	Cors           string
}

// Builder rebuilds AppContext snapshots, carrying the memoized sub-rule
// outputs and their invalidation keys between invocations. Not safe for
// concurrent use; rebuilds are serialized by the caller.
type Builder struct {
	keys   InvalidationKeys
	cached AppContext
	built  bool

	// recomputes counts sub-rule executions, keyed by rule name
	recomputes map[string]int
}

// NewBuilder creates an empty builder; the first Rebuild computes every rule.
func NewBuilder() *Builder {
	return &Builder{
		recomputes: make(map[string]int),
	}
}

// Keys returns the invalidation keys of the last successful rebuild.
func (b *Builder) Keys() InvalidationKeys {
	return b.keys
}

// fingerprint hashes a sub-rule's declared input subset. Inputs are plain
// config values, so JSON encoding is deterministic enough to key on.
func fingerprint(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		// Config values are marshalable by construction; treat a failure as
		// an always-changed input.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Rebuild produces a new AppContext from the given options, recomputing only
// the sub-rules whose declared inputs changed since the previous rebuild.
// An auth configuration error aborts the whole rebuild: no snapshot is
// produced and the memoized state is left untouched, since serving with an
// invalid auth configuration is unsafe.
func (b *Builder) Rebuild(opts *config.Config) (*AppContext, error) {
	next := b.cached
	nextKeys := b.keys

	// authMode is the only fallible rule; evaluate it first so a failure
	// leaves the builder unchanged.
	if key := fingerprint(authModeInputs(opts)); !b.built || key != b.keys.AuthMode {
		b.recomputes["authMode"]++
		mode, err := buildAuthMode(&opts.Auth)
		if err != nil {
			return nil, err
		}
		next.AuthMode = mode
		nextKeys.AuthMode = key
	}

	if key := fingerprint(sqlGenInputs(opts)); !b.built || key != b.keys.SQLGen {
		b.recomputes["sqlGen"]++
		next.SQLGen = buildSQLGenCtx(opts)
		nextKeys.SQLGen = key
	}

	if key := fingerprint(eventEngineInputs(opts)); !b.built || key != b.keys.EventEngine {
		b.recomputes["eventEngine"]++
		next.EventEngine = buildEventEngineCtx(&opts.Events)
		nextKeys.EventEngine = key
	}

	if key := fingerprint(responseErrorsInputs(opts)); !b.built || key != b.keys.ResponseErrors {
		b.recomputes["responseErrors"]++
		next.ResponseErrors = ResponseErrorsConfig{
			IncludeInternal:      opts.DevMode,
			AdminIncludeInternal: opts.DevMode || opts.AdminInternalErrors,
		}
		nextKeys.ResponseErrors = key
	}

	if key := fingerprint(opts.EnabledAPIs); !b.built || key != b.keys.EnabledAPIs {
		b.recomputes["enabledAPIs"]++
		next.EnabledAPIs = buildEnabledAPIs(opts.EnabledAPIs)
		nextKeys.EnabledAPIs = key
	}

	if key := fingerprint(opts.EnableAllowlist); !b.built || key != b.keys.Allowlist {
		b.recomputes["allowlist"]++
		next.AllowlistOn = opts.EnableAllowlist
		nextKeys.Allowlist = key
	}

	if key := fingerprint(opts.Cors); !b.built || key != b.keys.Cors {
		b.recomputes["cors"]++
		next.Cors = buildCorsPolicy(&opts.Cors)
		nextKeys.Cors = key
	}

	b.cached = next
	b.keys = nextKeys
	b.built = true

	snapshot := next
	return &snapshot, nil
}

// Declared input subsets per sub-rule. A sub-rule only recomputes when its
// subset changes, so these must cover everything the rule reads.

func authModeInputs(opts *config.Config) any {
	return opts.Auth
}

func sqlGenInputs(opts *config.Config) any {
	return struct {
		StringifyNumerics bool
		Experimental      []string
	}{opts.StringifyNumerics, opts.ExperimentalFeatures}
}

func eventEngineInputs(opts *config.Config) any {
	return opts.Events
}

func responseErrorsInputs(opts *config.Config) any {
	return struct {
		DevMode             bool
		AdminInternalErrors bool
	}{opts.DevMode, opts.AdminInternalErrors}
}

func buildSQLGenCtx(opts *config.Config) SQLGenCtx {
	ctx := SQLGenCtx{StringifyNumerics: opts.StringifyNumerics}
	for _, feature := range opts.ExperimentalFeatures {
		if feature == "optimize_permission_filters" {
			ctx.OptimizePermissionFilter = true
		}
	}
	return ctx
}

const (
	defaultEventPoolSize      = 100
	defaultEventFetchInterval = time.Second
)

func buildEventEngineCtx(events *config.EventsConfig) EventEngineCtx {
	ctx := EventEngineCtx{
		PoolSize:      events.PoolSize,
		FetchInterval: defaultEventFetchInterval,
	}
	if ctx.PoolSize == 0 {
		ctx.PoolSize = defaultEventPoolSize
	}
	if events.FetchInterval != "" {
		if d, err := time.ParseDuration(events.FetchInterval); err == nil && d > 0 {
			ctx.FetchInterval = d
		}
	}
	return ctx
}

func buildEnabledAPIs(apis []string) map[string]bool {
	if len(apis) == 0 {
		// Default surface when nothing is configured.
		return map[string]bool{
			config.APIGraphQL:  true,
			config.APIMetadata: true,
		}
	}
	enabled := make(map[string]bool, len(apis))
	for _, api := range apis {
		enabled[api] = true
	}
	return enabled
}

func buildCorsPolicy(cors *config.CorsConfig) CorsPolicy {
	policy := CorsPolicy{
		Disabled:       cors.Disabled,
		AllowedOrigins: cors.AllowedOrigins,
	}
	for _, origin := range cors.AllowedOrigins {
		if origin == "*" {
			policy.AllowAll = true
		}
	}
	if len(cors.AllowedOrigins) == 0 {
		policy.AllowAll = true
	}
	return policy
}
