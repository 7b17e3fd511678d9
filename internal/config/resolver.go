package config

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// EndpointRole names the remote a resolved URL points at.
type EndpointRole string

const (
	RoleBridge     EndpointRole = "bridge"
	RoleService    EndpointRole = "service"
	RoleEscalation EndpointRole = "escalation"
)

var roleKeys = map[EndpointRole]string{
	RoleBridge:     "bridge.endpoint",
	RoleService:    "bridge.serviceendpoint",
	RoleEscalation: "review.endpoint",
}

// Resolver answers configuration lookups with a fixed precedence:
// caller-supplied override, then environment, then config file, then
// compiled-in default. It performs no network I/O.
type Resolver struct {
	v        *viper.Viper
	log      zerolog.Logger
	warnOnce sync.Once
}

func NewResolver(overrides map[string]any) (*Resolver, error) {
	v, err := newViper(overrides)
	if err != nil {
		return nil, err
	}
	return &Resolver{v: v, log: zerolog.Nop()}, nil
}

// WithLogger sets the logger used for configuration diagnostics.
func (r *Resolver) WithLogger(log zerolog.Logger) *Resolver {
	r.log = log
	return r
}

// Resolve returns the value for key, or def when no layer supplies one.
func (r *Resolver) Resolve(key string, def any) any {
	if r.v.IsSet(key) {
		return r.v.Get(key)
	}
	return def
}

// ResolveEndpoint returns the URL configured for a role. A bridge URL
// that is indistinguishable from the raw service's own endpoint is a
// misconfiguration worth flagging, but startup proceeds regardless.
func (r *Resolver) ResolveEndpoint(role EndpointRole) (*url.URL, error) {
	key, ok := roleKeys[role]
	if !ok {
		return nil, fmt.Errorf("unknown endpoint role %q", role)
	}

	raw := r.v.GetString(key)
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s endpoint %q: %w", role, raw, err)
	}

	if role == RoleBridge {
		service := r.v.GetString(roleKeys[RoleService])
		if sameEndpoint(raw, service) {
			r.warnOnce.Do(func() {
				r.log.Warn().
					Str("bridge", raw).
					Str("service", service).
					Msg("bridge endpoint resolves to the raw service endpoint; requests will bypass the translation layer")
			})
		}
	}

	return u, nil
}

// Config unmarshals the resolved layers into the typed configuration.
func (r *Resolver) Config() (*AppConfig, error) {
	return unmarshal(r.v)
}

func sameEndpoint(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
	}
	return ua.Scheme == ub.Scheme && ua.Host == ub.Host
}
