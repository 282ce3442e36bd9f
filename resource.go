package emitz

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TeamKey is the resource key naming the owning team.
const TeamKey = attribute.Key("team")

// ErrNoServiceName is returned when a Resource lacks service.name.
var ErrNoServiceName = errors.New("emitz: resource service.name is required")

// Resource identifies the emitting process. It is attached identically to
// every span and log record and is passed by value, so it cannot change once
// a Pipeline holds it.
type Resource struct {
	ServiceName string `yaml:"service.name"`
	Environment string `yaml:"deployment.environment,omitempty"`
	Namespace   string `yaml:"service.namespace,omitempty"`
	Version     string `yaml:"service.version,omitempty"`
	Team        string `yaml:"team,omitempty"`
}

// Validate checks that the service name is set.
func (r Resource) Validate() error {
	if r.ServiceName == "" {
		return ErrNoServiceName
	}
	return nil
}

// Attributes returns the non-empty resource fields under their fixed keys,
// service.name first.
func (r Resource) Attributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 5)
	add := func(key attribute.Key, value string) {
		if value != "" {
			attrs = append(attrs, key.String(value))
		}
	}
	add(semconv.ServiceNameKey, r.ServiceName)
	add(semconv.DeploymentEnvironmentKey, r.Environment)
	add(semconv.ServiceNamespaceKey, r.Namespace)
	add(semconv.ServiceVersionKey, r.Version)
	add(TeamKey, r.Team)
	return attrs
}

// Map returns the non-empty resource fields keyed like Attributes.
func (r Resource) Map() map[string]string {
	m := make(map[string]string, 5)
	for _, kv := range r.Attributes() {
		m[string(kv.Key)] = kv.Value.AsString()
	}
	return m
}

// set assigns value to the field stored under key and reports whether key is
// one of the fixed resource keys.
func (r *Resource) set(key, value string) bool {
	switch attribute.Key(key) {
	case semconv.ServiceNameKey:
		r.ServiceName = value
	case semconv.DeploymentEnvironmentKey:
		r.Environment = value
	case semconv.ServiceNamespaceKey:
		r.Namespace = value
	case semconv.ServiceVersionKey:
		r.Version = value
	case TeamKey:
		r.Team = value
	default:
		return false
	}
	return true
}

// isResourceKey reports whether key is one of the fixed resource keys.
func isResourceKey(key string) bool {
	var scratch Resource
	return scratch.set(key, "")
}

// ResourceFromMap builds a Resource from its fixed string keys.
// Unknown keys are rejected.
func ResourceFromMap(m map[string]string) (Resource, error) {
	var r Resource
	for k, v := range m {
		if !r.set(k, v) {
			return Resource{}, fmt.Errorf("emitz: unknown resource key %q", k)
		}
	}
	if err := r.Validate(); err != nil {
		return Resource{}, err
	}
	return r, nil
}

// ResourceFromEnvironment overlays OTEL_SERVICE_NAME and the fixed keys
// found in OTEL_RESOURCE_ATTRIBUTES onto base. Other keys are ignored.
func ResourceFromEnvironment(base Resource) Resource {
	r := base
	env := resource.Environment()
	for iter := env.Iter(); iter.Next(); {
		kv := iter.Attribute()
		if kv.Value.Type() != attribute.STRING || kv.Value.AsString() == "" {
			continue
		}
		r.set(string(kv.Key), kv.Value.AsString())
	}
	return r
}
