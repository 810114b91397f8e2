// Package tracing wires the OpenTelemetry SDK into the server. The provider
// registers itself globally so every instrumented package picks it up through
// otel.Tracer; when tracing is off a no-op provider keeps the call sites free.
package tracing

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects the exporter backend and the resource identity attached to
// every span.
type Config struct {
	Enabled bool

	// Exporter picks the backend: "otlp", "console", "file", or "none".
	// Empty resolves to "otlp" when Endpoint is set, "console" otherwise.
	Exporter string

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string

	// Headers holds extra OTLP headers as comma-separated k=v pairs.
	Headers string

	// Attributes holds extra resource attributes as comma-separated k=v
	// pairs, merged over the service defaults.
	Attributes string

	// FilePath is the JSONL output for the "file" exporter.
	FilePath string

	ServiceName    string
	ServiceVersion string
	Environment    string
}

// Status is the tracing snapshot surfaced by the health endpoint.
type Status struct {
	Enabled     bool              `json:"enabled"`
	Initialized bool              `json:"initialized"`
	Exporter    string            `json:"exporter,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Resource    map[string]string `json:"resource,omitempty"`
}

// Provider owns the tracer provider lifecycle. Shutdown flushes pending
// spans; it is safe to call on a disabled provider.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	status   Status
}

// NewProvider builds the provider and installs it as the global one. A
// disabled config yields a no-op provider with zero overhead.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			tracer: noop.NewTracerProvider().Tracer("noop"),
			status: Status{},
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "neural-forge-mcp"
	}
	env := cfg.Environment
	if env == "" {
		env = "dev"
	}

	resourceAttrs := map[string]string{
		"service.name":           serviceName,
		"service.version":        cfg.ServiceVersion,
		"deployment.environment": env,
	}
	for k, v := range ParseKVPairs(cfg.Attributes) {
		resourceAttrs[k] = v
	}

	exporterName := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporterName == "" {
		if cfg.Endpoint != "" {
			exporterName = "otlp"
		} else {
			exporterName = "console"
		}
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch exporterName {
	case "otlp":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		}
		if headers := ParseKVPairs(cfg.Headers); len(headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(headers))
		}
		exporter, err = otlptracegrpc.New(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
	case "console":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create console exporter: %w", err)
		}
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file_path required for file exporter")
		}
		exporter, err = NewFileExporter(cfg.FilePath)
		if err != nil {
			return nil, fmt.Errorf("create file exporter: %w", err)
		}
	case "none":
		// Tracing stays on for in-process correlation, nothing is exported.
		exporter = nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", exporterName)
	}

	kvs := make([]attribute.KeyValue, 0, len(resourceAttrs))
	for k, v := range resourceAttrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	// NewSchemaless avoids schema version conflicts with resource.Default().
	res := resource.NewSchemaless(kvs...)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return &Provider{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		status: Status{
			Enabled:     true,
			Initialized: true,
			Exporter:    exporterName,
			Endpoint:    cfg.Endpoint,
			Resource:    resourceAttrs,
		},
	}, nil
}

// Tracer returns the configured tracer; a no-op tracer when disabled.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Enabled reports whether spans are being recorded.
func (p *Provider) Enabled() bool {
	return p.status.Enabled
}

// Status returns the snapshot reported by /health.
func (p *Provider) Status() Status {
	return p.status
}

// Shutdown flushes pending spans and releases the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// ParseKVPairs splits comma-separated k=v pairs, e.g. the
// OTEL_EXPORTER_OTLP_HEADERS and OTEL_RESOURCE_ATTRIBUTES formats.
// Malformed entries are skipped.
func ParseKVPairs(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
