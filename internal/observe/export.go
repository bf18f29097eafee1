package observe

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ExportConfig selects where finished spans are sent.
type ExportConfig struct {
	// Endpoint is an OTLP/HTTP collector as "host:port" or as a URL. A URL
	// with an http scheme implies Insecure; a URL path replaces /v1/traces.
	Endpoint string

	// Insecure disables TLS for a scheme-less Endpoint.
	Insecure bool

	// Headers are sent with every export request.
	Headers map[string]string

	// Stdout pretty-prints spans to Writer when Endpoint is empty.
	Stdout bool

	// Writer receives stdout spans. Default: os.Stdout.
	Writer io.Writer
}

// NewTraceExporter builds the span exporter described by cfg. It returns
// (nil, nil) when neither an endpoint nor stdout export is configured.
func NewTraceExporter(ctx context.Context, cfg ExportConfig) (sdktrace.SpanExporter, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		if !cfg.Stdout {
			return nil, nil
		}
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if cfg.Writer != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
		}
		exp, err := stdouttrace.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("observe: stdout exporter: %w", err)
		}
		return exp, nil
	}

	opts, err := otlpOptions(endpoint, cfg)
	if err != nil {
		return nil, err
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observe: otlp exporter: %w", err)
	}
	return exp, nil
}

func otlpOptions(endpoint string, cfg ExportConfig) ([]otlptracehttp.Option, error) {
	var opts []otlptracehttp.Option
	insecure := cfg.Insecure

	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("observe: otlp endpoint %q: %w", endpoint, err)
		}
		switch u.Scheme {
		case "http":
			insecure = true
		case "https":
			insecure = false
		default:
			return nil, fmt.Errorf("observe: otlp endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
		}
		endpoint = u.Host
		if p := strings.TrimRight(u.Path, "/"); p != "" {
			opts = append(opts, otlptracehttp.WithURLPath(p))
		}
	}

	opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return opts, nil
}
