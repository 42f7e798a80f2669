// Package observability builds the process-wide logger and tracer provider
// from configuration.
//
// Every component receives a *zap.Logger by injection; nothing in the
// registry uses a global logger. Spans are opened through otel.Tracer, so
// the provider installed here decides whether they go anywhere.
package observability
