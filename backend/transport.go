package backend

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// instrumentedTransport wraps the standard transport so every adapter's
// outbound call gets an otelhttp client span, picked up by whichever
// TracerProvider telemetry.GlobalTracerProvider installed.
func instrumentedTransport() http.RoundTripper {
	return otelhttp.NewTransport(http.DefaultTransport)
}
