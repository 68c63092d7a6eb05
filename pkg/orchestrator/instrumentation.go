package orchestrator

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("github.com/go-go-golems/glitchcube/pkg/orchestrator")
