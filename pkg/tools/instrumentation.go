package tools

import "go.opentelemetry.io/otel"

const scopeName = "github.com/go-go-golems/glitchcube/pkg/tools"

var tracer = otel.Tracer(scopeName)
