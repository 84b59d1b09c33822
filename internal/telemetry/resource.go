package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// AttrRepositoryName identifies the repository a gitkv process serves.
const AttrRepositoryName = attribute.Key("gitkv.repository.name")

// newResource describes the process to every exporter. It is built with
// resource.New rather than merged into resource.Default to avoid schema URL
// conflicts.
func newResource(ctx context.Context, serviceName, serviceVersion, repository string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	}
	if repository != "" {
		attrs = append(attrs, AttrRepositoryName.String(repository))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}
