package detect

import (
	"context"
	"fmt"
	"io"
)

// HealthChecker is implemented by backends that can report readiness.
type HealthChecker interface {
	Health(ctx context.Context) (Health, error)
}

// EnsureReady checks that the detection backend is reachable and reports each
// capability to w. Capabilities the backend does not advertise are reported
// as unavailable; frames then record them as failed.
func EnsureReady(ctx context.Context, hc HealthChecker, w io.Writer) error {
	h, err := hc.Health(ctx)
	if err != nil {
		return fmt.Errorf("detection backend is not reachable; please ensure the sidecar is started: %w", err)
	}

	for _, c := range []string{CapabilityObjects, CapabilityFaces, CapabilityScene} {
		if h.Has(c) {
			fmt.Fprintf(w, "detector %s: ready\n", c)
		} else {
			fmt.Fprintf(w, "detector %s: unavailable\n", c)
		}
	}
	return nil
}
