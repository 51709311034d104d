//go:build !diag

package diag

import "context"

// Serve is a no-op in default builds; the debugcharts dependency (and
// the HTTP endpoint it exposes) only exists under `-tags diag`.
func Serve(ctx context.Context, addr string) error {
	<-ctx.Done()
	return nil
}
