//go:build diag

// Package diag attaches an optional HTTP diagnostics endpoint (runtime
// heap/goroutine charts) to the card-application process, built only
// under `-tags diag` so the observability dependency it pulls in never
// sits on the PIN/crypto critical path of a default build.
//
// Grounded on usbarmory-tamago's direct dependency on
// github.com/mkevac/debugcharts; debugcharts registers its handlers on
// http.DefaultServeMux as an import side effect, so Serve only needs to
// start a listener.
package diag

import (
	"context"
	"log"
	"net"
	"net/http"

	_ "github.com/mkevac/debugcharts"
)

// Serve starts the diagnostics HTTP server on addr and blocks until ctx
// is canceled. Callers typically run it in its own goroutine alongside
// the CCID protocol loop.
func Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: http.DefaultServeMux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Printf("diag: serving runtime charts on %s/debug/charts", addr)
	err = srv.Serve(lis)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
