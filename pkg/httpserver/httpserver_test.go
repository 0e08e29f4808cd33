package httpserver

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
)

func TestRemoveGracefulServerClosedError(t *testing.T) {
	assert.Ok(t, removeGracefulServerClosedError(http.ErrServerClosed))
	assert.EqualString(t, removeGracefulServerClosedError(errors.New("address in use")).Error(), "address in use")
}

func TestShutdownTaskStopsServer(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0", ReadHeaderTimeout: time.Second}

	served := make(chan error, 1)
	go func() {
		served <- removeGracefulServerClosedError(srv.ListenAndServe())
	}()

	// give the listener a moment. Shutdown() before ListenAndServe() makes it return
	// ErrServerClosed immediately anyway
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Ok(t, httpShutdownTask(srv)(ctx))

	select {
	case err := <-served:
		assert.Ok(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
