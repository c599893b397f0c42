package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	loggingpkg "github.com/drblury/gpsflow/internal/runtime/logging"
)

// HTTPServer is the subset of *http.Server the supervisor drives.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// NewSupervisor builds the process supervision tree: the message router,
// the retention scheduler and, when server is not nil, the HTTP server.
// The tree stops as a whole when the router exits, because a closed router
// cannot be restarted.
func NewSupervisor(svc *Service, logger *slog.Logger, server HTTPServer) *suture.Supervisor {
	timeout := svc.Conf.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	root := suture.New("gpsflow", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: logger}).MustHook(),
		Timeout:   timeout,
	})
	root.Add(routerService{svc: svc})
	root.Add(svc.Retention())
	if server != nil {
		root.Add(&httpService{server: server, shutdownTimeout: timeout})
	}
	return root
}

type routerService struct {
	svc *Service
}

func (r routerService) Serve(ctx context.Context) error {
	err := r.svc.Start(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		r.svc.Logger.Error("Router stopped", err, loggingpkg.LogFields{})
	}
	return suture.ErrTerminateSupervisorTree
}

func (r routerService) String() string {
	return "message-router"
}

type httpService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *httpService) String() string {
	return "http-server"
}
