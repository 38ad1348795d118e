package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hubertpysklo/agent-diff/internal/app/system"
	"github.com/hubertpysklo/agent-diff/pkg/logger"
)

// httpService wraps an http.Handler as a system.Service, grounded on the
// teacher's httpapi.Service Start/Stop pattern: listen in the background on
// Start, shut down gracefully on Stop.
type httpService struct {
	name            string
	addr            string
	handler         http.Handler
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	log             *logger.Logger

	server *http.Server
}

func newHTTPService(name, addr string, handler http.Handler, readTimeout, writeTimeout, shutdownTimeout time.Duration, log *logger.Logger) *httpService {
	return &httpService{
		name:            name,
		addr:            addr,
		handler:         handler,
		readTimeout:     readTimeout,
		writeTimeout:    writeTimeout,
		shutdownTimeout: shutdownTimeout,
		log:             log,
	}
}

var _ system.Service = (*httpService)(nil)

func (s *httpService) Name() string { return s.name }

func (s *httpService) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithField("service", s.name).WithField("error", err).Error("http server error")
		}
	}()
	return nil
}

func (s *httpService) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	shutdownCtx := ctx
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}

	return s.server.Shutdown(shutdownCtx)
}
