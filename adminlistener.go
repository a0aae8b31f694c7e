package dnsrelay

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Read/Write timeout in the admin server
const adminServerTimeout = 10 * time.Second

// AdminListener is an HTTP listener for admin services. It serves metrics under
// /metrics.
type AdminListener struct {
	httpServer *http.Server

	id   string
	addr string
	opt  AdminListenerOptions
}

// AdminListenerOptions contains options used by the admin service.
type AdminListenerOptions struct {
	// Serve HTTPS if set, plain HTTP otherwise.
	TLSConfig *tls.Config
}

// NewAdminListener returns an instance of an admin service listener.
func NewAdminListener(id, addr string, opt AdminListenerOptions) *AdminListener {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &AdminListener{
		id:   id,
		addr: addr,
		opt:  opt,
		httpServer: &http.Server{
			Addr:         addr,
			TLSConfig:    opt.TLSConfig,
			Handler:      mux,
			ReadTimeout:  adminServerTimeout,
			WriteTimeout: adminServerTimeout,
		},
	}
}

// Start the admin server. Blocks until the server is stopped.
func (s *AdminListener) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve admin requests on an existing listener.
func (s *AdminListener) Serve(ln net.Listener) error {
	Log.WithField("id", s.id).WithField("addr", ln.Addr()).Info("starting admin listener")
	defer ln.Close()
	var err error
	if s.opt.TLSConfig != nil {
		err = s.httpServer.ServeTLS(ln, "", "")
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop the server.
func (s *AdminListener) Stop() error {
	Log.WithField("id", s.id).Info("stopping admin listener")
	ctx, cancel := context.WithTimeout(context.Background(), adminServerTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *AdminListener) String() string {
	return s.id
}
