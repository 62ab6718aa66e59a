package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	httptrace "github.com/DataDog/dd-trace-go/contrib/net/http/v2"
	"github.com/DataDog/dd-trace-go/v2/ddtrace/tracer"
	"github.com/manimaul/mxmcc/mxmcc"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

type serveOptions struct {
	Addr      string
	AdminAddr string
	Cors      string
	PublicURL string
	Trace     bool
	Version   string
}

func tileHandler(server *mxmcc.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, headers, body := server.Get(r.Context(), r.URL.Path)
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		if r.Method != http.MethodHead {
			w.Write(body)
		}
	})
}

func serve(ctx context.Context, logger *zap.Logger, dir string, opts serveOptions, metrics *mxmcc.Metrics) error {
	server, err := mxmcc.NewServer(logger, dir, opts.PublicURL, metrics)
	if err != nil {
		return err
	}
	defer server.Close()

	var handler http.Handler = tileHandler(server)
	if opts.Trace {
		if err := tracer.Start(tracer.WithService("mxmcc"), tracer.WithServiceVersion(opts.Version)); err != nil {
			return err
		}
		defer tracer.Stop()
		handler = httptrace.WrapHandler(handler, "mxmcc", "tile")
	}
	if opts.Cors != "" {
		handler = cors.New(cors.Options{
			AllowedOrigins: strings.Split(opts.Cors, ","),
			AllowedMethods: []string{http.MethodGet, http.MethodHead},
		}).Handler(handler)
	}

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	if opts.AdminAddr == "" {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		admin := http.NewServeMux()
		admin.Handle("/metrics", promhttp.Handler())
		adminServer := &http.Server{Addr: opts.AdminAddr, Handler: admin}
		go func() {
			logger.Info("serving metrics", zap.String("addr", opts.AdminAddr))
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer adminServer.Close()
	}

	httpServer := &http.Server{Addr: opts.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdown)
	}()

	logger.Info("serving tiles", zap.String("dir", dir), zap.String("addr", opts.Addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
