package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/zoobzio/agentz"
	"github.com/zoobzio/agentz/agent"
	"github.com/zoobzio/agentz/config"
	"github.com/zoobzio/agentz/plugins/httpplugin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveFlags struct {
	listen         string
	upstream       string
	upstreamListen string
	delay          time.Duration
	serviceName    string
	logLevel       string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the traced fan-out server",
	Long: `Start the traced fan-out server.

Each request to the server calls <upstream>/json and <upstream>/xml concurrently.
The /json body is written as soon as it arrives; the /xml body is written after
--delay, and the response completes once both callbacks have run.

Without --upstream an instrumented upstream is started on --upstream-listen.
Prometheus metrics are served on /metrics.

Examples:
  # Serve on :5000 with the in-process upstream
  agentdemo serve

  # Call a remote upstream
  agentdemo serve --upstream http://httpbin.org`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listen, "listen", "l", ":5000", "listen address")
	serveCmd.Flags().StringVar(&serveFlags.upstream, "upstream", "", "upstream base URL (in-process upstream when empty)")
	serveCmd.Flags().StringVar(&serveFlags.upstreamListen, "upstream-listen", "127.0.0.1:5001", "listen address of the in-process upstream")
	serveCmd.Flags().DurationVar(&serveFlags.delay, "delay", time.Second, "delay before the /xml body is written")
	serveCmd.Flags().StringVar(&serveFlags.serviceName, "service", "", "override service name")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return err
	}
	if serveFlags.serviceName != "" {
		cfg.Service.Name = serveFlags.serviceName
	}
	if serveFlags.logLevel != "" {
		cfg.Logging.Level = serveFlags.logLevel
	}
	if cfg.Service.Name == config.DefaultServiceName {
		cfg.Service.Name = "agentdemo"
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := agent.Start(cfg)
	if err != nil {
		return err
	}
	logger := a.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	var servers []*http.Server

	upstream := serveFlags.upstream
	if upstream == "" {
		lis, err := net.Listen("tcp", serveFlags.upstreamListen)
		if err != nil {
			_ = a.Shutdown(context.Background())
			return fmt.Errorf("failed to listen on %s: %w", serveFlags.upstreamListen, err)
		}
		upstream = "http://" + lis.Addr().String()
		srv := &http.Server{Handler: httpplugin.Middleware(a.Manager())(upstreamHandler())}
		servers = append(servers, srv)
		g.Go(func() error { return serve(srv, lis) })
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.Gatherers{a.Registry(), prometheus.DefaultGatherer}, promhttp.HandlerOpts{}))
	mux.Handle("/", httpplugin.Middleware(a.Manager())(
		fanOutHandler(a.Manager(), httpplugin.Client(a.Manager()), upstream, serveFlags.delay, logger)))

	lis, err := net.Listen("tcp", serveFlags.listen)
	if err != nil {
		_ = a.Shutdown(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", serveFlags.listen, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	servers = append(servers, srv)
	g.Go(func() error { return serve(srv, lis) })

	logger.Info("listening",
		zap.String("address", lis.Addr().String()),
		zap.String("upstream", upstream))

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var errs []error
		for _, s := range servers {
			errs = append(errs, s.Shutdown(shutdownCtx))
		}
		errs = append(errs, a.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})

	return g.Wait()
}

func serve(srv *http.Server, lis net.Listener) error {
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

const (
	jsonBody = `{"slideshow":{"title":"Sample Slide Show"}}`
	xmlBody  = `<?xml version="1.0"?><slideshow title="Sample Slide Show"/>`
)

func upstreamHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, jsonBody)
	})
	mux.HandleFunc("/xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, xmlBody)
	})
	return mux
}

// fanOutHandler calls upstream/json and upstream/xml concurrently and writes both
// bodies, the xml one after delay.
func fanOutHandler(m *agentz.Manager, client *http.Client, upstream string, delay time.Duration, logger *zap.Logger) http.Handler {
	upstream = strings.TrimRight(upstream, "/")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		write := func(body string) {
			mu.Lock()
			defer mu.Unlock()
			_, _ = io.WriteString(w, body)
		}

		call := func(path string, wait time.Duration) {
			req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstream+path, nil)
			if err != nil {
				logger.Error("failed to build upstream request", zap.String("path", path), zap.Error(err))
				return
			}
			wg.Add(1)
			httpplugin.Go(m, client, req, func(ctx context.Context, resp *http.Response, err error) {
				defer wg.Done()
				if err != nil {
					logger.Warn("upstream call failed", zap.String("path", path), zap.Error(err))
					return
				}
				body, err := io.ReadAll(resp.Body)
				if err != nil {
					logger.Warn("failed to read upstream body", zap.String("path", path), zap.Error(err))
					return
				}
				if wait > 0 {
					select {
					case <-time.After(wait):
					case <-r.Context().Done():
						return
					}
				}
				write(string(body))
			})
		}

		call("/json", 0)
		call("/xml", delay)
		wg.Wait()
	})
}
