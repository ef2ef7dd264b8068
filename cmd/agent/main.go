// Command rdp-tunnel-agent is the Agent process: it dials out to a
// Gateway's websocket endpoint, accepts session_started control
// messages, and runs the RDP proxy core against each session's real
// target.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hoophq/rdp-tunnel/internal/certgen"
	"github.com/hoophq/rdp-tunnel/internal/chanstream"
	"github.com/hoophq/rdp-tunnel/internal/config"
	"github.com/hoophq/rdp-tunnel/internal/logging"
	"github.com/hoophq/rdp-tunnel/internal/metrics"
	"github.com/hoophq/rdp-tunnel/internal/rdp/credssp"
	"github.com/hoophq/rdp-tunnel/internal/rdp/proxy"
	"github.com/hoophq/rdp-tunnel/internal/session"
	"github.com/hoophq/rdp-tunnel/internal/tlsstack"
	"github.com/hoophq/rdp-tunnel/internal/wstransport"
)

// Exit codes: 0 clean shutdown, nonzero on missing HOOP_GATEWAY_URL,
// config initialization failure, or a 401 from the Gateway.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitUnauthorized   = 2
	exitConnectionLost = 3
)

func main() {
	root := &cobra.Command{
		Use:          "rdp-tunnel-agent",
		Short:        "Connects to a Gateway and proxies RDP sessions to their real targets",
		SilenceUsage: true,
		RunE:         runAgent,
	}
	if err := root.Execute(); err != nil {
		os.Exit(exitConfigError)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	logLevel := logging.ParseLevel(os.Getenv("HOOP_LOG_LEVEL"))
	log := logging.New("agent", logLevel)

	gatewayURL, ok := config.GatewayURL()
	if !ok {
		log.Errorf("HOOP_GATEWAY_URL is required")
		os.Exit(exitConfigError)
	}
	token, ok := config.GetToken()
	if !ok {
		log.Errorf("HOOP_KEY is required")
		os.Exit(exitConfigError)
	}

	kp, err := certgen.Generate(certgen.DefaultConfig())
	if err != nil {
		log.Errorf("generate acceptor certificate: %v", err)
		os.Exit(exitConfigError)
	}
	acceptorTLS, err := tlsstack.BuildAcceptorConfig(kp, false)
	if err != nil {
		log.Errorf("build tls acceptor config: %v", err)
		os.Exit(exitConfigError)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go serveMetrics(reg, log)

	deps := proxy.Dependencies{
		AcceptorTLS:         acceptorTLS,
		AcceptorSPKI:        kp.SPKI(),
		UpstreamInsecureTLS: config.UpstreamTLSInsecure(),
		Log:                 log.Fork("proxy"),
	}
	runProxy := newProxyRunner(deps, m)

	client := wstransport.New(wstransport.Config{
		GatewayURL:  gatewayURL,
		Token:       token,
		OnReconnect: m.WebsocketReconnects.Inc,
	}, runProxy, log.Fork("wstransport"))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go waitForSignal(ctx, cancel, log)

	err = client.RunWithReconnect(ctx)
	switch {
	case err == nil:
		os.Exit(exitOK)
	case errors.Is(err, wstransport.ErrUnauthorized):
		os.Exit(exitUnauthorized)
	case errors.Is(err, context.Canceled):
		os.Exit(exitOK)
	default:
		log.Errorf("agent exiting: %v", err)
		os.Exit(exitConnectionLost)
	}
	return nil
}

// newProxyRunner adapts proxy.Run to wstransport.ProxyRunner: it wraps
// the session's channel-backed stream as a net.Conn and maps the
// session's substituted credentials into the proxy core's Target.
func newProxyRunner(deps proxy.Dependencies, m *metrics.Metrics) wstransport.ProxyRunner {
	return func(ctx context.Context, info session.Info, stream *chanstream.Stream) error {
		client := chanstream.NewNetConn(stream, info.ClientAddress)
		target := proxy.Target{
			Address: info.TargetAddress,
			Identity: credssp.Identity{
				Username: info.Username,
				Password: info.Password,
			},
		}
		err := proxy.Run(client, target, deps)
		if err != nil {
			m.ProxySessionsTotal.WithLabelValues("failed").Inc()
		} else {
			m.ProxySessionsTotal.WithLabelValues("completed").Inc()
		}
		return err
	}
}

func serveMetrics(reg *prometheus.Registry, log *logging.Logger) {
	addr := os.Getenv("HOOP_METRICS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warnf("metrics server stopped: %v", err)
	}
}

func waitForSignal(ctx context.Context, cancel context.CancelFunc, log *logging.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Infof("received %s, shutting down", s)
		cancel()
	case <-ctx.Done():
	}
	signal.Stop(sig)
}
