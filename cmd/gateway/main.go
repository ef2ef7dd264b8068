// Command rdp-tunnel-gateway is the public-facing Gateway process: it
// listens for RDP clients on port 3389 and for one Agent's websocket
// connection on its HTTP surface, and multiplexes between them. TLS
// material either comes from HOOP_CERT auto-generation or from the
// files named in the on-disk config, per internal/config/internal/tlsstack.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hoophq/rdp-tunnel/internal/certgen"
	"github.com/hoophq/rdp-tunnel/internal/config"
	"github.com/hoophq/rdp-tunnel/internal/gatewaysrv"
	"github.com/hoophq/rdp-tunnel/internal/logging"
	"github.com/hoophq/rdp-tunnel/internal/metrics"
	"github.com/hoophq/rdp-tunnel/internal/tlsstack"
)

// Exit codes: 0 clean shutdown, nonzero on a configuration failure.
const (
	exitOK          = 0
	exitConfigError = 1
)

const (
	defaultRDPAddr  = "0.0.0.0:3389"
	defaultHTTPAddr = "0.0.0.0:8443"
)

func main() {
	root := &cobra.Command{
		Use:          "rdp-tunnel-gateway",
		Short:        "Accepts RDP clients and an Agent websocket, and tunnels between them",
		SilenceUsage: true,
		RunE:         runGateway,
	}
	if err := root.Execute(); err != nil {
		os.Exit(exitConfigError)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	logLevel := logging.ParseLevel(os.Getenv("HOOP_LOG_LEVEL"))
	log := logging.New("gateway", logLevel)

	path, err := config.GetPath()
	if err != nil {
		log.Errorf("resolve config path: %v", err)
		os.Exit(exitConfigError)
	}
	conf, err := config.Init(path)
	if err != nil {
		log.Errorf("load config: %v", err)
		os.Exit(exitConfigError)
	}

	tlsConf, err := buildTLSConfig(conf, log)
	if err != nil {
		log.Errorf("build tls config: %v", err)
		os.Exit(exitConfigError)
	}

	targets, err := gatewaysrv.LoadTargetsFile(os.Getenv("HOOP_TARGETS_FILE"))
	if err != nil {
		log.Errorf("load targets: %v", err)
		os.Exit(exitConfigError)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	srv := gatewaysrv.NewServer(targets, m, log.Fork("server"))

	mux := http.NewServeMux()
	mux.Handle("/api/ws", gatewaysrv.UpgradeHandler(srv, conf.Token, log.Fork("ws")))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	httpAddr := envOr("HOOP_HTTP_ADDR", defaultHTTPAddr)
	httpServer := &http.Server{Addr: httpAddr, Handler: mux, TLSConfig: tlsConf, ReadHeaderTimeout: 10 * time.Second}

	rdpAddr := envOr("HOOP_RDP_ADDR", defaultRDPAddr)
	ln, err := net.Listen("tcp", rdpAddr)
	if err != nil {
		log.Errorf("listen on %s: %v", rdpAddr, err)
		os.Exit(exitConfigError)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go waitForSignal(ctx, cancel, log)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ServeTCP(ctx, ln) }()
	go func() {
		log.Infof("http/websocket surface listening on %s", httpAddr)
		if tlsConf != nil {
			errCh <- httpServer.ListenAndServeTLS("", "")
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	err = <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		log.Errorf("gateway exiting: %v", err)
		os.Exit(exitConfigError)
	}
	os.Exit(exitOK)
	return nil
}

// buildTLSConfig resolves the Gateway's own HTTP/websocket TLS
// material: HOOP_CERT (default true) selects self-signed
// auto-generation, otherwise the config file's certificate/key files
// are loaded and sanity-checked against TlsVerifyStrict.
func buildTLSConfig(conf *config.Conf, log *logging.Logger) (*tls.Config, error) {
	if config.CertEnabled() {
		kp, err := certgen.Generate(certgen.DefaultConfig())
		if err != nil {
			return nil, err
		}
		strict := conf.Tls != nil && conf.Tls.VerifyStrict
		return tlsstack.BuildAcceptorConfig(kp, strict)
	}
	if conf.Tls == nil || conf.Tls.CertificateFile == "" || conf.Tls.PrivateKeyFile == "" {
		log.Warnf("HOOP_CERT disabled and no certificate files configured; serving plain HTTP")
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(conf.Tls.CertificateFile, conf.Tls.PrivateKeyFile)
	if err != nil {
		return nil, err
	}
	if conf.Tls.VerifyStrict && len(cert.Certificate) > 0 {
		if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
			if issues := tlsstack.CheckCertificate(leaf, time.Now()); issues != 0 {
				return nil, fmt.Errorf("gateway certificate has significant issues (%s)", issues)
			}
		}
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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
