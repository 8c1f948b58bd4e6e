// Command capture-proxy is an intercepting HTTP(S) proxy that records every
// exchange into a transient on-disk store and serves it over an admin API.
package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	flag "github.com/jnovack/flag"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/capture-server/pkg/admin"
	"github.com/jnovack/capture-server/pkg/ca"
	"github.com/jnovack/capture-server/pkg/capture"
	"github.com/jnovack/capture-server/pkg/logging"
	"github.com/jnovack/capture-server/pkg/signals"
	"github.com/jnovack/capture-server/pkg/socks"
	"github.com/jnovack/capture-server/pkg/storage"
)

type Config struct {
	Addr         string        `json:"addr"`
	AdminAddr    string        `json:"adminAddr"`
	SocksAddr    string        `json:"socksAddr"`
	StorageDir   string        `json:"storageDir"`
	StorageRoot  string        `json:"storageRoot"`
	Namespace    string        `json:"namespace"`
	Retention    time.Duration `json:"retention"`
	KeepAlive    time.Duration `json:"keepalive"`
	LogLevel     string        `json:"logLevel"`
	LogFormat    string        `json:"logFormat"`
	MITM         bool          `json:"mitm"`
	CertsDir     string        `json:"certsDir"`
	MaxBodyBytes int64         `json:"maxBodyBytes"`
}

var config = Config{
	Addr:         ":8081",
	AdminAddr:    ":8080",
	Namespace:    storage.DefaultNamespace,
	Retention:    storage.DefaultRetention,
	KeepAlive:    time.Hour,
	LogLevel:     "info",
	LogFormat:    "console",
	MITM:         true,
	MaxBodyBytes: capture.DefaultMaxBodyBytes,
}

var (
	flagRootPem  = flag.String("root-pem", "", "combined root pem (cert+key)")
	flagRootCert = flag.String("root-cert", "", "root cert file")
	flagRootKey  = flag.String("root-key", "", "root key file")
	flagDN       = flag.String("dn", "CN=capture-server Root CA,O=jnovack", "DN for a generated root CA")
)

func main() {
	flag.StringVar(&config.Addr, "addr", config.Addr, "proxy listen address")
	flag.StringVar(&config.AdminAddr, "admin-addr", config.AdminAddr, "admin HTTP listen address")
	flag.StringVar(&config.SocksAddr, "socks-addr", config.SocksAddr, "SOCKS5 listen address (disabled when empty)")
	flag.StringVar(&config.StorageDir, "storage-dir", config.StorageDir, "base directory for capture storage (system temp dir when empty)")
	flag.StringVar(&config.Namespace, "namespace", config.Namespace, "folder shared by all storage roots under storage-dir")
	flag.DurationVar(&config.Retention, "retention", config.Retention, "age after which abandoned storage roots are removed")
	flag.DurationVar(&config.KeepAlive, "keepalive", config.KeepAlive, "interval for refreshing this run's storage root (0 disables)")
	flag.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level: trace|debug|info|warn|error")
	flag.StringVar(&config.LogFormat, "log-format", config.LogFormat, "log format: console|json")
	flag.BoolVar(&config.MITM, "mitm", config.MITM, "intercept HTTPS (CONNECT) traffic; tunnel blindly when false")
	flag.StringVar(&config.CertsDir, "certs-dir", config.CertsDir, "directory for issued leaf certificates (memory only when empty)")
	flag.Int64Var(&config.MaxBodyBytes, "max-body", config.MaxBodyBytes, "largest request or response body to relay, in bytes")
	flag.Parse()

	logging.Setup(config.LogLevel, config.LogFormat)

	var root *ca.RootCA
	generated := false
	if config.MITM {
		root, generated = loadOrGenerateRoot()
		root.CertsDir = config.CertsDir
	}

	store, err := storage.New(config.StorageDir,
		storage.WithNamespace(config.Namespace),
		storage.WithRetention(config.Retention),
	)
	if err != nil {
		log.Fatal().Err(err).Str("dir", config.StorageDir).Msg("failed to initialize capture storage")
	}
	defer func() { _ = store.Close() }()
	config.StorageRoot = store.Dir()

	stopCh := make(chan struct{})
	ctx := signals.Setup(stopCh, func() { _ = store.Close() })

	if config.KeepAlive > 0 {
		go store.KeepAlive(ctx, config.KeepAlive)
	}

	if generated {
		path := filepath.Join(store.Dir(), "root.pem")
		if err := root.Save(path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("failed to save generated root CA")
		}
	}

	metrics := admin.NewMetrics()
	proxyCfg := capture.Config{
		Recorder:     store,
		Metrics:      metrics,
		MaxBodyBytes: config.MaxBodyBytes,
	}
	var certPEM []byte
	if root != nil {
		proxyCfg.RootCA = root
		certPEM = root.CertPEM()
	}

	adminSrv := &http.Server{
		Addr: config.AdminAddr,
		Handler: (&admin.Server{
			Metrics: metrics,
			Store:   store,
			CertPEM: certPEM,
			Varz:    config,
			Started: time.Now(),
		}).Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	proxy := capture.New(proxyCfg)
	srv := &http.Server{
		Addr:              config.Addr,
		Handler:           proxy,
		ReadHeaderTimeout: 15 * time.Second,
	}

	if config.SocksAddr != "" {
		socksSrv := &socks.Server{Addr: config.SocksAddr, Proxy: proxy}
		if err := socksSrv.Start(); err != nil {
			log.Error().Err(err).Str("addr", config.SocksAddr).Msg("failed to start socks server")
			return
		}
		defer func() { _ = socksSrv.Close() }()
	}

	lnErrCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", config.AdminAddr).Msg("admin HTTP starting")
		lnErrCh <- adminSrv.ListenAndServe()
	}()
	go func() {
		log.Info().
			Str("addr", config.Addr).
			Str("storage", store.Dir()).
			Bool("mitm", root != nil).
			Msg("starting capture proxy")
		lnErrCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case err := <-lnErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	ctxShut, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShut)
	_ = adminSrv.Shutdown(ctxShut)
	log.Info().Msg("capture proxy stopped")
}

// loadOrGenerateRoot loads the configured root CA, or generates a throwaway
// one when none is configured.
func loadOrGenerateRoot() (*ca.RootCA, bool) {
	root, err := ca.LoadRoot(*flagRootPem, *flagRootCert, *flagRootKey)
	if err == nil {
		log.Info().Str("subject", root.Cert.Subject.String()).Msg("loaded root CA")
		return root, false
	} else if !errors.Is(err, ca.ErrNoRoot) {
		log.Fatal().Err(err).Msg("failed to load root CA")
	}

	name, err := ca.ParseDN(*flagDN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse dn")
	}
	root, err = ca.GenerateRoot(name)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate root CA")
	}
	log.Info().Str("subject", root.Cert.Subject.String()).Msg("generated root CA; fetch it from the admin /cert endpoint")
	return root, true
}
