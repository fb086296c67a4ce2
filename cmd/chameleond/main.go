// Command chameleond is the SOCKS5 front-end: it loads config, builds one
// ProxySource adapter per configured source, wires them through the
// orchestrator and pool, and serves SOCKS5 on the configured port until a
// SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/things-go/go-socks5"
	"go.uber.org/zap"

	"github.com/sequring/chameleon/auth"
	"github.com/sequring/chameleon/config"
	"github.com/sequring/chameleon/dialer"
	"github.com/sequring/chameleon/events"
	"github.com/sequring/chameleon/metrics"
	"github.com/sequring/chameleon/orchestrator"
	"github.com/sequring/chameleon/pool"
	"github.com/sequring/chameleon/source"
	"github.com/sequring/chameleon/source/oculus"
	"github.com/sequring/chameleon/source/proxymesh"
	"github.com/sequring/chameleon/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration as YAML and exit")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	authStore := auth.New(logger)

	appCfg, err := config.Load(*configPath, func(reloaded config.App) {
		authStore.LoadClients(reloaded.Users)
		logger.Info("configuration file changed: reloaded auth client list",
			zap.Int("user_count", len(reloaded.Users)))
		logger.Info("sources, pool_size, and low_water_fraction are fixed at startup; restart to apply changes to those fields")
	})
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	if *printConfig {
		dump, err := appCfg.Dump()
		if err != nil {
			logger.Fatal("failed to render configuration", zap.Error(err))
		}
		os.Stdout.WriteString(dump)
		return
	}

	if errs := appCfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			logger.Error("invalid configuration", zap.Error(e))
		}
		logger.Fatal("configuration validation failed", zap.Int("error_count", len(errs)))
	}

	authStore.LoadClients(appCfg.Users)
	for _, u := range appCfg.Users {
		logger.Info("loaded user", zap.String("username", u.Username), zap.Bool("allowed", u.Allowed))
	}

	sources, err := buildSources(appCfg.Sources)
	if err != nil {
		logger.Fatal("failed to build sources", zap.Error(err))
	}
	if len(sources) == 0 {
		logger.Warn("no proxy sources configured")
	}

	bus := events.NewBus()
	metrics.SubscribeEvents(bus)

	socker := orchestrator.New(sources, bus)
	poolMgr := pool.New(socker, bus, pool.Config{
		PoolSize:         appCfg.PoolSize,
		LowWaterFraction: appCfg.LowWaterFraction,
	})

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if err := poolMgr.Init(appCtx); err != nil {
		logger.Warn("initial pool fill failed, continuing to serve and refill on demand", zap.Error(err))
	}

	dialMetrics := &dialer.Metrics{}
	d := dialer.New(poolMgr, dialMetrics, logger)

	go dialer.PrintMetrics(appCtx, appCfg.MetricsIntervalDuration(), poolMgr, dialMetrics, logger)

	metricsExporter := metrics.NewExporter(appCfg.MetricsListenAddr)
	metricsExporter.Start(appCtx)

	web.StartAdminServer(appCfg.AdminListenAddr, &web.Reloader{
		App:    appCfg,
		Socker: socker,
		Pool:   poolMgr,
	})

	socksLogger := log.New(os.Stderr, "[socks5] ", log.LstdFlags|log.Lmicroseconds)
	server := socks5.NewServer(
		socks5.WithDial(d.Dial),
		socks5.WithAuthMethods([]socks5.Authenticator{
			socks5.UserPassAuthenticator{Credentials: authStore},
		}),
		socks5.WithLogger(socks5.NewLogger(socksLogger)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("starting SOCKS5 server", zap.String("addr", appCfg.ServerPort))
		if err := server.ListenAndServe("tcp", appCfg.ServerPort); err != nil && !errors.Is(err, net.ErrClosed) {
			errChan <- err
			return
		}
		close(errChan)
	}()

	select {
	case err, ok := <-errChan:
		if ok && err != nil {
			logger.Fatal("SOCKS5 server failed", zap.Error(err))
		}
	case s := <-sigChan:
		logger.Info("received signal, shutting down", zap.String("signal", s.String()))
		appCancel()
	}
	logger.Info("chameleond stopped")
}

// buildSources constructs one ProxySource per config.SourceSpec, in order —
// order is significant: it is the orchestrator's primary/fallback sequence.
func buildSources(specs []config.SourceSpec) ([]source.ProxySource, error) {
	out := make([]source.ProxySource, 0, len(specs))
	for _, spec := range specs {
		switch spec.Kind {
		case config.SourceKindOculus:
			out = append(out, oculus.New(oculus.Config{
				Name:         spec.Name,
				Endpoint:     spec.Endpoint,
				OrderToken:   spec.OrderToken,
				PlanType:     spec.PlanType,
				Country:      spec.Country,
				EnableSocks5: spec.EnableSocks5,
				WhiteListIP:  spec.WhiteListIP,
			}))
		case config.SourceKindProxyMesh:
			out = append(out, proxymesh.New(proxymesh.Config{
				Name:        spec.Name,
				Host:        spec.Host,
				Port:        spec.Port,
				Username:    spec.Username,
				Password:    spec.Password,
				ProbeTarget: spec.ProbeTarget,
			}))
		default:
			return nil, errors.New("config: unknown source kind " + spec.Kind)
		}
	}
	return out, nil
}
