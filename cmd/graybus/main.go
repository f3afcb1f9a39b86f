// graybus runs one broker transport and serves it to UI collaborators
// through the feed gateway.
//
// Usage:
//
//	graybus                         run with $GRAYBUS_CONFIG or configs/config.yaml
//	graybus token -subject panel-1  print a gateway WebSocket token
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nerrad567/gray-logic-bus/internal/connector"
	"github.com/nerrad567/gray-logic-bus/internal/gateway"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-bus/internal/metrics"
	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds transport disconnect at exit.
const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the process together and blocks until ctx is cancelled.
func run(ctx context.Context) error { //nolint:gocognit // startup sequence with deferred teardown
	log := logging.Default()
	log.Info("starting graybus",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"transport", cfg.Transport.Type,
		"level", cfg.Logging.Level,
	)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promRecorder, err := metrics.NewRecorder(reg)
	if err != nil {
		return fmt.Errorf("creating metrics recorder: %w", err)
	}
	recorders := []transport.Recorder{promRecorder}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		recorders = append(recorders, influxClient)
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Transport
	tr, err := connector.New(cfg.Transport, log.Component("transport"),
		connector.WithRecorder(transport.Recorders(recorders...)))
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	stopMetrics := promRecorder.Instrument(tr)
	defer stopMetrics()
	if influxClient != nil {
		stopInflux := influxClient.Instrument(tr)
		defer stopInflux()
	}
	tr.OnError(func(e *transport.Error) {
		log.Debug("transport error", "code", e.Code, "message", e.Message, "recoverable", e.Recoverable)
	})

	if err := connectTransport(ctx, tr, log); err != nil {
		return err
	}
	defer func() {
		log.Info("disconnecting transport")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if closeErr := tr.Disconnect(shutdownCtx); closeErr != nil {
			log.Error("error disconnecting transport", "error", closeErr)
		}
	}()

	// Gateway (optional)
	if cfg.Gateway.Enabled {
		gw, gwErr := gateway.New(gateway.Deps{
			Config:    cfg.Gateway,
			Metrics:   cfg.Metrics,
			Logger:    log,
			Transport: tr,
			Gatherer:  reg,
			Version:   version,
		})
		if gwErr != nil {
			return fmt.Errorf("creating gateway: %w", gwErr)
		}
		if startErr := gw.Start(ctx); startErr != nil {
			return fmt.Errorf("starting gateway: %w", startErr)
		}
		defer func() {
			if closeErr := gw.Close(); closeErr != nil {
				log.Error("error closing gateway", "error", closeErr)
			}
		}()
	} else {
		log.Info("gateway disabled")
	}

	log.Info("graybus running", "transport", string(tr.Kind()), "status", tr.Status().String())

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// connectTransport performs the initial connect. A failure that has a retry
// scheduled is logged and startup continues; anything else is fatal.
func connectTransport(ctx context.Context, tr transport.Transport, log *logging.Logger) error {
	err := tr.Connect(ctx)
	if err == nil {
		log.Info("transport connected", "transport", string(tr.Kind()))
		return nil
	}
	if terr, ok := transport.AsError(err); ok && terr.Recoverable {
		log.Warn("initial connect failed, retrying in background",
			"transport", string(tr.Kind()),
			"error", err,
		)
		return nil
	}
	return fmt.Errorf("connecting transport: %w", err)
}

// loadConfig reads the file named by GRAYBUS_CONFIG. Without the variable it
// reads configs/config.yaml, falling back to defaults when that file does
// not exist.
func loadConfig() (*config.Config, string, error) {
	if path := os.Getenv("GRAYBUS_CONFIG"); path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	if _, err := os.Stat(defaultConfigPath); errors.Is(err, os.ErrNotExist) {
		cfg, loadErr := config.Load("")
		return cfg, "(defaults)", loadErr
	}
	cfg, err := config.Load(defaultConfigPath)
	return cfg, defaultConfigPath, err
}

// runToken implements the token subcommand.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("subject", "", "token subject (required)")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Gateway.Auth.JWTSecret == "" {
		return errors.New("gateway.auth.jwt_secret is not set")
	}

	token, err := gateway.IssueToken(*subject, cfg.Gateway.Auth.JWTSecret, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
