// Command coapd runs the CoAP endpoint: it loads configuration, wires the
// resource manager, metrics and audit log into a Dispatcher (which builds
// its own transaction pool), and serves until terminated. This is a thin wiring layer,
// in the spirit of the teacher's cmd/transform entrypoints: no protocol
// logic lives here.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coapcore/coapd/auditlog"
	"github.com/coapcore/coapd/config"
	"github.com/coapcore/coapd/dispatcher"
	"github.com/coapcore/coapd/logging"
	"github.com/coapcore/coapd/metrics"
	"github.com/coapcore/coapd/resource"
)

func main() {
	configPath := flag.String("config", "", "path to a coapd.yaml config file (optional)")
	flag.Parse()

	watcher, cfg, err := config.NewWatcher(*configPath)
	if err != nil {
		fatalf("config: %v", err)
	}

	log := logging.New("coapd", logging.ParseLevel(cfg.LogLevel))

	resources := resource.NewManager()
	resources.AddDefaultResource(resource.EchoResource{})

	collector := metrics.New()

	var audit *auditlog.Writer
	if cfg.AuditLogPath != "" {
		audit, err = auditlog.NewWriter(cfg.AuditLogPath)
		if err != nil {
			fatalf("audit log: %v", err)
		}
		defer audit.Close()
	}

	d, err := dispatcher.New(cfg, resources,
		dispatcher.WithLogger(log),
		dispatcher.WithMetrics(collector),
		dispatcher.WithAuditLog(audit),
	)
	if err != nil {
		fatalf("dispatcher: %v", err)
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, collector, log)
	}

	ctx, cancel := context.WithCancel(context.Background())

	reloadStop := make(chan struct{})
	go watcher.Run(reloadStop, d.Reload, func(err error) { log.Warnf("%v", err) })

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infof("shutdown signal received")
		close(reloadStop)
		d.Stop()
		cancel()
	}()

	log.Infof("listening on %s", d.LocalAddr())
	if err := d.Run(ctx); err != nil {
		fatalf("dispatcher exited: %v", err)
	}
}

func serveMetrics(addr string, collector *metrics.Collector, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	log.Infof("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server stopped: %v", err)
	}
}

func fatalf(format string, args ...interface{}) {
	logging.New("coapd", logging.LevelError).Errorf(format, args...)
	os.Exit(1)
}
