// Command cs runs the checksum monitor: the background integrity sweep, the
// recompute and one-shot worker, the command uplink over the serial link and
// the HTTP housekeeping API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/havencarlson/CS/internal/config"
	"github.com/havencarlson/CS/internal/db"
	"github.com/havencarlson/CS/internal/monitoring"
	"github.com/havencarlson/CS/internal/serialmux"
	"github.com/havencarlson/CS/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the JSON configuration file")
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen  = flag.String("grpc-listen", ":9090", "gRPC health listen address (empty disables)")
	dbPath      = flag.String("db", "cs.db", "SQLite database path")
	devMode     = flag.Bool("dev", false, "Use an in-memory serial link instead of the configured port")
	debug       = flag.Bool("debug", false, "Log background cycles and worker progress")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// openLink picks the serial link: an in-memory mock in dev mode, a disabled
// link when no port is configured, otherwise the real port.
func openLink(cfg *config.Config, dev bool) (serialmux.SerialMuxInterface, error) {
	if dev {
		link, _ := serialmux.NewMockSerialMux(nil, 0)
		return link, nil
	}
	if cfg.SerialPort() == "" {
		return serialmux.NewDisabledSerialMux(), nil
	}
	return serialmux.NewRealSerialMux(cfg.SerialPort(), cfg.SerialOptions())
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	monitoring.SetDebug(*debug)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	link, err := openLink(cfg, *devMode)
	if err != nil {
		log.Fatalf("failed to open serial link: %v", err)
	}
	defer link.Close()

	store, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, store, link, nil)
	if err != nil {
		log.Fatalf("failed to start checksum engine: %v", err)
	}
	log.Printf("%s starting: http=%s grpc=%s link=%q", version.String(), *listen, *grpcListen, cfg.SerialPort())

	if err := a.run(ctx, *listen, *grpcListen); err != nil {
		log.Printf("shutdown error: %v", err)
		os.Exit(1)
	}
	log.Printf("Graceful shutdown complete")
}
