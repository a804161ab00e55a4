// Command agent-sessions serves the aggregated session history of local
// terminal AI agents over a JSON HTTP API.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/kmckiern/agent-sessions/internal/config"
	"github.com/kmckiern/agent-sessions/internal/httpapi"
	_ "github.com/kmckiern/agent-sessions/internal/provider/claudecode"
	_ "github.com/kmckiern/agent-sessions/internal/provider/codex"
	_ "github.com/kmckiern/agent-sessions/internal/provider/geminicli"
	"github.com/kmckiern/agent-sessions/internal/service"
)

// Version is set at build time via ldflags.
var Version = ""

var (
	configPath  = flag.String("config", "", "path to config file")
	hostFlag    = flag.String("host", "", "bind address (overrides config)")
	portFlag    = flag.Int("port", 0, "TCP port (overrides config)")
	noWatch     = flag.Bool("no-watch", false, "disable the filesystem invalidation watcher")
	versionFlag = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("agent-sessions version %s\n", effectiveVersion(Version))
		os.Exit(0)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *hostFlag != "" {
		cfg.Host = *hostFlag
	}
	if *portFlag != 0 {
		cfg.Port = *portFlag
	}
	if *noWatch {
		cfg.Watch = false
	}

	svc := service.New(service.Options{
		RefreshInterval: service.RefreshIntervalSeconds(cfg.RefreshIntervalSeconds),
	})

	if cfg.Watch {
		stop, err := svc.StartWatcher()
		if err != nil {
			logger.Warn().Err(err).Msg("filesystem watcher unavailable")
		} else {
			defer stop()
		}
	}

	api := httpapi.New(svc, cfg.MaxPageSize)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	logger.Info().Str("addr", "http://"+addr).Msg("serving agent sessions")
	if err := http.ListenAndServe(addr, api.Router()); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func effectiveVersion(version string) string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}
