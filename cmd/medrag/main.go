// Command medrag runs the retrieval-augmented clinical knowledge
// service.
//
// Usage:
//
//	medrag serve
//	medrag ingest --root ./documents --tenant clinic-a
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/tandemhealth/medrag/pkg/config"
	"github.com/tandemhealth/medrag/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP server."`
	Ingest  IngestCmd  `cmd:"" help:"Ingest documents for a tenant."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("medrag version %s\n", version)
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("medrag"),
		kong.Description("Multi-tenant retrieval-augmented clinical knowledge service"),
		kong.UsageOnError(),
	)

	logger.Init(parseLogLevel(cli.LogLevel), os.Stderr, cli.LogFormat)

	if err := config.LoadEnvFiles(); err != nil {
		slog.Error("failed to load env files", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := ctx.Run(&cli); err != nil {
		slog.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
