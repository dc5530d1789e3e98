package conclave

import (
	"fmt"
	"runtime"
	"strings"

	"go.miragespace.co/conclave/cmd/agent"
	"go.miragespace.co/conclave/cmd/dev"
	"go.miragespace.co/conclave/cmd/journal"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"moul.io/zapfilter"
)

var (
	Build = "head"
)

var App = cli.App{
	Name:            "conclave",
	Usage:           fmt.Sprintf("build %s for %s on %s", Build, runtime.GOARCH, runtime.GOOS),
	Version:         Build,
	HideHelpCommand: true,
	Description:     "group membership with coordinator driven, two-phase view changes",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "enable debug logging with a human readable encoder",
			EnvVars: []string{"CONCLAVE_VERBOSE"},
		},
		&cli.StringFlag{
			Name:  "log-format",
			Value: "auto",
			Usage: "log encoding: json, console, or auto to follow --verbose",
		},
		&cli.BoolFlag{
			Name:  "quiet-transport",
			Value: true,
			Usage: "drop debug logs about individual envelope deliveries",
		},
	},
	Commands: []*cli.Command{
		agent.Generate(),
		dev.Generate(),
		journal.Generate(),
	},
	Before: ConfigLogger,
}

func init() {
	PrettierHelpPrinter()
}

func loggerConfig(verbose bool, format string) (zap.Config, error) {
	var config zap.Config
	if verbose {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	switch format {
	case "auto":
	case "console":
		config.Encoding = "console"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "json":
		config.Encoding = "json"
	default:
		return config, fmt.Errorf("unknown log format %q", format)
	}
	if config.Encoding == "console" {
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	// logs go to stderr, stdout is for command output
	config.OutputPaths = []string{"stderr"}
	return config, nil
}

// dropDeliveryNoise filters the per-envelope debug lines the membership
// layer emits when a peer is unreachable.
func dropDeliveryNoise(e zapcore.Entry, _ []zapcore.Field) bool {
	return e.Level != zapcore.DebugLevel || !strings.HasPrefix(e.Message, "Failed to deliver envelope")
}

func ConfigLogger(ctx *cli.Context) error {
	config, err := loggerConfig(ctx.Bool("verbose"), ctx.String("log-format"))
	if err != nil {
		return err
	}
	logger, err := config.Build()
	if err != nil {
		return err
	}
	if ctx.Bool("quiet-transport") {
		logger = zap.New(zapfilter.NewFilteringCore(logger.Core(), dropDeliveryNoise))
	}
	if _, err := zap.RedirectStdLogAt(logger.With(zap.String("subsystem", "stdlog")), zapcore.InfoLevel); err != nil {
		return fmt.Errorf("redirecting stdlog output: %w", err)
	}
	ctx.App.Metadata["logger"] = logger
	logger.Debug("Logger configured", zap.String("encoding", config.Encoding), zap.String("build", Build))

	return nil
}
