// Package cli contains the xnav command line: the vision service itself and a few offline tools.
package cli

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"
)

const (
	flagConfig     = "config"
	flagDefaults   = "defaults"
	flagListen     = "listen"
	flagGRPCListen = "grpc-listen"
	flagLogFile    = "log-file"
	flagDebug      = "debug"
	flagReplayDir  = "replay-dir"
	flagReplayFPS  = "replay-fps"
	flagFixture    = "fixture"
	flagFieldMap   = "field-map"
	flagHeartbeat  = "heartbeat"
)

var app = &cli.App{
	Name:            "xnav",
	Usage:           "AprilTag vision coprocessor for FRC robots",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "load and persist configuration at `FILE`",
			EnvVars: []string{"XNAV_CONFIG"},
			Value:   "/etc/xnav/config.json",
		},
		&cli.StringFlag{
			Name:  flagDefaults,
			Usage: "defaults `FILE` used when the configuration is missing",
			Value: "/etc/xnav/default_config.json",
		},
		&cli.BoolFlag{
			Name:    flagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.StringFlag{
			Name:  flagLogFile,
			Usage: "also log to a rotating `FILE`",
		},
	},
	Commands: []*cli.Command{
		{
			Name:   "serve",
			Usage:  "run the vision pipeline with its HTTP and gRPC surfaces",
			Action: ServeAction,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  flagListen,
					Usage: "HTTP `ADDRESS` for the dashboard API",
					Value: ":5800",
				},
				&cli.StringFlag{
					Name:  flagGRPCListen,
					Usage: "gRPC health `ADDRESS`; empty disables it",
					Value: ":5802",
				},
				&cli.StringFlag{
					Name:  flagReplayDir,
					Usage: "play the images in `DIR` as the camera",
				},
				&cli.Float64Flag{
					Name:  flagReplayFPS,
					Usage: "replay frame rate",
					Value: 30,
				},
				&cli.StringFlag{
					Name:  flagFixture,
					Usage: "use recorded detections from `FILE` instead of a detector backend",
				},
				&cli.StringFlag{
					Name:  flagFieldMap,
					Usage: "store uploaded field maps at `FILE`",
					Value: "/etc/xnav/field.fmap",
				},
				&cli.DurationFlag{
					Name:  flagHeartbeat,
					Usage: "status heartbeat interval",
					Value: defaultHeartbeat,
				},
			},
		},
		{
			Name:            "fieldmap",
			Usage:           "work with WPILib .fmap field layouts",
			HideHelpCommand: true,
			Subcommands: []*cli.Command{
				{
					Name:      "show",
					Usage:     "print the tags in a field map",
					ArgsUsage: "<file.fmap>",
					Action:    FieldMapShowAction,
				},
			},
		},
		{
			Name:            "record",
			Usage:           "work with telemetry recordings",
			HideHelpCommand: true,
			Subcommands: []*cli.Command{
				{
					Name:      "dump",
					Usage:     "print a protobuf telemetry recording as JSON lines",
					ArgsUsage: "<file>",
					Action:    RecordDumpAction,
				},
			},
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}

func printf(w io.Writer, format string, a ...interface{}) {
	if w == nil {
		return
	}
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}
