package commands

import "github.com/urfave/cli/v2"

// Default values
const (
	DefaultResourceList = "backup.list"
	DefaultSettingsFile = "ami-keeper.yml"
	DefaultLogLevel     = "info"
	DefaultOutputDir    = "."

	ModeDryRun = "dry-run"
	ModeRun    = "run"

	RunConfirmationWord     = "run"
	MaxConfirmationAttempts = 2
)

// Flag Names
const (
	FlagSettings     = "settings"
	FlagParallelism  = "parallelism"
	FlagPollInterval = "poll-interval"
	FlagWaitTimeout  = "wait-timeout"
	FlagLogLevel     = "log-level"
	FlagRegion       = "region"
	FlagOutputDir    = "output-dir"
	FlagForce        = "force"
)

// commonFlags returns the flags shared by the backup and cleanup commands.
// Zero values mean "defer to the settings file".
func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  FlagSettings,
			Usage: "Path to the YAML settings file (role map, tuning knobs).",
			Value: DefaultSettingsFile,
		},
		&cli.IntFlag{
			Name:    FlagParallelism,
			Usage:   "Maximum number of resources processed concurrently.",
			EnvVars: []string{"AMI_KEEPER_PARALLELISM"},
		},
		&cli.DurationFlag{
			Name:  FlagPollInterval,
			Usage: "Interval between image state polls, such as 20s or 1m.",
		},
		&cli.DurationFlag{
			Name:  FlagWaitTimeout,
			Usage: "Ceiling on waiting for an image to become available, such as 15m or 1h.",
		},
		&cli.StringFlag{
			Name:  FlagLogLevel,
			Usage: "Set the log level (trace, debug, info, warn, error).",
			Value: DefaultLogLevel,
		},
		&cli.StringFlag{
			Name:  FlagOutputDir,
			Usage: "Directory the success/failed/skipped list files are appended to.",
			Value: DefaultOutputDir,
		},
		&cli.BoolFlag{
			Name:  FlagForce,
			Usage: "Skip the run-mode confirmation prompt. Use from pipelines that gate approval themselves.",
		},
	}
}

// cleanupFlags adds the cleanup-only flags to the shared set.
func cleanupFlags() []cli.Flag {
	return append(commonFlags(),
		&cli.StringSliceFlag{
			Name:  FlagRegion,
			Usage: "Extra region in the caller's own account to scan for expired images. May be repeated.",
		},
	)
}
