// Package commands wires the CLI surface: the backup and cleanup commands,
// their flags and positional arguments, the run-mode confirmation prompt,
// and the tiered exit codes the invoking pipeline consumes.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gruntwork-io/go-commons/collections"
	"github.com/gruntwork-io/go-commons/errors"
	"github.com/opsdrift/ami-keeper/aws"
	"github.com/opsdrift/ami-keeper/config"
	"github.com/opsdrift/ami-keeper/credentials"
	"github.com/opsdrift/ami-keeper/logging"
	"github.com/opsdrift/ami-keeper/report"
	"github.com/opsdrift/ami-keeper/scheduler"
	"github.com/opsdrift/ami-keeper/ui"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
)

// CreateCli - Create the CLI app with all commands, flags, and usage text configured.
func CreateCli(version string) *cli.App {
	app := cli.NewApp()

	app.Name = "ami-keeper"
	app.HelpName = app.Name
	app.Version = version
	app.Usage = "Scheduled AMI backup and retention-based cleanup of EC2 instances across AWS accounts and regions."
	app.Commands = []*cli.Command{
		{
			Name:      "backup",
			Usage:     "Create an AMI for every instance in the resource list.",
			ArgsUsage: "[resource-file] [mode]",
			Flags:     commonFlags(),
			Action:    backupAction,
		},
		{
			Name:      "cleanup",
			Usage:     "Delete automated AMIs past their retention in every account/region the resource list names.",
			ArgsUsage: "[resource-file] [mode]",
			Flags:     cleanupFlags(),
			Action:    cleanupAction,
		},
	}

	return app
}

// runOptions is everything a command needs once the flags, positional
// arguments and settings file have been merged.
type runOptions struct {
	records      []config.ResourceRecord
	settings     config.Settings
	dryRun       bool
	parallelism  int
	pollInterval time.Duration
	waitTimeout  time.Duration
	outputDir    string
}

func parseRunOptions(c *cli.Context) (*runOptions, error) {
	if err := logging.ParseLogLevel(c.String(FlagLogLevel)); err != nil {
		return nil, errors.WithStackTrace(err)
	}

	listPath := c.Args().Get(0)
	if listPath == "" {
		listPath = DefaultResourceList
	}
	mode := c.Args().Get(1)
	if mode == "" {
		mode = ModeDryRun
	}
	if !collections.ListContainsElement([]string{ModeDryRun, ModeRun}, mode) {
		return nil, InvalidModeError{Mode: mode}
	}

	records, err := config.ParseResourceList(listPath)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, EmptyResourceListError{Path: listPath}
	}

	settings, err := config.ReadSettings(c.String(FlagSettings))
	if err != nil {
		return nil, err
	}

	opts := &runOptions{
		records:      records,
		settings:     settings,
		dryRun:       mode == ModeDryRun,
		parallelism:  settings.Parallelism,
		pollInterval: settings.PollInterval,
		waitTimeout:  settings.WaitTimeout,
		outputDir:    c.String(FlagOutputDir),
	}
	if c.Int(FlagParallelism) > 0 {
		opts.parallelism = c.Int(FlagParallelism)
	}
	if c.Duration(FlagPollInterval) > 0 {
		opts.pollInterval = c.Duration(FlagPollInterval)
	}
	if c.Duration(FlagWaitTimeout) > 0 {
		opts.waitTimeout = c.Duration(FlagWaitTimeout)
	}

	logging.Debugf("Loaded %d record(s) from %s, parallelism %d", len(records), listPath, opts.parallelism)
	return opts, nil
}

func backupAction(c *cli.Context) error {
	opts, err := parseRunOptions(c)
	if err != nil {
		return err
	}

	if proceed, err := confirmRunMode(c, opts, "create AMIs for the listed instances"); err != nil || !proceed {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, err := credentials.NewDefaultBroker(ctx, opts.settings.AssumeRoles)
	if err != nil {
		return err
	}

	rep := report.New()
	worker := &aws.BackupWorker{
		Broker:       broker,
		Report:       rep,
		DryRun:       opts.dryRun,
		PollInterval: opts.pollInterval,
		WaitTimeout:  opts.waitTimeout,
		CreatedBy:    opts.settings.CreatedBy,
	}

	logging.Infof("Backing up %d instance(s) with %d slot(s)", len(opts.records), opts.parallelism)
	scheduler.ForEach(ctx, len(opts.records), opts.parallelism, func(ctx context.Context, i int) {
		worker.Run(ctx, opts.records[i])
	})

	return finishRun(rep, opts.outputDir)
}

func cleanupAction(c *cli.Context) error {
	opts, err := parseRunOptions(c)
	if err != nil {
		return err
	}

	if proceed, err := confirmRunMode(c, opts, "delete expired automated AMIs and their snapshots"); err != nil || !proceed {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, err := credentials.NewDefaultBroker(ctx, opts.settings.AssumeRoles)
	if err != nil {
		return err
	}

	rep := report.New()
	targets, invalid := aws.CleanupTargets(opts.records)
	targets = aws.AppendRegions(targets, broker.CallerAccount(), c.StringSlice(FlagRegion))
	for _, record := range invalid {
		rep.Add(report.Entry{
			Line:       record.Line,
			AccountID:  record.AccountID,
			Region:     record.Region,
			ResourceID: record.ResourceID,
			Status:     report.StatusFailed,
			Detail:     aws.ReasonInvalidInput,
			Error:      record.Validate(),
		})
	}

	worker := &aws.CleanupWorker{
		Broker:   broker,
		Report:   rep,
		DryRun:   opts.dryRun,
		RunStart: time.Now().UTC(),
	}

	logging.Infof("Cleaning up %d account/region pair(s) with %d slot(s)", len(targets), opts.parallelism)
	scheduler.ForEach(ctx, len(targets), opts.parallelism, func(ctx context.Context, i int) {
		worker.Run(ctx, targets[i])
	})

	return finishRun(rep, opts.outputDir)
}

// confirmRunMode gates run (mutating) mode behind an interactive
// confirmation unless --force is set. Dry-run never prompts.
func confirmRunMode(c *cli.Context, opts *runOptions, action string) (bool, error) {
	if opts.dryRun || c.Bool(FlagForce) {
		return true, nil
	}

	color := color.New(color.FgHiRed, color.Bold)
	color.Printf("\nRun mode will %s. This is irreversible, proceed with caution!\n", action)

	prompt := fmt.Sprintf("Enter '%s' to confirm", RunConfirmationWord)
	for attempts := 0; attempts < MaxConfirmationAttempts; attempts++ {
		confirmPrompt := pterm.DefaultInteractiveTextInput.WithMultiLine(false)
		input, err := confirmPrompt.Show(prompt)
		if err != nil {
			logging.Errorf("[Failed to render prompt] %s", err)
			return false, errors.WithStackTrace(err)
		}

		if strings.ToLower(strings.TrimSpace(input)) == RunConfirmationWord {
			pterm.Println()
			return true, nil
		}

		pterm.Error.Printfln("Invalid value was entered: %s. Try again.", input)
	}

	logging.Warn("Confirmation not given, aborting")
	return false, nil
}

// finishRun writes the outcome sinks, renders the report and converts the
// summary into the tiered exit code contract: 0 all green, 2 partial
// failure (unstable), 1 total failure.
func finishRun(rep *report.Report, outputDir string) error {
	if err := rep.WriteSinks(outputDir); err != nil {
		logging.Errorf("Failed writing outcome sinks to %s: %s", outputDir, err)
	}

	ui.RenderRunReport(rep)

	summary := rep.Summarize()
	switch code := summary.ExitCode(); code {
	case report.ExitSuccess:
		return nil
	case report.ExitPartialFailure:
		return cli.Exit(fmt.Sprintf("%d of %d resource(s) failed", summary.Failed, summary.Scanned), code)
	default:
		return cli.Exit(fmt.Sprintf("all %d attempted resource(s) failed", summary.Failed), code)
	}
}
