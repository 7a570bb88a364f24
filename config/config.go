// Package config parses the two inputs that drive a run: the line-oriented
// resource list handed to the pipeline job, and the optional YAML settings
// file carrying the cross-account role map and tuning knobs.
package config

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gruntwork-io/go-commons/errors"
	"gopkg.in/yaml.v2"
)

const (
	DefaultParallelism  = 5
	DefaultPollInterval = 20 * time.Second
	DefaultWaitTimeout  = 30 * time.Minute
	DefaultCreatedBy    = "ami-keeper"
)

var (
	accountIDRE  = regexp.MustCompile(`^\d{12}$`)
	instanceIDRE = regexp.MustCompile(`^i-[0-9a-f]{8,17}$`)
)

// ResourceRecord is one line of the resource list. Records are parsed once
// per run and never mutated afterwards; each one is owned by the worker it
// is dispatched to.
type ResourceRecord struct {
	Line          int
	AccountID     string
	Region        string
	ResourceID    string
	RetentionDays int
	Reason        string

	// parseErr remembers a malformed line so the worker can surface it as
	// this record's outcome instead of the run aborting at parse time.
	parseErr error
}

// Validate checks the record against its format contracts. A malformed line
// counts as a failure for the run, not a skip: a typo silently dropping a
// backup is exactly what the operator needs to hear about.
func (r ResourceRecord) Validate() error {
	if r.parseErr != nil {
		return r.parseErr
	}
	if !accountIDRE.MatchString(r.AccountID) {
		return fmt.Errorf("account id %q is not a 12-digit account number", r.AccountID)
	}
	if r.Region == "" {
		return fmt.Errorf("region is empty")
	}
	if !instanceIDRE.MatchString(r.ResourceID) {
		return fmt.Errorf("resource id %q is not a valid instance id", r.ResourceID)
	}
	if r.RetentionDays < 0 {
		return fmt.Errorf("retention days %d is negative", r.RetentionDays)
	}
	if r.Reason == "" {
		return fmt.Errorf("reason is empty")
	}

	return nil
}

// ParseResourceList reads the comma-separated resource list at path. Blank
// lines and lines starting with # are skipped. Malformed lines still produce
// a record so that every line gets exactly one outcome in the report.
func ParseResourceList(path string) ([]ResourceRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStackTrace(err)
	}
	defer file.Close()

	var records []ResourceRecord
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		records = append(records, parseLine(lineNo, line))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithStackTrace(err)
	}

	return records, nil
}

func parseLine(lineNo int, line string) ResourceRecord {
	record := ResourceRecord{Line: lineNo}

	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		record.parseErr = fmt.Errorf("expected 5 fields, got %d", len(fields))
		return record
	}

	record.AccountID = strings.TrimSpace(fields[0])
	record.Region = strings.TrimSpace(fields[1])
	record.ResourceID = strings.TrimSpace(fields[2])
	record.Reason = strings.TrimSpace(fields[4])

	retention := strings.TrimSpace(fields[3])
	days, err := strconv.Atoi(retention)
	if err != nil {
		record.parseErr = fmt.Errorf("retention days %q is not an integer", retention)
		return record
	}
	record.RetentionDays = days

	return record
}

// Settings are the run-level tuning knobs and the account-to-role map.
type Settings struct {
	AssumeRoles  map[string]string
	Parallelism  int
	PollInterval time.Duration
	WaitTimeout  time.Duration
	CreatedBy    string
}

// yamlSettings is the on-disk shape; durations are Go duration strings.
type yamlSettings struct {
	AssumeRoles  map[string]string `yaml:"assume_roles"`
	Parallelism  int               `yaml:"parallelism"`
	PollInterval string            `yaml:"poll_interval"`
	WaitTimeout  string            `yaml:"wait_timeout"`
	CreatedBy    string            `yaml:"created_by"`
}

func DefaultSettings() Settings {
	return Settings{
		AssumeRoles:  map[string]string{},
		Parallelism:  DefaultParallelism,
		PollInterval: DefaultPollInterval,
		WaitTimeout:  DefaultWaitTimeout,
		CreatedBy:    DefaultCreatedBy,
	}
}

// ReadSettings loads the YAML settings file at path. A missing file is not
// an error: every setting has a default, and cross-account lines then fail
// at the worker boundary with a no-role-mapped outcome rather than killing
// the whole run up front.
func ReadSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return settings, nil
	}
	if err != nil {
		return settings, errors.WithStackTrace(err)
	}

	var raw yamlSettings
	if err := yaml.UnmarshalStrict(data, &raw); err != nil {
		return settings, errors.WithStackTrace(err)
	}

	if raw.AssumeRoles != nil {
		settings.AssumeRoles = raw.AssumeRoles
	}
	if raw.Parallelism > 0 {
		settings.Parallelism = raw.Parallelism
	}
	if raw.CreatedBy != "" {
		settings.CreatedBy = raw.CreatedBy
	}
	if raw.PollInterval != "" {
		interval, err := time.ParseDuration(raw.PollInterval)
		if err != nil {
			return settings, errors.WithStackTrace(fmt.Errorf("invalid poll_interval: %w", err))
		}
		settings.PollInterval = interval
	}
	if raw.WaitTimeout != "" {
		timeout, err := time.ParseDuration(raw.WaitTimeout)
		if err != nil {
			return settings, errors.WithStackTrace(fmt.Errorf("invalid wait_timeout: %w", err))
		}
		settings.WaitTimeout = timeout
	}

	return settings, nil
}
