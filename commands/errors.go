package commands

import "fmt"

// InvalidModeError is returned when the mode argument is neither dry-run nor run.
type InvalidModeError struct {
	Mode string
}

func (err InvalidModeError) Error() string {
	return fmt.Sprintf("Invalid mode %q specified: expected %q or %q", err.Mode, ModeDryRun, ModeRun)
}

// EmptyResourceListError is returned when the resource list contains no
// records at all. With no input the run has nothing meaningful to report,
// so this is fatal rather than an empty success.
type EmptyResourceListError struct {
	Path string
}

func (err EmptyResourceListError) Error() string {
	return fmt.Sprintf("Resource list %q contains no records", err.Path)
}
