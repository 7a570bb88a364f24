package aws

import "fmt"

// ImageFailedError is returned by the waiter when an image reaches an
// explicit failure state instead of becoming available.
type ImageFailedError struct {
	ImageID string
	State   string
	Reason  string
}

func (e ImageFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("image %s entered state %s", e.ImageID, e.State)
	}
	return fmt.Sprintf("image %s entered state %s: %s", e.ImageID, e.State, e.Reason)
}

// InstanceNotActionableError is returned when the source instance exists but
// is in a lifecycle state backups cannot run against.
type InstanceNotActionableError struct {
	InstanceID string
	State      string
}

func (e InstanceNotActionableError) Error() string {
	return fmt.Sprintf("instance %s is %s, expected running, stopped or stopping", e.InstanceID, e.State)
}
