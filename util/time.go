package util

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/gruntwork-io/go-commons/errors"
)

// The EC2 API reports image creation dates as RFC3339 strings with
// millisecond precision, e.g. "2024-03-01T08:15:42.000Z".
const creationTimeFormat = time.RFC3339

func ParseTimestamp(timestamp *string) (*time.Time, error) {
	parsed, err := time.Parse(creationTimeFormat, aws.ToString(timestamp))
	if err != nil {
		return nil, errors.WithStackTrace(err)
	}

	return &parsed, nil
}

func FormatTimestamp(timestamp time.Time) string {
	return timestamp.Format(creationTimeFormat)
}

// AgeInDays returns the whole number of days elapsed between created and now.
// Partial days round down, so an image becomes one day older only once a full
// 24 hours have passed.
func AgeInDays(now time.Time, created time.Time) int {
	if created.After(now) {
		return 0
	}
	return int(now.Sub(created).Hours() / 24)
}
