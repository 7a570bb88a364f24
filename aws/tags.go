package aws

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Tag keys stamped on every automated image. Cleanup eligibility keys off
// AutomatedTagKey and RetentionTagKey, so these are a contract with every
// image this tool has ever created.
const (
	AutomatedTagKey = "automated"
	RetentionTagKey = "retention-days"
	ReasonTagKey    = "reason"
	CreatedByTagKey = "created-by"
	CreatedOnTagKey = "created-on"
)

// AMI names allow a limited character set; everything else becomes a dash.
var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9()./_-]+`)

func sanitizeNameComponent(s string) string {
	return strings.Trim(invalidNameChars.ReplaceAllString(s, "-"), "-")
}

// BackupImageName builds the deterministic-but-unique name for a new backup
// image: <label>-<reason>-<date>-<time>-automated-ami
func BackupImageName(label string, reason string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s-automated-ami",
		sanitizeNameComponent(label),
		sanitizeNameComponent(reason),
		now.UTC().Format("20060102-150405"))
}
