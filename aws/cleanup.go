package aws

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	awsgo "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/hashicorp/go-multierror"
	"github.com/opsdrift/ami-keeper/config"
	"github.com/opsdrift/ami-keeper/logging"
	"github.com/opsdrift/ami-keeper/report"
	"github.com/opsdrift/ami-keeper/util"
)

// CleanupAPI is the slice of the EC2 API a cleanup worker needs.
type CleanupAPI interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DeregisterImage(ctx context.Context, params *ec2.DeregisterImageInput, optFns ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error)
	DeleteSnapshot(ctx context.Context, params *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error)
}

// CleanupTarget is one unit of cleanup work: every self-owned image in one
// account/region pair. Cleanup enumerates by ownership, not by resource
// line, so images whose source instance is long gone still expire. Line is
// the first list line that named the pair, kept for the outcome sink.
type CleanupTarget struct {
	AccountID string
	Region    string
	Line      int
}

// CleanupTargets reduces the resource list to its distinct account/region
// pairs, in first-appearance order. Records failing validation are returned
// separately so the caller can report them as failed lines.
func CleanupTargets(records []config.ResourceRecord) ([]CleanupTarget, []config.ResourceRecord) {
	var targets []CleanupTarget
	var invalid []config.ResourceRecord
	seen := map[string]bool{}

	for _, record := range records {
		if err := record.Validate(); err != nil {
			invalid = append(invalid, record)
			continue
		}
		key := record.AccountID + "/" + record.Region
		if seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, CleanupTarget{
			AccountID: record.AccountID,
			Region:    record.Region,
			Line:      record.Line,
		})
	}

	return targets, invalid
}

// AppendRegions adds one target per region for accountID, skipping pairs the
// list already covers. Used for extra scan regions named on the command line;
// those targets have no originating list line.
func AppendRegions(targets []CleanupTarget, accountID string, regions []string) []CleanupTarget {
	seen := map[string]bool{}
	for _, target := range targets {
		seen[target.AccountID+"/"+target.Region] = true
	}

	for _, region := range regions {
		if region == "" || seen[accountID+"/"+region] {
			continue
		}
		seen[accountID+"/"+region] = true
		targets = append(targets, CleanupTarget{AccountID: accountID, Region: region})
	}

	return targets
}

// CleanupWorker scans one account/region for automated images past their
// retention and deletes them: deregister the image, then delete each backing
// snapshot. One outcome record per discovered image.
type CleanupWorker struct {
	Broker CredentialResolver
	Report *report.Report
	DryRun bool

	// RunStart is the single instant every age check in this run compares
	// against, so eligibility cannot drift while workers grind through
	// regions.
	RunStart time.Time

	NewClient func(cfg awsgo.Config) CleanupAPI
}

func (w *CleanupWorker) newClient(cfg awsgo.Config) CleanupAPI {
	if w.NewClient != nil {
		return w.NewClient(cfg)
	}
	return ec2.NewFromConfig(cfg)
}

// Run processes one account/region target, appending one record per image.
func (w *CleanupWorker) Run(ctx context.Context, target CleanupTarget) {
	cfg, err := w.Broker.Resolve(target.AccountID, target.Region)
	if err != nil {
		w.Report.Add(w.entry(target, "*", report.StatusFailed, ReasonAssumeRole, err))
		return
	}
	client := w.newClient(cfg)

	images, err := w.scanImages(ctx, client)
	if err != nil {
		w.Report.Add(w.entry(target, "*", report.StatusFailed, ReasonScanFailed, util.TransformAWSError(err)))
		return
	}

	logging.Debugf("Found %d self-owned image(s) in %s/%s", len(images), target.AccountID, target.Region)
	for _, image := range images {
		w.Report.Add(w.processImage(ctx, client, target, image))
	}
}

func (w *CleanupWorker) scanImages(ctx context.Context, client CleanupAPI) ([]types.Image, error) {
	var images []types.Image
	paginator := ec2.NewDescribeImagesPaginator(client, &ec2.DescribeImagesInput{
		Owners: []string{"self"},
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		images = append(images, page.Images...)
	}

	return images, nil
}

func (w *CleanupWorker) processImage(ctx context.Context, client CleanupAPI, target CleanupTarget, image types.Image) report.Entry {
	imageID := awsgo.ToString(image.ImageId)

	if skip := w.checkEligibility(image); skip != nil {
		logging.Debugf("[Skipped] %s in %s: %s", imageID, target.Region, skip.detail)
		return w.entry(target, imageID, report.StatusSkipped, skip.detail, nil)
	}

	if w.DryRun {
		logging.Infof("[Dry run] Would deregister %s (%s) in %s", imageID, awsgo.ToString(image.Name), target.Region)
		return w.entry(target, imageID, report.StatusSuccess, ReasonDryRun, nil)
	}

	if _, err := client.DeregisterImage(ctx, &ec2.DeregisterImageInput{ImageId: image.ImageId}); err != nil {
		logging.Errorf("[Failed] Deregistering %s in %s: %s", imageID, target.Region, err)
		return w.entry(target, imageID, report.StatusFailed, ReasonDeregisterFailed, util.TransformAWSError(err))
	}
	logging.Infof("Deregistered %s (%s) in %s", imageID, awsgo.ToString(image.Name), target.Region)

	deleted, failed, err := w.deleteSnapshots(ctx, client, image)
	if len(failed) > 0 {
		// The image is already gone; leftover snapshots make this a partial
		// success, not a failure. They show up again on the next run's scan
		// of orphaned snapshots, and in this run's report.
		detail := fmt.Sprintf("deregistered; failed snapshots: %s", strings.Join(failed, " "))
		return w.entry(target, imageID, report.StatusPartial, detail, err)
	}

	return w.entry(target, imageID, report.StatusSuccess, fmt.Sprintf("deregistered; deleted %d snapshot(s)", deleted), nil)
}

type skipReason struct {
	detail string
}

// checkEligibility returns nil when the image is due for deletion. An image
// is eligible iff it carries the automated marker, a well-formed retention
// tag, and has reached that age. Age == retention is eligible.
func (w *CleanupWorker) checkEligibility(image types.Image) *skipReason {
	tags := util.ConvertTypesTagsToMap(image.Tags)

	if tags[AutomatedTagKey] != "true" {
		return &skipReason{detail: ReasonNoAutomatedTag}
	}

	retention, err := strconv.Atoi(tags[RetentionTagKey])
	if err != nil || retention < 0 {
		return &skipReason{detail: fmt.Sprintf("%s (%q)", ReasonBadRetentionTag, tags[RetentionTagKey])}
	}

	created, err := util.ParseTimestamp(image.CreationDate)
	if err != nil {
		return &skipReason{detail: fmt.Sprintf("%s (unparseable creation date %q)", ReasonBadRetentionTag, awsgo.ToString(image.CreationDate))}
	}

	age := util.AgeInDays(w.RunStart, *created)
	if age < retention {
		return &skipReason{detail: fmt.Sprintf("%s (age %dd < retention %dd)", ReasonNotExpired, age, retention)}
	}

	return nil
}

// deleteSnapshots removes the image's backing snapshots one by one. A
// failure is recorded and the loop carries on; the deregistration is already
// committed and the remaining snapshots are still worth deleting.
func (w *CleanupWorker) deleteSnapshots(ctx context.Context, client CleanupAPI, image types.Image) (int, []string, error) {
	var deleted int
	var failed []string
	var allErrs *multierror.Error

	for _, mapping := range image.BlockDeviceMappings {
		if mapping.Ebs == nil || mapping.Ebs.SnapshotId == nil {
			continue
		}
		snapshotID := awsgo.ToString(mapping.Ebs.SnapshotId)

		_, err := client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: mapping.Ebs.SnapshotId})
		if err != nil {
			logging.Warnf("Failed to delete snapshot %s of image %s: %s", snapshotID, awsgo.ToString(image.ImageId), err)
			failed = append(failed, snapshotID)
			allErrs = multierror.Append(allErrs, fmt.Errorf("snapshot %s: %w", snapshotID, err))
			continue
		}

		deleted++
		logging.Debugf("Deleted snapshot %s of image %s", snapshotID, awsgo.ToString(image.ImageId))
	}

	return deleted, failed, allErrs.ErrorOrNil()
}

func (w *CleanupWorker) entry(target CleanupTarget, resourceID string, status report.Status, detail string, err error) report.Entry {
	return report.Entry{
		Line:       target.Line,
		AccountID:  target.AccountID,
		Region:     target.Region,
		ResourceID: resourceID,
		Status:     status,
		Detail:     detail,
		Error:      err,
	}
}
