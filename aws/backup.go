package aws

import (
	"context"
	goerrors "errors"
	"fmt"
	"strconv"
	"time"

	awsgo "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/opsdrift/ami-keeper/config"
	"github.com/opsdrift/ami-keeper/logging"
	"github.com/opsdrift/ami-keeper/report"
	"github.com/opsdrift/ami-keeper/util"
)

// Reason codes written into outcome details. The pipeline greps for these,
// so they are part of the external contract.
const (
	ReasonInvalidInput     = "invalid-input"
	ReasonAssumeRole       = "assume-role"
	ReasonNotFound         = "not-found"
	ReasonBadState         = "bad-state"
	ReasonDescribeFailed   = "describe-failed"
	ReasonCreateFailed     = "create-failed"
	ReasonTimeout          = "timeout"
	ReasonDryRun           = "dry-run"
	ReasonScanFailed       = "scan-failed"
	ReasonDeregisterFailed = "deregister-failed"
	ReasonNoAutomatedTag   = "no-automated-tag"
	ReasonBadRetentionTag  = "bad-retention-tag"
	ReasonNotExpired       = "not-expired"
)

// BackupAPI is the slice of the EC2 API a backup worker needs.
type BackupAPI interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	CreateImage(ctx context.Context, params *ec2.CreateImageInput, optFns ...func(*ec2.Options)) (*ec2.CreateImageOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
}

// CredentialResolver yields a per-account, per-region AWS config. Each
// worker does its own resolve so concurrently executing identities never
// cross-contaminate.
type CredentialResolver interface {
	Resolve(accountID string, region string) (awsgo.Config, error)
}

var errInstanceNotFound = goerrors.New("instance not found")

// Instance lifecycle states a backup may run against.
var actionableInstanceStates = map[types.InstanceStateName]bool{
	types.InstanceStateNameRunning:  true,
	types.InstanceStateNameStopped:  true,
	types.InstanceStateNameStopping: true,
}

// BackupWorker turns one resource-list line into one outcome record. It
// validates the line, resolves credentials for the target account, checks
// the source instance, creates and tags the image, and waits for it to
// become available. Every branch emits exactly one record.
type BackupWorker struct {
	Broker       CredentialResolver
	Report       *report.Report
	DryRun       bool
	PollInterval time.Duration
	WaitTimeout  time.Duration
	CreatedBy    string

	// NewClient builds the EC2 client from the resolved config. Tests swap
	// this for a mock; nil means the real client.
	NewClient func(cfg awsgo.Config) BackupAPI

	// Now is the clock used for image names and tags; nil means time.Now.
	Now func() time.Time
}

func (w *BackupWorker) newClient(cfg awsgo.Config) BackupAPI {
	if w.NewClient != nil {
		return w.NewClient(cfg)
	}
	return ec2.NewFromConfig(cfg)
}

func (w *BackupWorker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Run processes one record and appends its outcome to the report.
func (w *BackupWorker) Run(ctx context.Context, record config.ResourceRecord) {
	entry := w.process(ctx, record)
	switch entry.Status {
	case report.StatusSuccess:
		logging.Infof("[OK] %s in %s: %s", record.ResourceID, record.Region, entry.Detail)
	case report.StatusSkipped:
		logging.Warnf("[Skipped] %s in %s: %s", record.ResourceID, record.Region, entry.Detail)
	default:
		logging.Errorf("[Failed] %s in %s: %s (%v)", record.ResourceID, record.Region, entry.Detail, entry.Error)
	}
	w.Report.Add(entry)
}

func (w *BackupWorker) process(ctx context.Context, record config.ResourceRecord) report.Entry {
	if err := record.Validate(); err != nil {
		return w.entry(record, report.StatusFailed, ReasonInvalidInput, err)
	}

	cfg, err := w.Broker.Resolve(record.AccountID, record.Region)
	if err != nil {
		return w.entry(record, report.StatusFailed, ReasonAssumeRole, err)
	}
	client := w.newClient(cfg)

	instance, err := w.findInstance(ctx, client, record.ResourceID)
	if goerrors.Is(err, errInstanceNotFound) {
		// The instance being gone is a legitimate state for a stale list
		// entry, not an operator problem.
		return w.entry(record, report.StatusSkipped, ReasonNotFound, nil)
	}
	if err != nil {
		// Lazily assumed credentials also fail here, on the first API call.
		return w.entry(record, report.StatusFailed, ReasonDescribeFailed, util.TransformAWSError(err))
	}

	state := instance.State.Name
	if !actionableInstanceStates[state] {
		return w.entry(record, report.StatusFailed, ReasonBadState,
			InstanceNotActionableError{InstanceID: record.ResourceID, State: string(state)})
	}

	if w.DryRun {
		logging.Infof("[Dry run] Would create image for %s in %s", record.ResourceID, record.Region)
		return w.entry(record, report.StatusSuccess, ReasonDryRun, nil)
	}

	label := util.GetEC2ResourceNameTagValue(instance.Tags)
	if label == "" {
		label = record.ResourceID
	}
	name := BackupImageName(label, record.Reason, w.now())

	imageID, err := w.createImage(ctx, client, record, name)
	if err != nil {
		return w.entry(record, report.StatusFailed, ReasonCreateFailed, util.TransformAWSError(err))
	}

	w.tagImage(ctx, client, imageID, record)

	waiter := ImageWaiter{Client: client, Interval: w.PollInterval, Timeout: w.WaitTimeout}
	result, err := waiter.Wait(ctx, imageID)
	switch result {
	case WaitReady:
		return w.entry(record, report.StatusSuccess, imageID, nil)
	case WaitFailed:
		return w.entry(record, report.StatusFailed, ReasonCreateFailed, err)
	default:
		return w.entry(record, report.StatusFailed, ReasonTimeout, err)
	}
}

func (w *BackupWorker) findInstance(ctx context.Context, client BackupAPI, instanceID string) (*types.Instance, error) {
	output, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		if util.IsNotFoundErr(err, "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed") {
			return nil, errInstanceNotFound
		}
		return nil, err
	}

	for _, reservation := range output.Reservations {
		for _, instance := range reservation.Instances {
			return &instance, nil
		}
	}

	return nil, errInstanceNotFound
}

func (w *BackupWorker) createImage(ctx context.Context, client BackupAPI, record config.ResourceRecord, name string) (string, error) {
	output, err := client.CreateImage(ctx, &ec2.CreateImageInput{
		InstanceId:  awsgo.String(record.ResourceID),
		Name:        awsgo.String(name),
		Description: awsgo.String(fmt.Sprintf("Automated backup of %s (%s)", record.ResourceID, record.Reason)),
		// NoReboot is a hard safety invariant: a backup must never restart
		// the instance it backs up.
		NoReboot: awsgo.Bool(true),
	})
	if err != nil {
		return "", err
	}

	imageID := awsgo.ToString(output.ImageId)
	if imageID == "" {
		return "", goerrors.New("create image returned no image id")
	}

	logging.Debugf("Created image %s (%s) for %s", imageID, name, record.ResourceID)
	return imageID, nil
}

// tagImage is best effort: the image already exists, so a tagging failure is
// a warning, never a failed outcome.
func (w *BackupWorker) tagImage(ctx context.Context, client BackupAPI, imageID string, record config.ResourceRecord) {
	_, err := client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{imageID},
		Tags: []types.Tag{
			{Key: awsgo.String(AutomatedTagKey), Value: awsgo.String("true")},
			{Key: awsgo.String(RetentionTagKey), Value: awsgo.String(strconv.Itoa(record.RetentionDays))},
			{Key: awsgo.String(ReasonTagKey), Value: awsgo.String(record.Reason)},
			{Key: awsgo.String(CreatedByTagKey), Value: awsgo.String(w.CreatedBy)},
			{Key: awsgo.String(CreatedOnTagKey), Value: awsgo.String(util.FormatTimestamp(w.now().UTC()))},
		},
	})
	if err != nil {
		logging.Warnf("Failed to tag image %s, leaving it untagged: %s", imageID, err)
	}
}

func (w *BackupWorker) entry(record config.ResourceRecord, status report.Status, detail string, err error) report.Entry {
	return report.Entry{
		Line:       record.Line,
		AccountID:  record.AccountID,
		Region:     record.Region,
		ResourceID: record.ResourceID,
		Status:     status,
		Detail:     detail,
		Error:      err,
	}
}
