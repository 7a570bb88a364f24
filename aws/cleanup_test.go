package aws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	awsgo "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/opsdrift/ami-keeper/config"
	"github.com/opsdrift/ami-keeper/report"
	"github.com/opsdrift/ami-keeper/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockedCleanupEC2 struct {
	mu sync.Mutex

	images             []types.Image
	describeImagesErr  error
	deregisterImageErr error
	deleteSnapshotErrs map[string]error

	deregisterImageCalls int
	deleteSnapshotCalls  int
}

func (m *mockedCleanupEC2) DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.describeImagesErr != nil {
		return nil, m.describeImagesErr
	}
	return &ec2.DescribeImagesOutput{Images: m.images}, nil
}

func (m *mockedCleanupEC2) DeregisterImage(ctx context.Context, params *ec2.DeregisterImageInput, optFns ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deregisterImageCalls++
	return &ec2.DeregisterImageOutput{}, m.deregisterImageErr
}

func (m *mockedCleanupEC2) DeleteSnapshot(ctx context.Context, params *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteSnapshotCalls++
	if err := m.deleteSnapshotErrs[awsgo.ToString(params.SnapshotId)]; err != nil {
		return nil, err
	}
	return &ec2.DeleteSnapshotOutput{}, nil
}

func (m *mockedCleanupEC2) mutatingCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deregisterImageCalls + m.deleteSnapshotCalls
}

var cleanupRunStart = time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC)

func automatedImage(imageID string, retentionDays string, ageDays int, snapshotIDs ...string) types.Image {
	created := cleanupRunStart.AddDate(0, 0, -ageDays)
	image := types.Image{
		ImageId:      awsgo.String(imageID),
		Name:         awsgo.String("web-nightly-automated-ami"),
		CreationDate: awsgo.String(util.FormatTimestamp(created)),
		Tags: []types.Tag{
			{Key: awsgo.String(AutomatedTagKey), Value: awsgo.String("true")},
			{Key: awsgo.String(RetentionTagKey), Value: awsgo.String(retentionDays)},
		},
	}
	for _, snapshotID := range snapshotIDs {
		image.BlockDeviceMappings = append(image.BlockDeviceMappings, types.BlockDeviceMapping{
			Ebs: &types.EbsBlockDevice{SnapshotId: awsgo.String(snapshotID)},
		})
	}
	return image
}

func newCleanupWorker(client *mockedCleanupEC2, rep *report.Report, dryRun bool) *CleanupWorker {
	return &CleanupWorker{
		Broker:    stubResolver{},
		Report:    rep,
		DryRun:    dryRun,
		RunStart:  cleanupRunStart,
		NewClient: func(awsgo.Config) CleanupAPI { return client },
	}
}

func testTarget() CleanupTarget {
	return CleanupTarget{AccountID: "123456789012", Region: "eu-west-1", Line: 1}
}

func TestCleanupTargets(t *testing.T) {
	t.Parallel()

	valid := config.ResourceRecord{
		AccountID:     "123456789012",
		Region:        "eu-west-1",
		ResourceID:    "i-0abcd1234efab5678",
		RetentionDays: 7,
		Reason:        "nightly",
	}

	second := valid
	second.Line = 2
	second.ResourceID = "i-0123456789abcdef0"

	otherRegion := valid
	otherRegion.Line = 3
	otherRegion.Region = "us-east-1"

	bad := valid
	bad.Line = 4
	bad.AccountID = "nope"

	targets, invalid := CleanupTargets([]config.ResourceRecord{valid, second, otherRegion, bad})

	require.Len(t, targets, 2, "duplicate account/region pairs collapse")
	assert.Equal(t, "eu-west-1", targets[0].Region)
	assert.Equal(t, "us-east-1", targets[1].Region)
	require.Len(t, invalid, 1)
	assert.Equal(t, 4, invalid[0].Line)
}

func TestAppendRegions(t *testing.T) {
	t.Parallel()

	targets := []CleanupTarget{
		{AccountID: "123456789012", Region: "eu-west-1", Line: 1},
	}

	targets = AppendRegions(targets, "123456789012", []string{"eu-west-1", "us-east-1", "us-east-1", ""})

	require.Len(t, targets, 2, "covered pairs, duplicates and empty regions are dropped")
	assert.Equal(t, "us-east-1", targets[1].Region)
	assert.Zero(t, targets[1].Line)
}

func TestCleanupEligibilityBoundary(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		image    types.Image
		expected report.Status
		detail   string
	}{
		"exactlyAtRetentionIsEligible": {
			image:    automatedImage("ami-1", "7", 7),
			expected: report.StatusSuccess,
		},
		"oneDayShortIsNotExpired": {
			image:    automatedImage("ami-2", "7", 6),
			expected: report.StatusSkipped,
			detail:   ReasonNotExpired,
		},
		"wellPastRetentionIsEligible": {
			image:    automatedImage("ami-3", "7", 30),
			expected: report.StatusSuccess,
		},
		"zeroRetentionIsImmediatelyEligible": {
			image:    automatedImage("ami-4", "0", 0),
			expected: report.StatusSuccess,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			client := &mockedCleanupEC2{images: []types.Image{tc.image}}
			rep := report.New()
			newCleanupWorker(client, rep, true).Run(context.Background(), testTarget())

			entry := singleEntry(t, rep)
			assert.Equal(t, tc.expected, entry.Status)
			if tc.detail != "" {
				assert.Contains(t, entry.Detail, tc.detail)
			}
		})
	}
}

func TestCleanupSkipsUnmanagedImages(t *testing.T) {
	t.Parallel()

	manual := types.Image{
		ImageId:      awsgo.String("ami-manual"),
		Name:         awsgo.String("golden-base"),
		CreationDate: awsgo.String(util.FormatTimestamp(cleanupRunStart.AddDate(0, 0, -400))),
	}

	client := &mockedCleanupEC2{images: []types.Image{manual}}
	rep := report.New()
	newCleanupWorker(client, rep, false).Run(context.Background(), testTarget())

	entry := singleEntry(t, rep)
	assert.Equal(t, report.StatusSkipped, entry.Status)
	assert.Equal(t, ReasonNoAutomatedTag, entry.Detail)
	assert.Equal(t, 0, client.mutatingCalls(), "unmanaged images are never touched, however old")
}

func TestCleanupSkipsBadRetentionTag(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"nonNumeric": "forever",
		"negative":   "-3",
		"empty":      "",
	}

	for name, retention := range tests {
		t.Run(name, func(t *testing.T) {
			client := &mockedCleanupEC2{images: []types.Image{automatedImage("ami-1", retention, 100)}}
			rep := report.New()
			newCleanupWorker(client, rep, false).Run(context.Background(), testTarget())

			entry := singleEntry(t, rep)
			assert.Equal(t, report.StatusSkipped, entry.Status)
			assert.Contains(t, entry.Detail, ReasonBadRetentionTag)
			assert.Equal(t, 0, client.mutatingCalls())
		})
	}
}

func TestCleanupDryRunMakesNoMutatingCalls(t *testing.T) {
	t.Parallel()

	client := &mockedCleanupEC2{images: []types.Image{
		automatedImage("ami-1", "7", 10, "snap-1", "snap-2"),
	}}
	rep := report.New()
	newCleanupWorker(client, rep, true).Run(context.Background(), testTarget())

	entry := singleEntry(t, rep)
	assert.Equal(t, report.StatusSuccess, entry.Status)
	assert.Equal(t, ReasonDryRun, entry.Detail)
	assert.Equal(t, 0, client.mutatingCalls())
}

func TestCleanupDeletesImageAndSnapshots(t *testing.T) {
	t.Parallel()

	client := &mockedCleanupEC2{images: []types.Image{
		automatedImage("ami-1", "7", 10, "snap-1", "snap-2"),
	}}
	rep := report.New()
	newCleanupWorker(client, rep, false).Run(context.Background(), testTarget())

	entry := singleEntry(t, rep)
	assert.Equal(t, report.StatusSuccess, entry.Status)
	assert.Contains(t, entry.Detail, "deleted 2 snapshot(s)")
	assert.Equal(t, 1, client.deregisterImageCalls)
	assert.Equal(t, 2, client.deleteSnapshotCalls)
}

func TestCleanupPartialWhenSnapshotDeletionFails(t *testing.T) {
	t.Parallel()

	client := &mockedCleanupEC2{
		images: []types.Image{automatedImage("ami-1", "7", 10, "snap-1", "snap-2", "snap-3")},
		deleteSnapshotErrs: map[string]error{
			"snap-2": errors.New("snapshot is in use"),
		},
	}
	rep := report.New()
	newCleanupWorker(client, rep, false).Run(context.Background(), testTarget())

	entry := singleEntry(t, rep)
	assert.Equal(t, report.StatusPartial, entry.Status)
	assert.Contains(t, entry.Detail, "snap-2")
	assert.NotContains(t, entry.Detail, "snap-1")
	assert.ErrorContains(t, entry.Error, "snap-2")
	assert.Equal(t, 3, client.deleteSnapshotCalls, "one failed snapshot must not abort the rest")
}

func TestCleanupDeregisterFailureFails(t *testing.T) {
	t.Parallel()

	client := &mockedCleanupEC2{
		images:             []types.Image{automatedImage("ami-1", "7", 10, "snap-1")},
		deregisterImageErr: errors.New("ImageNotAvailable"),
	}
	rep := report.New()
	newCleanupWorker(client, rep, false).Run(context.Background(), testTarget())

	entry := singleEntry(t, rep)
	assert.Equal(t, report.StatusFailed, entry.Status)
	assert.Equal(t, ReasonDeregisterFailed, entry.Detail)
	assert.Equal(t, 0, client.deleteSnapshotCalls, "snapshots stay when the image could not be deregistered")
}

func TestCleanupScanFailureProducesSingleFailedEntry(t *testing.T) {
	t.Parallel()

	client := &mockedCleanupEC2{describeImagesErr: errors.New("RequestLimitExceeded")}
	rep := report.New()
	newCleanupWorker(client, rep, false).Run(context.Background(), testTarget())

	entry := singleEntry(t, rep)
	assert.Equal(t, report.StatusFailed, entry.Status)
	assert.Equal(t, ReasonScanFailed, entry.Detail)
	assert.Equal(t, "*", entry.ResourceID)
}

func TestCleanupMixedRegionReport(t *testing.T) {
	t.Parallel()

	client := &mockedCleanupEC2{images: []types.Image{
		automatedImage("ami-old", "7", 10, "snap-1"),
		automatedImage("ami-new", "7", 2),
		{ImageId: awsgo.String("ami-manual"), CreationDate: awsgo.String(util.FormatTimestamp(cleanupRunStart.AddDate(0, 0, -90)))},
	}}
	rep := report.New()
	newCleanupWorker(client, rep, false).Run(context.Background(), testTarget())

	summary := rep.Summarize()
	assert.Equal(t, 3, summary.Scanned)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, report.ExitSuccess, summary.ExitCode())
}
