package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestParseResourceList(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, "backup.list", `
# production instances
123456789012,eu-west-1,i-0abcd1234efab5678,7,nightly

210987654321,us-east-1,i-0123456789abcdef0,30,weekly
`)

	records, err := ParseResourceList(path)
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, 3, first.Line)
	assert.Equal(t, "123456789012", first.AccountID)
	assert.Equal(t, "eu-west-1", first.Region)
	assert.Equal(t, "i-0abcd1234efab5678", first.ResourceID)
	assert.Equal(t, 7, first.RetentionDays)
	assert.Equal(t, "nightly", first.Reason)
	assert.NoError(t, first.Validate())

	assert.Equal(t, 5, records[1].Line)
	assert.NoError(t, records[1].Validate())
}

func TestParseResourceListMalformedLinesStillProduceRecords(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, "backup.list", `123456789012,eu-west-1,i-0abcd1234efab5678
123456789012,eu-west-1,i-0abcd1234efab5678,seven,nightly
`)

	records, err := ParseResourceList(path)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.ErrorContains(t, records[0].Validate(), "expected 5 fields")
	assert.ErrorContains(t, records[1].Validate(), "not an integer")
}

func TestParseResourceListMissingFile(t *testing.T) {
	t.Parallel()

	_, err := ParseResourceList(filepath.Join(t.TempDir(), "nope.list"))
	assert.Error(t, err)
}

func TestResourceRecordValidate(t *testing.T) {
	t.Parallel()

	valid := ResourceRecord{
		AccountID:     "123456789012",
		Region:        "eu-west-1",
		ResourceID:    "i-0abcd1234efab5678",
		RetentionDays: 7,
		Reason:        "nightly",
	}

	tests := map[string]struct {
		mutate  func(r *ResourceRecord)
		wantErr string
	}{
		"valid":            {mutate: func(r *ResourceRecord) {}, wantErr: ""},
		"zeroRetention":    {mutate: func(r *ResourceRecord) { r.RetentionDays = 0 }, wantErr: ""},
		"shortAccount":     {mutate: func(r *ResourceRecord) { r.AccountID = "12345" }, wantErr: "12-digit"},
		"letterAccount":    {mutate: func(r *ResourceRecord) { r.AccountID = "12345678901a" }, wantErr: "12-digit"},
		"badInstanceId":    {mutate: func(r *ResourceRecord) { r.ResourceID = "abc123" }, wantErr: "instance id"},
		"shortInstanceId":  {mutate: func(r *ResourceRecord) { r.ResourceID = "i-0abc" }, wantErr: "instance id"},
		"emptyRegion":      {mutate: func(r *ResourceRecord) { r.Region = "" }, wantErr: "region"},
		"negativeDays":     {mutate: func(r *ResourceRecord) { r.RetentionDays = -1 }, wantErr: "negative"},
		"emptyReason":      {mutate: func(r *ResourceRecord) { r.Reason = "" }, wantErr: "reason"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			record := valid
			tc.mutate(&record)

			err := record.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tc.wantErr)
			}
		})
	}
}

func TestReadSettingsMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	settings, err := ReadSettings(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultParallelism, settings.Parallelism)
	assert.Equal(t, DefaultPollInterval, settings.PollInterval)
	assert.Equal(t, DefaultWaitTimeout, settings.WaitTimeout)
	assert.Equal(t, DefaultCreatedBy, settings.CreatedBy)
	assert.Empty(t, settings.AssumeRoles)
}

func TestReadSettings(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, "ami-keeper.yml", `
assume_roles:
  "210987654321": arn:aws:iam::210987654321:role/backup-operator
parallelism: 8
poll_interval: 30s
wait_timeout: 15m
created_by: nightly-pipeline
`)

	settings, err := ReadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, "arn:aws:iam::210987654321:role/backup-operator", settings.AssumeRoles["210987654321"])
	assert.Equal(t, 8, settings.Parallelism)
	assert.Equal(t, 30*time.Second, settings.PollInterval)
	assert.Equal(t, 15*time.Minute, settings.WaitTimeout)
	assert.Equal(t, "nightly-pipeline", settings.CreatedBy)
}

func TestReadSettingsInvalidDuration(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, "ami-keeper.yml", "poll_interval: soon\n")

	_, err := ReadSettings(path)
	assert.ErrorContains(t, err, "poll_interval")
}

func TestReadSettingsUnknownKeyRejected(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, "ami-keeper.yml", "paralellism: 8\n")

	_, err := ReadSettings(path)
	assert.Error(t, err)
}
