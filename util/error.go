package util

import (
	"errors"
	"fmt"
	"time"

	"github.com/aws/smithy-go"
)

var ErrInsufficientPermission = errors.New("error:INSUFFICIENT_PERMISSION")

const awsUnauthorizedError = "UnauthorizedOperation"

// TransformAWSError maps selected AWS API error codes to friendlier sentinel
// errors for reporting. A DryRunOperation "error" means the request would
// have succeeded, so it is not an error at all.
// ref : https://docs.aws.amazon.com/AWSEC2/latest/APIReference/errors-overview.html
func TransformAWSError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.ErrorCode() {
	case awsUnauthorizedError:
		return ErrInsufficientPermission
	case "DryRunOperation":
		return nil
	}

	return err
}

// IsNotFoundErr reports whether err is an AWS API error carrying one of the
// given NotFound-style error codes.
func IsNotFoundErr(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}

	return false
}

type ResourceExecutionTimeout struct {
	Timeout time.Duration
}

func (err ResourceExecutionTimeout) Error() string {
	return fmt.Sprintf("execution timed out after: %v", err.Timeout)
}
