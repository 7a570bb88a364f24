package aws

import (
	"context"
	"time"

	awsgo "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/opsdrift/ami-keeper/logging"
	"github.com/opsdrift/ami-keeper/util"
)

// ImageStatusAPI is the slice of the EC2 API the waiter needs.
type ImageStatusAPI interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
}

type WaitResult int

const (
	WaitReady WaitResult = iota
	WaitFailed
	WaitTimedOut
)

func (r WaitResult) String() string {
	switch r {
	case WaitReady:
		return "ready"
	case WaitFailed:
		return "failed"
	default:
		return "timed out"
	}
}

// ImageWaiter polls an image's state at a fixed interval until it reaches a
// terminal state or the timeout elapses. Fixed-interval on purpose: image
// creation takes minutes either way, and a constant interval keeps the
// worst-case wall clock predictable.
type ImageWaiter struct {
	Client   ImageStatusAPI
	Interval time.Duration
	Timeout  time.Duration
}

// Wait blocks until the image is available (WaitReady), reaches a failure
// state (WaitFailed), or the timeout or ctx expires (WaitTimedOut). API
// errors and unrecognized states are treated as transient and retried.
func (w ImageWaiter) Wait(ctx context.Context, imageID string) (WaitResult, error) {
	timeout := time.NewTimer(w.Timeout)
	defer timeout.Stop()
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		if result, done, err := w.poll(ctx, imageID); done {
			return result, err
		}

		select {
		case <-ctx.Done():
			return WaitTimedOut, ctx.Err()
		case <-timeout.C:
			return WaitTimedOut, util.ResourceExecutionTimeout{Timeout: w.Timeout}
		case <-ticker.C:
		}
	}
}

func (w ImageWaiter) poll(ctx context.Context, imageID string) (WaitResult, bool, error) {
	output, err := w.Client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
	})
	if err != nil {
		// Transient by policy: a describe blip must not fail a backup that
		// is still converging.
		logging.Debugf("Error describing image %s, will retry: %s", imageID, err)
		return 0, false, nil
	}
	if len(output.Images) == 0 {
		logging.Debugf("Image %s not visible yet, will retry", imageID)
		return 0, false, nil
	}

	state := output.Images[0].State
	switch state {
	case types.ImageStateAvailable:
		return WaitReady, true, nil
	case types.ImageStateFailed, types.ImageStateError, types.ImageStateInvalid, types.ImageStateDeregistered:
		var reason string
		if sr := output.Images[0].StateReason; sr != nil {
			reason = awsgo.ToString(sr.Message)
		}
		return WaitFailed, true, ImageFailedError{ImageID: imageID, State: string(state), Reason: reason}
	default:
		logging.Debugf("Image %s is %s, waiting", imageID, state)
		return 0, false, nil
	}
}
