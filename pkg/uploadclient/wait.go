package uploadclient

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "fibreel-media/pkg/errors"
)

// WaitForMerge polls the merge status until the session reaches a terminal
// state, backing off between polls up to the configured wait cap. A failed
// merge returns the error the pipeline recorded; the last status document
// seen is returned either way.
func (c *Client) WaitForMerge(ctx context.Context, mergeSessionID string) (MergeStatus, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = c.waitCap

	var last MergeStatus
	err := backoff.Retry(func() error {
		status, err := c.MergeStatus(ctx, mergeSessionID)
		if err != nil {
			if Transient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		last = status

		switch status.Status {
		case StatusCompleted:
			return nil
		case StatusFailed:
			return backoff.Permanent(mergeFailure(status))
		default:
			return fmt.Errorf("merge %s at %d%% (%s)", mergeSessionID, status.Progress, status.Status)
		}
	}, backoff.WithContext(bo, ctx))
	return last, err
}

// mergeFailure rebuilds the pipeline's recorded failure as a tagged error.
func mergeFailure(status MergeStatus) error {
	detail := status.ErrorDetail
	if detail == "" {
		detail = "merge failed"
	}
	if status.FailedStage != "" {
		return apperrors.MergeStage(status.FailedStage, apperrors.New(apperrors.KindMergeStage, detail))
	}
	kind := apperrors.KindFromCode(status.ErrorCode)
	if kind == apperrors.KindUnknown {
		kind = apperrors.KindMergeStage
	}
	return apperrors.New(kind, detail)
}
