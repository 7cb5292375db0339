package s3store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/server/storage"
)

// classify maps SDK errors onto the storage error classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return storage.ClassifyGeneric(err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchUpload", "NoSuchBucket":
			return fmt.Errorf("%w: %w: %w", common.ErrPermanent, common.ErrorNotFound, err)
		case "InvalidRange":
			return storage.Permanent(fmt.Errorf("%w: %w", common.ErrRangeNotSatisfiable, err))
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable",
			"Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequests":
			return storage.Transient(err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"InvalidArgument", "InvalidPart", "InvalidPartOrder", "EntityTooSmall", "EntityTooLarge":
			return storage.Permanent(err)
		}
	}

	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		if c := storage.ClassifyStatus(withStatus.HTTPStatusCode(), err); c != nil {
			return c
		}
	}

	if c := storage.ClassifyGeneric(err); c != nil {
		return c
	}
	return storage.Permanent(err)
}
