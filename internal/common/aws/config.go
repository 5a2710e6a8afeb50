// internal/common/aws/config.go
package aws

import (
	"context"
	"errors"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/smithy-go"
)

// LoadConfig resolves credentials from the default chain for region.
func LoadConfig(ctx context.Context, region string) (awssdk.Config, error) {
	return config.LoadDefaultConfig(ctx, config.WithRegion(region))
}

// permanentCodes are provider rejections that no retry will fix.
var permanentCodes = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"ConfigurationSetDoesNotExist":       true,
	"InvalidParameter":                   true,
	"InvalidParameterValue":              true,
	"InvalidParameterException":          true,
	"EndpointDisabled":                   true,
	"EndpointDisabledException":          true,
	"NotFound":                           true,
	"NotFoundException":                  true,
	"OptedOut":                           true,
	"AuthorizationError":                 true,
	"AuthorizationErrorException":        true,
	"ValidationException":                true,
}

// IsPermanent reports whether err is an AWS API error whose code marks the
// request itself as undeliverable. Throttling, 5xx and network errors are not.
func IsPermanent(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if permanentCodes[apiErr.ErrorCode()] {
		return true
	}
	return apiErr.ErrorFault() == smithy.FaultClient && !isThrottle(apiErr.ErrorCode())
}

// ErrorCode returns the AWS error code of err, or "".
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isThrottle(code string) bool {
	switch code {
	case "Throttling", "ThrottlingException", "ThrottledException", "TooManyRequestsException",
		"RequestLimitExceeded", "KMSThrottlingException", "LimitExceeded", "LimitExceededException":
		return true
	}
	return false
}
