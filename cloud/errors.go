package cloud

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("resource not found")
	ErrDiskTierUnsupported = errors.New("disk tier not supported")
	ErrNoMachineID         = errors.New("no machine id in response")
	ErrNoImageID           = errors.New("no image id in response")
)

// APIError is a failed provider call, with the exit status and the raw output
// kept for diagnostics.
type APIError struct {
	Operation  string
	ExitStatus int
	Output     string
	// Kind is one of the sentinel errors when the failure was classified.
	Kind error
}

const maxOutputPreview = 500

func (e *APIError) Error() string {
	output := strings.TrimSpace(e.Output)
	if len(output) > maxOutputPreview {
		output = output[:maxOutputPreview] + "..."
	}
	if output == "" {
		return fmt.Sprintf("%s failed with exit status %d", e.Operation, e.ExitStatus)
	}
	return fmt.Sprintf("%s failed with exit status %d: %s", e.Operation, e.ExitStatus, output)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

// Output signatures of a rejected disk tier.
var diskTierSignatures = []string{"InvalidSystemDiskCategory", "not support"}

// Output signatures of a missing resource.
var notFoundSignatures = []string{
	"InvalidInstanceId.NotFound",
	"InvalidImageId.NotFound",
	"Instance.NotFound",
	"InvalidInstanceId.NotExist",
	"InvalidImageId.NotExist",
	"ResourceNotFound",
}

// Classify returns the sentinel matching a provider failure output, or nil.
func Classify(output string) error {
	for _, signature := range notFoundSignatures {
		if strings.Contains(output, signature) {
			return ErrNotFound
		}
	}
	lower := strings.ToLower(output)
	for _, signature := range diskTierSignatures {
		if strings.Contains(lower, strings.ToLower(signature)) {
			return ErrDiskTierUnsupported
		}
	}
	return nil
}

// NewAPIError builds an APIError and classifies its output.
func NewAPIError(operation string, exitStatus int, output string) *APIError {
	return &APIError{
		Operation:  operation,
		ExitStatus: exitStatus,
		Output:     output,
		Kind:       Classify(output),
	}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsDiskTierUnsupported(err error) bool {
	return errors.Is(err, ErrDiskTierUnsupported)
}
