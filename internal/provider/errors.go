package provider

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"google.golang.org/genai"
)

// ProviderError means the generation call itself failed.
type ProviderError struct {
	Provider  string
	Message   string
	Permanent bool // the same request will not succeed when retried
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// StorageError means the vendor produced an image but persisting it failed.
// Cost is what the vendor charged regardless.
type StorageError struct {
	Provider string
	Cost     float64
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: storing generated image failed: %v", e.Provider, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConfigurationError reports a requested provider that cannot be used. The
// registry recovers by falling back to the placeholder.
type ConfigurationError struct {
	Requested string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %q unavailable (%s), using %s", e.Requested, e.Reason, NamePlaceholder)
}

// CostOf returns the cost incurred by a failed Generate call.
func CostOf(err error) float64 {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Cost
	}
	return 0
}

// newProviderError wraps a vendor error, flagging rejections that a retry
// will not fix.
func newProviderError(provider string, err error) *ProviderError {
	permanent := isPermanent(err.Error())
	if code := httpStatusOf(err); code != 0 {
		permanent = permanent || code == http.StatusBadRequest
	}
	return &ProviderError{
		Provider:  provider,
		Message:   err.Error(),
		Permanent: permanent,
		Err:       err,
	}
}

// httpStatusOf extracts the HTTP status carried by the vendor SDK errors, or 0.
func httpStatusOf(err error) int {
	var arkAPI *model.APIError
	if errors.As(err, &arkAPI) {
		return arkAPI.HTTPStatusCode
	}
	var arkReq *model.RequestError
	if errors.As(err, &arkReq) {
		return arkReq.HTTPStatusCode
	}
	var gv genai.APIError
	if errors.As(err, &gv) {
		return gv.Code
	}
	var gp *genai.APIError
	if errors.As(err, &gp) && gp != nil {
		return gp.Code
	}
	return 0
}

// badRequest matches a 400 status as the SDKs and HTTP stacks print it, not
// any "400" inside a message.
var badRequest = regexp.MustCompile(`(?i)((status|error|http)( code)?[:= ]*400\b|\b400 bad request\b)`)

func isPermanent(msg string) bool {
	upper := strings.ToUpper(msg)
	return strings.Contains(upper, "INVALID") ||
		strings.Contains(upper, "SAFETY") ||
		strings.Contains(upper, "POLICY") ||
		badRequest.MatchString(msg)
}
