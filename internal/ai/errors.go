package ai

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

// HTTPError is a non-2xx answer from a provider endpoint.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s request failed: %d %s: %s", e.Provider, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Temporary reports throttling and server side failures.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout || e.StatusCode >= 500
}

// WrapGenAIError turns a genai API error into an HTTPError so that callers
// can classify it like any other provider answer.
func WrapGenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return genaiHTTPError(apiErr, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return genaiHTTPError(*apiErrPtr, err)
	}
	return err
}

func genaiHTTPError(apiErr genai.APIError, err error) error {
	if apiErr.Code == 0 {
		return err
	}
	return &HTTPError{Provider: "gemini", StatusCode: apiErr.Code, Body: err.Error()}
}
