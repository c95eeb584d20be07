package payment

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// APIError is a non-2xx response from the payment gateway.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payment gateway error (%d): %s", e.Status, e.Message)
}

func parseAPIError(resp *http.Response) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Status: resp.StatusCode, Message: resp.Status}
	}

	apiErr := APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(bodyBytes, &apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = string(bodyBytes)
	}
	apiErr.Status = resp.StatusCode

	return &apiErr
}
