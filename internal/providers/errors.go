package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Error is returned by every adapter for HTTP and transport failures.
// StatusCode 0 means the request never produced a response.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func NewStatusError(provider string, status int, message string) *Error {
	return &Error{
		Provider:   provider,
		StatusCode: status,
		Message:    message,
		Retryable:  status == http.StatusTooManyRequests || status >= 500,
	}
}

func NewTransportError(provider string, err error) *Error {
	return &Error{Provider: provider, Err: err, Retryable: !errors.Is(err, context.Canceled)}
}

// NoRetry marks an *Error as final. Adapters apply it once text has reached the stream callback.
func NoRetry(err error) error {
	var perr *Error
	if errors.As(err, &perr) && perr.Retryable {
		cp := *perr
		cp.Retryable = false
		return &cp
	}
	return err
}

// ErrorFromResponse reads a bounded part of a failed response body and extracts the vendor message.
func ErrorFromResponse(provider string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return NewStatusError(provider, resp.StatusCode, VendorMessage(body))
}

// VendorMessage pulls a human readable message out of the error payload shapes vendors use.
func VendorMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
		if msg := messageFrom(payload["error"]); msg != "" {
			return msg
		}
		for _, key := range []string{"message", "detail", "error_description"} {
			if msg := messageFrom(payload[key]); msg != "" {
				return msg
			}
		}
	}
	// Gemini wraps errors in a single element array.
	var list []map[string]any
	if err := json.Unmarshal([]byte(trimmed), &list); err == nil && len(list) > 0 {
		if msg := messageFrom(list[0]["error"]); msg != "" {
			return msg
		}
	}

	return truncate(trimmed, 512)
}

func messageFrom(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		if msg, ok := t["message"].(string); ok {
			return strings.TrimSpace(msg)
		}
		if typ, ok := t["type"].(string); ok {
			return strings.TrimSpace(typ)
		}
	case []any:
		if len(t) > 0 {
			return messageFrom(t[0])
		}
	}
	return ""
}

// UserMessage renders any adapter error as the text shown in place of an assistant reply.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "Request canceled."
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "The provider did not answer in time."
	}

	var perr *Error
	if !errors.As(err, &perr) {
		return "Provider error: " + err.Error()
	}

	switch code := perr.StatusCode; {
	case code == 0:
		cause := perr.Message
		if perr.Err != nil {
			cause = perr.Err.Error()
		}
		return "Could not reach the provider: " + cause
	case code == http.StatusBadRequest:
		return withDetail("The provider rejected the request", perr.Message)
	case code == http.StatusUnauthorized:
		return "Authentication failed. Check the API key of this model."
	case code == http.StatusForbidden:
		return withDetail("Access denied by the provider", perr.Message)
	case code == http.StatusNotFound:
		return "Model or endpoint not found. Check the model name and base URL."
	case code == http.StatusRequestEntityTooLarge:
		return "The conversation is too long for this model."
	case code == http.StatusTooManyRequests:
		return "Rate limit or quota exceeded. Please wait and try again."
	case code >= 500:
		return fmt.Sprintf("The provider is temporarily unavailable (HTTP %d).", code)
	default:
		return withDetail(fmt.Sprintf("Provider error (HTTP %d)", code), perr.Message)
	}
}

func withDetail(prefix, detail string) string {
	if strings.TrimSpace(detail) == "" {
		return prefix + "."
	}
	return prefix + ": " + detail
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
