package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/alloybot/alloy/pkg/models"
)

// Sentinel errors surfaced by the executor.
var (
	// ErrBusy is returned when the admission semaphore cannot be
	// acquired within the grace window.
	ErrBusy = errors.New("executor busy: too many concurrent requests")

	// ErrMaxIterations fires when the model keeps requesting tools
	// even after the limit notification round.
	ErrMaxIterations = errors.New("maximum loop iterations reached")
)

// Classify maps a raw failure onto a normalized error code by substring
// inspection, mirroring how upstream providers phrase their errors.
func Classify(err error) models.ErrorCode {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrCodeTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429"):
		return models.ErrCodeRateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline"):
		return models.ErrCodeTimeout
	case strings.Contains(msg, "context length") || strings.Contains(msg, "context_length") || strings.Contains(msg, "prompt is too long") || strings.Contains(msg, "maximum context"):
		return models.ErrCodeContextTooLong
	case strings.Contains(msg, "tool"):
		return models.ErrCodeToolError
	default:
		return models.ErrCodeUnknown
	}
}

// ErrorMessageResolver turns an error code and raw message into the
// user-facing text carried on AgentResult.
type ErrorMessageResolver interface {
	Resolve(code models.ErrorCode, raw string) string
}

// DefaultResolver maps codes to stable phrases and falls back to the
// raw message for codes without one.
type DefaultResolver struct{}

func (DefaultResolver) Resolve(code models.ErrorCode, raw string) string {
	switch code {
	case models.ErrCodeRateLimited:
		return "The service is receiving too many requests. Please try again shortly."
	case models.ErrCodeTimeout:
		return "The request took too long and was aborted."
	case models.ErrCodeContextTooLong:
		return "The conversation is too long for the model. Start a new session or shorten the request."
	case models.ErrCodeToolError:
		return "A tool failed while handling the request: " + raw
	default:
		return raw
	}
}

// ResolverFunc adapts a function to ErrorMessageResolver.
type ResolverFunc func(code models.ErrorCode, raw string) string

func (f ResolverFunc) Resolve(code models.ErrorCode, raw string) string { return f(code, raw) }
