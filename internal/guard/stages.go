package guard

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/alloybot/alloy/internal/ratelimit"
)

// Default stage ordering. User-supplied stages slot anywhere.
const (
	OrderRateLimit       = 10
	OrderInputValidation = 20
	OrderInjection       = 30
)

// RateLimitStage rejects users that exceed the sliding per-minute or
// per-hour budget. Requests without a user ID are not limited.
type RateLimitStage struct {
	limiter *ratelimit.Limiter
}

// NewRateLimitStage wraps an existing limiter so callers can share it
// with other entry points.
func NewRateLimitStage(limiter *ratelimit.Limiter) *RateLimitStage {
	return &RateLimitStage{limiter: limiter}
}

func (s *RateLimitStage) Name() string { return "rate_limit" }
func (s *RateLimitStage) Order() int   { return OrderRateLimit }

func (s *RateLimitStage) Check(ctx context.Context, cmd Command) Result {
	if cmd.UserID == "" {
		return Allowed
	}
	res := s.limiter.Allow(cmd.UserID)
	if res.Allowed {
		return Allowed
	}
	return Rejected(s.Name(),
		fmt.Sprintf("rate limit exceeded: too many requests per %s", res.Window),
		CategoryRateLimited)
}

// InputValidationStage bounds the trimmed prompt length.
type InputValidationStage struct {
	minLength int
	maxLength int
}

func NewInputValidationStage(minLength, maxLength int) *InputValidationStage {
	return &InputValidationStage{minLength: minLength, maxLength: maxLength}
}

func (s *InputValidationStage) Name() string { return "input_validation" }
func (s *InputValidationStage) Order() int   { return OrderInputValidation }

func (s *InputValidationStage) Check(ctx context.Context, cmd Command) Result {
	length := utf8.RuneCountInString(strings.TrimSpace(cmd.Text))
	if length < s.minLength {
		return Rejected(s.Name(),
			fmt.Sprintf("input too short: %d characters, minimum %d", length, s.minLength),
			CategoryInvalidInput)
	}
	if s.maxLength > 0 && length > s.maxLength {
		return Rejected(s.Name(),
			fmt.Sprintf("input too long: %d characters, maximum %d", length, s.maxLength),
			CategoryInvalidInput)
	}
	return Allowed
}

// injectionPatterns match known prompt injection phrasings. They operate
// on phrases, not bare keywords, so ordinary questions that mention a
// "role" or "system" do not trip them.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(ignore|forget|disregard)\s+(all\s+)?(your\s+|the\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)\byou\s+are\s+now\b`),
	regexp.MustCompile(`(?i)\bact\s+as\s+(a\s+|an\s+)?(?:dan|jailbreak|unrestricted|root|admin|system)`),
	regexp.MustCompile(`(?i)\bpretend\s+(you'?re|you\s+are|to\s+be)\b`),
	regexp.MustCompile(`(?i)\bfrom\s+now\s+on\b`),
	regexp.MustCompile(`(?i)\[\s*system\s*\]|<\s*system\s*>|###\s*system`),
	regexp.MustCompile(`(?i)\bnew\s+instructions?\s*:`),
	regexp.MustCompile(`(?i)\b(decode|execute|run)\s+(this\s+|the\s+)?base64\b`),
	regexp.MustCompile(`(?i)\breveal\s+(your\s+)?(system\s+prompt|instructions)`),
	regexp.MustCompile(`(?i)\boverride\s+(your\s+)?(safety|instructions|rules)`),
}

// InjectionStage rejects prompts matching a fixed injection pattern set.
type InjectionStage struct{}

func NewInjectionStage() *InjectionStage { return &InjectionStage{} }

func (s *InjectionStage) Name() string { return "injection_detection" }
func (s *InjectionStage) Order() int   { return OrderInjection }

func (s *InjectionStage) Check(ctx context.Context, cmd Command) Result {
	for _, re := range injectionPatterns {
		if match := re.FindString(cmd.Text); match != "" {
			return Rejected(s.Name(),
				fmt.Sprintf("potential prompt injection detected: %q", match),
				CategoryPromptInjection)
		}
	}
	return Allowed
}
