// Package validation provides input validation helpers and middleware for
// the Suraksha API.
package validation

import (
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize bounds request bodies (1MB).
const MaxRequestSize = 1 << 20

// MaxChallengeLength bounds PIN and CAPTCHA strings.
const MaxChallengeLength = 64

var (
	// sessionIDRegex accepts opaque client-chosen ids and uuids
	sessionIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	// challengeRegex accepts printable ASCII without quotes or separators
	challengeRegex = regexp.MustCompile(`^[A-Za-z0-9]*$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSessionID checks a login-session or challenge id.
func IsValidSessionID(id string) bool {
	return sessionIDRegex.MatchString(id)
}

// IsValidChallenge checks a PIN or CAPTCHA string.
func IsValidChallenge(s string) bool {
	return len(s) <= MaxChallengeLength && challengeRegex.MatchString(s)
}

// SanitizeString trims s, cuts it to maxLen bytes and drops NULs. Free-text
// fields end up in dataset rows and backend payloads.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []ValidationError

// Error reports the first failure only.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// OneOf checks that a field takes one of the allowed values.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		if slices.Contains(allowed, value) {
			return nil
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// ValidChallenge checks a challenge string.
func ValidChallenge(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidChallenge(value) {
			return &ValidationError{Field: field, Message: "must be alphanumeric and at most 64 characters"}
		}
		return nil
	}
}

// SessionParamMiddleware rejects malformed :id URL parameters early.
func SessionParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidSessionID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must be 1-64 letters, digits, '-' or '_'",
			})
			return
		}
		c.Next()
	}
}
