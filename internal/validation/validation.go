// Package validation checks admin API input. Request structs declare their
// rules in binding tags, evaluated by gin's validator with the custom tags
// registered here.
package validation

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"reflect"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// MaxRequestSize caps request bodies.
const MaxRequestSize = 1 << 20

// MaxIDLength bounds profile and auth identifiers.
const MaxIDLength = 64

var (
	// identifiers we issue or accept from the auth provider
	idPattern = regexp.MustCompile(`^[A-Za-z0-9_|:.-]+$`)
	// Telegram chat ids, negative for groups
	chatIDPattern = regexp.MustCompile(`^-?[0-9]{1,20}$`)
)

const idRule = "must be 1-64 characters of letters, digits, and _|:.-"

var tagMessages = map[string]string{
	"required":   "is required",
	"identifier": idRule,
	"chatid":     "must be a numeric chat id",
	"mailbox":    "must be a valid email address",
	"max":        "exceeds maximum length",
}

func init() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	for tag, check := range map[string]func(string) bool{
		"identifier": IsValidID,
		"chatid":     IsValidChatID,
		"mailbox":    IsValidEmail,
	} {
		if err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return check(fl.Field().String())
		}); err != nil {
			panic(err)
		}
	}
}

func IsValidID(id string) bool {
	return len(id) <= MaxIDLength && idPattern.MatchString(id)
}

func IsValidChatID(id string) bool {
	return chatIDPattern.MatchString(id)
}

// IsValidEmail accepts a bare address such as "user@example.com" and
// rejects display-name forms.
func IsValidEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// SanitizeString trims s, drops NUL bytes and cuts it to maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// FieldError names one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is every rule a request broke.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Normalizer is implemented by requests that clean their fields before
// the rules run.
type Normalizer interface {
	Normalize()
}

// Bind decodes the JSON body into dst, normalizes it and checks its binding
// rules. On failure it writes the 4xx response and returns false.
func Bind(c *gin.Context, dst any) bool {
	if err := json.NewDecoder(c.Request.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large", "message": "Request body is too large"})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid JSON body"})
		return false
	}
	if n, ok := dst.(Normalizer); ok {
		n.Normalize()
	}
	if err := binding.Validator.ValidateStruct(dst); err != nil {
		errs := translate(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return false
	}
	return true
}

func translate(err error) Errors {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return Errors{{Field: "body", Message: err.Error()}}
	}
	out := make(Errors, 0, len(verrs))
	for _, fe := range verrs {
		msg, ok := tagMessages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		out = append(out, FieldError{Field: fe.Field(), Message: msg})
	}
	return out
}

// RequestSizeMiddleware caps the request body at maxSize bytes.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IDParamMiddleware rejects malformed :id URL parameters early.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id " + idRule,
			})
			return
		}
		c.Next()
	}
}
