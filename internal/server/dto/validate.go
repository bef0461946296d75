package dto

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validatable is implemented by request types that can validate their fields.
type Validatable interface {
	Validate() error
}

// EmptyReq is used for endpoints that take no request body.
type EmptyReq struct{}

// Validate is a no-op for empty requests.
func (EmptyReq) Validate() error { return nil }

var (
	eventIDRe   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	projectIDRe = regexp.MustCompile(`^[^/]+/[^/]+$`)
	taskIDRe    = regexp.MustCompile(`^\d+(\.\d+)*$`)

	// dangerousChars are rejected in free-text fields to keep injection
	// vectors out of prompts, branch names and shell-adjacent surfaces.
	dangerousChars = "<>\"'&;|`"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	must(v.RegisterValidation("event_id", func(fl validator.FieldLevel) bool {
		return eventIDRe.MatchString(fl.Field().String())
	}))
	must(v.RegisterValidation("project_id", func(fl validator.FieldLevel) bool {
		return projectIDRe.MatchString(fl.Field().String())
	}))
	must(v.RegisterValidation("task_id", func(fl validator.FieldLevel) bool {
		return taskIDRe.MatchString(fl.Field().String())
	}))
	must(v.RegisterValidation("safe_text", func(fl validator.FieldLevel) bool {
		return !strings.ContainsAny(fl.Field().String(), dangerousChars)
	}))
	return v
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// check runs struct validation and converts the first violation into a 422.
func check(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return Validation(err.Error())
	}
	fe := verrs[0]
	return Validation(violationMessage(fe)).WithDetail("field", fe.Namespace())
}

func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "event_id":
		return fmt.Sprintf("%s must match [A-Za-z0-9_-]+", fe.Field())
	case "project_id":
		return fmt.Sprintf("%s must be of the form owner/repo", fe.Field())
	case "task_id":
		return fmt.Sprintf("%s must be a dotted numeric identifier", fe.Field())
	case "safe_text":
		return fmt.Sprintf("%s contains forbidden characters", fe.Field())
	case "max":
		return fmt.Sprintf("%s exceeds the maximum length", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
