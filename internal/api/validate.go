package api

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// dtmfRe matches collected keypad input.
var dtmfRe = regexp.MustCompile(`^[0-9*#]*$`)

// validate checks webhook and operator payloads. Field names in messages
// come from the `field` tag so they match what the platform sent.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("field"); name != "" {
			return name
		}
		if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" && name != "-" {
			return name
		}
		return f.Name
	})
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("dtmf", func(fl validator.FieldLevel) bool {
		return dtmfRe.MatchString(fl.Field().String())
	})
	return v
}

// validationMessage describes the first failing field. Messages never echo
// the submitted value.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return field + " is required"
	case "max":
		return field + " exceeds maximum length"
	case "oneof":
		return field + " must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "dtmf":
		return field + " must contain only digits, * and #"
	case "gt", "gte", "lte":
		return field + " is out of range"
	case "url":
		return field + " is not a valid url"
	case "printascii":
		return field + " contains invalid characters"
	}
	return field + " is invalid"
}
