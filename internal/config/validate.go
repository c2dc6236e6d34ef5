package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ValidationError is one rejected setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

var validate = newValidate()

// newValidate reports fields by their TOML names so messages match the
// keys users write.
func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validator collects every configuration problem so they can be reported
// at once. Field rules come from `validate` struct tags; rules that span
// several settings are added with Var and AddError.
type Validator struct {
	errors []ValidationError
}

func NewValidator() *Validator {
	return &Validator{errors: make([]ValidationError, 0)}
}

func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

func (v *Validator) HasErrors() bool { return len(v.errors) > 0 }

func (v *Validator) Errors() []ValidationError { return v.errors }

// Struct checks the validate tags of s.
func (v *Validator) Struct(s any) {
	v.collect("", validate.Struct(s))
}

// Var checks a single value against tag and files failures under key.
func (v *Validator) Var(key string, value any, tag string) {
	v.collect(key, validate.Var(value, tag))
}

func (v *Validator) collect(key string, err error) {
	if err == nil {
		return
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.AddError(key, err.Error())
		return
	}
	for _, fe := range fieldErrs {
		field := key
		if field == "" {
			// Namespace is "Config.server.addr"; drop the type name.
			_, field, _ = strings.Cut(fe.Namespace(), ".")
		}
		v.AddError(field, message(fe))
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return "required setting not set"
	case "oneof":
		return fmt.Sprintf("must be one of: %s (got: %v)", strings.ReplaceAll(fe.Param(), " ", ", "), fe.Value())
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at least %s characters long", fe.Param())
		}
		return "must be at least " + fe.Param()
	case "gt":
		if fe.Type() == durationType {
			return "must be a positive duration"
		}
		return "must be a positive integer"
	case "gte":
		return "must not be negative"
	case "lte":
		return "must not exceed " + fe.Param()
	case "hostname_port":
		return "must be host:port or :port"
	case "http_url":
		return "must be an http or https URL"
	case "cidr|ip":
		return fmt.Sprintf("must be an IP address or CIDR (got: %v)", fe.Value())
	}
	return fmt.Sprintf("failed %q check", fe.Tag())
}

// ErrorString formats all errors as a numbered list.
func (v *Validator) ErrorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Err returns nil or an error carrying ErrorString.
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return errors.New(strings.TrimSuffix(v.ErrorString(), "\n"))
}
