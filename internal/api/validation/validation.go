// Package validation decodes and validates admin API input and renders failures as
// RFC 7807 problems with one entry per field.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/form/v4"
	"github.com/go-playground/validator/v10"

	"github.com/streamlane/embedhub/internal/api/response"
	"github.com/streamlane/embedhub/internal/models"
)

// Both are configured once in init and only read afterwards.
var (
	validate = validator.New()
	decoder  = form.NewDecoder()
)

// customRule is a validator tag defined here, with the message shown when it fails.
type customRule struct {
	check   func(string) bool
	message func(field string) string
}

var customRules = map[string]customRule{
	"job_type": {
		check:   func(s string) bool { return models.JobType(s).Valid() },
		message: func(f string) string { return f + " must be one of: " + joinNames(models.JobTypes) },
	},
	"job_status": {
		check:   func(s string) bool { return models.JobStatus(s).Valid() },
		message: func(f string) string { return f + " must be one of: " + joinNames(models.JobStatuses) },
	},
	"no_null_bytes": {
		check:   func(s string) bool { return !strings.ContainsRune(s, 0) },
		message: func(f string) string { return f + " must not contain NULL bytes" },
	},
}

func init() {
	validate.RegisterTagNameFunc(wireName)

	for tag, rule := range customRules {
		// A nil or non-string field passes; required/omitempty decide presence.
		err := validate.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			s, ok := stringValue(fl.Field())

			return !ok || rule.check(s)
		})
		if err != nil {
			panic(fmt.Sprintf("register %s validator: %v", tag, err))
		}
	}

	// Enum filters accept any case: ?status=running.
	registerUpperEnum[models.JobStatus](decoder)
	registerUpperEnum[models.JobType](decoder)
}

// wireName reports fields by their JSON or query name.
func wireName(f reflect.StructField) string {
	for _, tag := range []string{"json", "form"} {
		if name, _, _ := strings.Cut(f.Tag.Get(tag), ","); name != "" && name != "-" {
			return name
		}
	}

	return f.Name
}

func registerUpperEnum[T ~string](d *form.Decoder) {
	d.RegisterCustomTypeFunc(func(vals []string) (any, error) {
		if len(vals) == 0 || vals[0] == "" {
			return (*T)(nil), nil
		}

		v := T(strings.ToUpper(vals[0]))

		return &v, nil
	}, (*T)(nil))
}

func stringValue(v reflect.Value) (string, bool) {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "", false
		}

		v = v.Elem()
	}

	if v.Kind() != reflect.String {
		return "", false
	}

	return v.String(), true
}

// fieldErrors reads as one line but still unwraps to the validator errors.
type fieldErrors struct {
	message string
	errs    validator.ValidationErrors
}

func (e *fieldErrors) Error() string { return e.message }

func (e *fieldErrors) Unwrap() error { return e.errs }

// ValidateStruct runs the validate tags of s.
func ValidateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate: %w", err)
	}

	messages := make([]string, len(verrs))
	for i, fe := range verrs {
		messages[i] = fieldMessage(fe)
	}

	return &fieldErrors{message: "validation failed: " + strings.Join(messages, "; "), errs: verrs}
}

func fieldMessage(fe validator.FieldError) string {
	field, param := fe.Field(), fe.Param()

	if rule, ok := customRules[fe.Tag()]; ok {
		return rule.message(field)
	}

	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, param)
	case "uuid":
		return field + " must be a valid UUID"
	default:
		return field + " is invalid"
	}
}

// GetValidationErrorDetails lists each failing field of err; empty for other errors.
func GetValidationErrorDetails(err error) []response.ErrorDetail {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}

	details := make([]response.ErrorDetail, len(verrs))
	for i, fe := range verrs {
		details[i] = response.ErrorDetail{Location: fe.Field(), Message: fieldMessage(fe), Value: fe.Value()}
	}

	return details
}

// RespondValidationError writes a 400 problem listing each failing field.
func RespondValidationError(w http.ResponseWriter, err error) {
	p := response.NewProblem(http.StatusBadRequest, err.Error())
	p.Title = "Validation Error"
	p.Errors = GetValidationErrorDetails(err)

	response.WriteProblem(w, p)
}

// DecodeQueryParams decodes the URL query into dst.
func DecodeQueryParams(r *http.Request, dst any) error {
	if err := decoder.Decode(dst, r.URL.Query()); err != nil {
		return fmt.Errorf("failed to decode query parameters: %w", err)
	}

	return nil
}

// ValidateAndDecodeQueryParams decodes the URL query into dst and validates it.
func ValidateAndDecodeQueryParams(r *http.Request, dst any) error {
	if err := DecodeQueryParams(r, dst); err != nil {
		return err
	}

	return ValidateStruct(dst)
}

func joinNames[T ~string](values []T) string {
	names := make([]string, len(values))
	for i, v := range values {
		names[i] = string(v)
	}

	return strings.Join(names, ", ")
}
