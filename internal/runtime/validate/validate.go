// Package validate checks ingest envelopes at two levels of strictness.
//
// Shallow runs at intake before a message is queued and only looks at the
// envelope shape. Deep runs after dequeue, right before persistence, and
// checks everything a Record needs.
package validate

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	errspkg "github.com/drblury/gpsflow/internal/runtime/errors"
	"github.com/drblury/gpsflow/internal/runtime/gps"
)

var (
	shallow, deep *validator.Validate
	initOnce      sync.Once
)

func validators() (*validator.Validate, *validator.Validate) {
	initOnce.Do(func() {
		shallow = newValidator("intake")
		deep = newValidator("validate")
	})
	return shallow, deep
}

func newValidator(tagName string) *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.SetTagName(tagName)
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	mustRegister(v, "notblank", notBlank)
	mustRegister(v, "finite", finite)
	mustRegister(v, "localdatetime", localDateTime)
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("gpsflow: register %s validation: %v", tag, err))
	}
}

// Shallow rejects envelopes without a publisher id or without a sample.
func Shallow(env *gps.IngestEnvelope) error {
	v, _ := validators()
	return check(v, "validate.shallow", env)
}

// Deep rejects envelopes that cannot become a Record: blank publisher id,
// missing sample or coordinates, non-finite numbers, or a timestamp that is
// not a local date-time. Height may be absent.
func Deep(env *gps.IngestEnvelope) error {
	_, v := validators()
	return check(v, "validate.deep", env)
}

func check(v *validator.Validate, op string, env *gps.IngestEnvelope) error {
	if env == nil {
		return errspkg.InvalidInput(op, errors.New("envelope is required"))
	}
	err := v.Struct(env)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errspkg.InvalidInput(op, err)
	}
	problems := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, errors.New(translate(fe)))
	}
	return errspkg.InvalidInput(op, errors.Join(problems...))
}

var messages = map[string]string{
	"required":      "%s is required",
	"notblank":      "%s must not be blank",
	"finite":        "%s must be a finite number",
	"localdatetime": "%s must be a local date-time like 2023-10-27T10:15:30",
}

func translate(fe validator.FieldError) string {
	field := fieldPath(fe.Namespace())
	if tmpl, ok := messages[fe.Tag()]; ok {
		return fmt.Sprintf(tmpl, field)
	}
	if fe.Tag() == "max" {
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func notBlank(fl validator.FieldLevel) bool {
	field := fl.Field()
	if field.Kind() != reflect.String {
		return !field.IsZero()
	}
	return strings.TrimSpace(field.String()) != ""
}

func finite(fl validator.FieldLevel) bool {
	field := fl.Field()
	switch field.Kind() {
	case reflect.Float32, reflect.Float64:
		f := field.Float()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	default:
		return false
	}
}

func localDateTime(fl validator.FieldLevel) bool {
	_, err := gps.ParseLocalTime(fl.Field().String())
	return err == nil
}
