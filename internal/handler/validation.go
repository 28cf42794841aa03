package handler

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// formatValidationErrors maps each failed field to its rule, or returns nil
// when err is not a validation error.
func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		errs := make(map[string]string)
		for _, e := range validationErrors {
			errs[e.Field()] = e.Tag()
		}
		return errs
	}
	return nil
}

// validationDetail renders validator errors as one line, e.g.
// "season_number failed min=0".
func validationDetail(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}
	parts := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		rule := e.Tag()
		if e.Param() != "" {
			rule += "=" + e.Param()
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", e.Field(), rule))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
