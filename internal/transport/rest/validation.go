package rest

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report json names in error meta
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("device_id", func(fl validator.FieldLevel) bool {
		return domain.ValidDeviceID(fl.Field().String())
	})
	_ = v.RegisterValidation("identity_key", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseIdentityKey(fl.Field().String())
		return err == nil
	})
	return v
}

// validationMeta turns validator errors into {"field": "reason"} for the error envelope.
func validationMeta(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	meta := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		meta[fe.Field()] = formatFieldError(fe)
	}
	return meta
}

func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "uuid":
		return "must be a valid uuid"
	case "device_id":
		return "must be 1-128 chars of [A-Za-z0-9_-]"
	case "identity_key":
		return "must be device:<id> or account:<uuid>"
	default:
		return "is invalid"
	}
}
