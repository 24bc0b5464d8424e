package model

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// NewValidator returns a validator instance with the domain-specific
// "futuredate" rule registered (startDate must lie in the future at
// validation time).
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("futuredate", futureDate)
	return v
}

func futureDate(fl validator.FieldLevel) bool {
	field := fl.Field()
	t, ok := field.Interface().(time.Time)
	if !ok {
		return true
	}
	return t.After(time.Now())
}
