package saga

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// nomes de campo como aparecem no JSON
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// maxAmountScale: valores monetários com no máximo 2 casas decimais.
const maxAmountScale = 2

// Validate confere o pedido sem chamar nenhuma dependência.
// Devolve *ValidationError (errors.Is(err, ErrValidation)).
func (r TransferRequest) Validate() error {
	var fields []FieldError

	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &ValidationError{Fields: []FieldError{{Field: "request", Reason: err.Error()}}}
		}
		for _, fe := range verrs {
			fields = append(fields, FieldError{Field: fe.Field(), Reason: reasonFor(fe)})
		}
	}

	switch {
	case !r.Amount.IsPositive():
		fields = append(fields, FieldError{Field: "amount", Reason: "must be greater than zero"})
	case r.Amount.Exponent() < -maxAmountScale && !r.Amount.Equal(r.Amount.Round(maxAmountScale)):
		fields = append(fields, FieldError{Field: "amount", Reason: "must have at most 2 decimal places"})
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must have at most " + fe.Param() + " characters"
	case "nefield":
		return "must differ from the source account"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
