package validator

import (
	"errors"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// severityLevels are the accepted values for security flag severity.
var severityLevels = map[string]bool{
	"low":      true,
	"medium":   true,
	"high":     true,
	"critical": true,
}

var (
	// instance is the shared validator used outside Gin binding, most
	// importantly by the realtime hub for WebSocket payloads.
	instance *govalidator.Validate

	// trans is the singleton English translator for validation errors.
	trans ut.Translator
)

// Setup configures validation for the whole service: Gin's binding
// engine and the shared instance get the same tag naming, translations
// and custom rules. Call once during application startup.
func Setup() {
	instance = govalidator.New()
	configure(instance)

	if v, ok := binding.Validator.Engine().(*govalidator.Validate); ok {
		configure(v)
	}
}

// Instance returns the shared validator. Setup must have run first;
// callers that may run before Setup (tests) get a fresh configured one.
func Instance() *govalidator.Validate {
	if instance == nil {
		Setup()
	}
	return instance
}

func configure(v *govalidator.Validate) {
	// Use JSON tag name for field names in error messages, so protocol
	// errors reference the camelCase names clients actually sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("severity", func(fl govalidator.FieldLevel) bool {
		return severityLevels[fl.Field().String()]
	})

	// Register English translations.
	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	trans, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(v, trans)
}

// TranslateErrors takes a validation error and returns a map of field
// name to human-readable error message. If the error is not a
// validation error, it returns a single-key map with "detail".
func TranslateErrors(err error) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			fields[fe.Field()] = fe.Translate(trans)
		}
		return fields
	}

	// Not a validation error (e.g., JSON syntax error).
	fields["detail"] = err.Error()
	return fields
}
