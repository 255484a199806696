// Package validator wires go-playground/validator into gin binding and turns
// its errors into field → message maps.
package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

type Validator struct {
	trans ut.Translator
}

var (
	once     sync.Once
	instance *Validator
)

// New configures gin's validator engine once per process and returns the
// shared translator wrapper.
func New() *Validator {
	once.Do(func() {
		instance = &Validator{}
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		locale := en.New()
		uni := ut.New(locale, locale)
		instance.trans, _ = uni.GetTranslator("en")
		_ = en_translations.RegisterDefaultTranslations(v, instance.trans)
	})
	return instance
}

// ParseError converts binding errors into a map keyed by the JSON path of
// the offending field, without the root struct name.
func (v *Validator) ParseError(err error) map[string]string {
	out := make(map[string]string)

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out["body"] = "invalid request body"
		return out
	}

	for _, e := range verrs {
		ns := e.Namespace()
		if i := strings.Index(ns, "."); i != -1 {
			ns = ns[i+1:]
		}

		msg := e.Error()
		if v.trans != nil {
			msg = e.Translate(v.trans)
		}
		if e.Tag() == "oneof" {
			msg = fmt.Sprintf("must be one of [%s]", strings.ReplaceAll(e.Param(), " ", ", "))
		}
		out[ns] = msg
	}
	return out
}
