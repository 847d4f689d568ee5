package config

import (
	"encoding"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/golobby/cast"
)

// EnvPrefix is prepended to every `env` tag when looking up overrides.
const EnvPrefix = "BOTKEEPER"

// applyDefaults fills zero-valued fields of a struct from their `default` tags.
func applyDefaults(target any) error {
	return walkFields(target, func(field reflect.Value, sf reflect.StructField) error {
		def, ok := sf.Tag.Lookup("default")
		if !ok || !field.IsZero() {
			return nil
		}
		if err := setFieldValue(field, def); err != nil {
			return fmt.Errorf("default for %s: %w", sf.Name, err)
		}
		return nil
	})
}

// applyEnv overrides fields from BOTKEEPER_<TAG> environment variables.
func applyEnv(target any) error {
	return walkFields(target, func(field reflect.Value, sf reflect.StructField) error {
		tag := sf.Tag.Get("env")
		if tag == "" {
			return nil
		}
		name := EnvPrefix + "_" + strings.ToUpper(tag)
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			return nil
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
		return nil
	})
}

func walkFields(target any, fn func(reflect.Value, reflect.StructField) error) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: expected pointer to struct, got %T", ErrFieldNotSettable, target)
	}
	v = v.Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if err := fn(v.Field(i), t.Field(i)); err != nil {
			return err
		}
	}
	return nil
}

// setFieldValue converts and sets a field value. Types that know how to parse
// themselves (Duration) are handed the raw text.
func setFieldValue(field reflect.Value, strValue string) error {
	if !field.CanSet() {
		return ErrFieldNotSettable
	}
	if u, ok := field.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText([]byte(strValue))
	}

	converted, err := cast.FromType(strValue, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert value to type %v: %w", field.Type(), err)
	}
	field.Set(reflect.ValueOf(converted).Convert(field.Type()))
	return nil
}
