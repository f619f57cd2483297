package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	constraintRequired = "required"
	constraintFile     = "file"
	constraintDir      = "dir"
	optionsPrefix      = "opt["
	secretMask         = "*****"
	unsetValue         = "<unset>"
)

var (
	// ErrNotStructPtr indicates a type is not a pointer to a struct.
	ErrNotStructPtr = errors.New("must be a pointer to a struct")
	// ErrRequired indicates a required variable has no value.
	ErrRequired = errors.New("required variable is not present")
	// ErrInvalidConstraint indicates an env tag with an unknown constraint.
	ErrInvalidConstraint = errors.New("invalid constraint")

	durationType = reflect.TypeOf(time.Duration(0))
)

// Secret values are masked when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secretMask
}

// Parse overlays the struct pointed by input with values of the environment.
// A field tagged `env:"KEY"` is set from KEY when KEY is not empty, then its
// constraint is checked: `required`, `file`, `dir` or `opt[a,b,'c,d']`.
// Untagged struct fields are walked recursively. Every problem is reported.
func Parse(input interface{}, envRepo env.Repository) error {
	v := reflect.ValueOf(input)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ErrNotStructPtr
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}

	return errors.Join(parseStruct(v, envRepo)...)
}

func parseStruct(v reflect.Value, envRepo env.Repository) []error {
	var errs []error

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		value := v.Field(i)

		tag, ok := field.Tag.Lookup("env")
		if !ok {
			if value.Kind() == reflect.Struct {
				errs = append(errs, parseStruct(value, envRepo)...)
			}
			continue
		}

		key, constraint := parseTag(tag)
		if raw := envRepo.Get(key); raw != "" {
			if err := setField(value, raw); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
		}
		if err := validate(value, constraint); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	return errs
}

func parseTag(tag string) (string, string) {
	key, constraint, _ := strings.Cut(tag, ",")
	return strings.TrimSpace(key), strings.TrimSpace(constraint)
}

func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert %q to %s: %w", value, field.Type(), err)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert %q to %s: %w", value, field.Type(), err)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert %q to %s: %w", value, field.Type(), err)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type())
		}
		items := reflect.MakeSlice(field.Type(), 0, 0)
		for _, item := range strings.Split(value, "|") {
			if item = strings.TrimSpace(item); item != "" {
				items = reflect.Append(items, reflect.ValueOf(item).Convert(field.Type().Elem()))
			}
		}
		field.Set(items)
	case reflect.Ptr:
		ptr := reflect.New(field.Type().Elem())
		if err := setField(ptr.Elem(), value); err != nil {
			return err
		}
		field.Set(ptr)
	default:
		return fmt.Errorf("unsupported type: %s", field.Type())
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(value)
}

func validate(field reflect.Value, constraint string) error {
	switch {
	case constraint == "":
		return nil
	case constraint == constraintRequired:
		if field.IsZero() {
			return ErrRequired
		}
		return nil
	case constraint == constraintFile, constraint == constraintDir:
		path := valueString(field)
		if path == "" {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("check path: %w", err)
		}
		if constraint == constraintDir && !info.IsDir() {
			return fmt.Errorf("not a directory: %s", path)
		}
		if constraint == constraintFile && info.IsDir() {
			return fmt.Errorf("not a file: %s", path)
		}
		return nil
	case strings.HasPrefix(constraint, optionsPrefix) && strings.HasSuffix(constraint, "]"):
		value := valueString(field)
		options := parseOptions(strings.TrimSuffix(strings.TrimPrefix(constraint, optionsPrefix), "]"))
		for _, option := range options {
			if option == value {
				return nil
			}
		}
		return fmt.Errorf("value %q is not one of %s", value, strings.Join(options, ", "))
	}
	return fmt.Errorf("%w (%s)", ErrInvalidConstraint, constraint)
}

// parseOptions splits a comma separated list. Options in single quotes may contain commas.
func parseOptions(list string) []string {
	var options []string
	var current strings.Builder
	quoted := false

	for _, r := range list {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			options = append(options, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(options, strings.TrimSpace(current.String()))
}

func valueString(v reflect.Value) string {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Slice:
		items := make([]string, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			items = append(items, fmt.Sprintf("%v", v.Index(i).Interface()))
		}
		return strings.Join(items, "|")
	}
	return fmt.Sprintf("%v", v.Interface())
}

// Print logs every field of config with its yaml key. Secrets are masked and
// zero values are shown as unset.
func Print(logger log.Logger, config interface{}) {
	v := reflect.ValueOf(config)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	logger.Infof("%s:", v.Type().Name())
	printFields(logger, v, "")
}

func printFields(logger log.Logger, v reflect.Value, prefix string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		name := field.Name
		if yamlName, _, _ := strings.Cut(field.Tag.Get("yaml"), ","); yamlName != "" && yamlName != "-" {
			name = yamlName
		} else if key, _ := parseTag(field.Tag.Get("env")); key != "" {
			name = key
		}
		name = prefix + name

		value := v.Field(i)
		if value.Kind() == reflect.Struct && value.Type() != durationType {
			printFields(logger, value, name+".")
			continue
		}

		logger.Printf("- %s: %s", name, printableValue(value))
	}
}

func printableValue(v reflect.Value) string {
	if v.IsZero() {
		return unsetValue
	}
	if s, ok := v.Interface().(Secret); ok {
		return s.String()
	}
	return valueString(v)
}
