package mirror

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// EnvPrefix prefixes the environment variables read by ApplyEnvironmentVariables.
const EnvPrefix = "CRATEMIRROR_"

var durationType = reflect.TypeOf(Duration{})

// ApplyEnvironmentVariables overrides configuration values from the
// environment. Variable names are EnvPrefix followed by the upper-cased TOML
// key path joined with "_", e.g. CRATEMIRROR_MAX_CONNS or CRATEMIRROR_LOG_LEVEL.
// Empty variables are ignored. Tables keyed by user-defined names, such as
// sources, cannot be set this way.
func (c *Config) ApplyEnvironmentVariables() error {
	return applyEnv(reflect.ValueOf(c).Elem(), EnvPrefix)
}

func applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag, _, _ := strings.Cut(sf.Tag.Get("toml"), ",")
		if tag == "" || tag == "-" {
			continue
		}
		name := prefix + strings.ToUpper(tag)
		field := v.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != durationType {
			if err := applyEnv(field, name+"_"); err != nil {
				return err
			}
			continue
		}
		if err := setFieldFromEnv(field, name); err != nil {
			return err
		}
	}
	return nil
}

// setFieldFromEnv sets field from the environment variable envVar if it is
// set and not empty.
func setFieldFromEnv(field reflect.Value, envVar string) error {
	value, ok := os.LookupEnv(envVar)
	if !ok || value == "" {
		return nil
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(err, "%s", envVar)
		}
		field.Set(reflect.ValueOf(Duration{d}))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(err, "%s", envVar)
		}
		field.SetInt(int64(n))
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "%s", envVar)
		}
		field.SetBool(b)
	case reflect.Map:
		// not settable from a single variable
	default:
		return errors.Newf("%s: unsupported field type %s", envVar, field.Type())
	}
	return nil
}
