// Package parameters handles configuration strings like "win=500,loss=-500,team_aware", used to
// override reward coefficients and model hyperparameters from the command line.
//
// Values are parsed on demand with GetParamOr and PopParamOr. Once a component consumed its
// parameters, CheckConsumed reports the ones nobody used, which are usually typos.
package parameters

import (
	"github.com/Gladiatorsarius/PVP-KI/internal/generics"
	"github.com/pkg/errors"
	"strconv"
	"strings"
)

// Params represent generic configuration parameters.
type Params map[string]string

// Value types supported by GetParamOr and PopParamOr.
type Value interface {
	bool | int | float32 | float64 | string
}

// NewFromConfigString create params from user's configuration string.
// Empty entries (e.g. a trailing comma) are skipped.
func NewFromConfigString(config string) Params {
	params := make(Params)
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=") // Values may contain '='.
		params[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return params
}

// String returns the params back in the configuration string format, with sorted keys.
func (params Params) String() string {
	parts := make([]string, 0, len(params))
	for key, value := range generics.SortedKeysAndValues(params) {
		if value == "" {
			parts = append(parts, key)
		} else {
			parts = append(parts, key+"="+value)
		}
	}
	return strings.Join(parts, ",")
}

// CheckConsumed returns an error listing any parameters left in params.
// Use it after all the parameters of a component have been popped.
func CheckConsumed(params Params, component string) error {
	if len(params) == 0 {
		return nil
	}
	return errors.Errorf("unknown parameters for %s: %q", component, params.String())
}

// PopParamOr is like GetParamOr, but it also deletes from the params map the retrieved parameter.
func PopParamOr[T Value](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

// GetParamOr attempts to parse a parameter to the given type if the key is present, or returns the defaultValue
// if not.
//
// For bool types, a key without a value is interpreted as true.
func GetParamOr[T Value](params Params, key string, defaultValue T) (T, error) {
	var t T
	toT := func(v any) T { return v.(T) }
	value, exists := params[key]
	if !exists {
		return defaultValue, nil
	}
	switch any(defaultValue).(type) {
	case string:
		return toT(value), nil
	case int:
		if value == "" {
			break
		}
		parsedValue, err := strconv.Atoi(value)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to int", key, value)
		}
		return toT(parsedValue), nil
	case float32:
		if value == "" {
			break
		}
		parsedValue, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
		}
		return toT(float32(parsedValue)), nil
	case float64:
		if value == "" {
			break
		}
		parsedValue, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
		}
		return toT(parsedValue), nil
	case bool:
		switch strings.ToLower(value) {
		case "", "true", "1": // Empty value is considered "true"
			return toT(true), nil
		case "false", "0":
			return toT(false), nil
		}
		return defaultValue, errors.Errorf("failed to parse configuration %s=%q to bool", key, value)
	}
	return defaultValue, nil
}
