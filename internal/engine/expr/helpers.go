package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type helperFunc func(args []interface{}) (interface{}, error)

// helpers is the complete whitelist of pure functions callable from
// expressions. Nothing touches the host process, filesystem or network.
var helpers = map[string]helperFunc{
	// String
	"upper":    stringHelper(strings.ToUpper),
	"lower":    stringHelper(strings.ToLower),
	"trim":     stringHelper(strings.TrimSpace),
	"split":    helperSplit,
	"join":     helperJoin,
	"replace":  helperReplace,
	"contains": helperContains,
	"len":      helperLen,

	// Math
	"abs":   mathHelper(math.Abs),
	"round": mathHelper(math.Round),
	"floor": mathHelper(math.Floor),
	"ceil":  mathHelper(math.Ceil),
	"min":   helperMin,
	"max":   helperMax,

	// Date
	"now":        helperNow,
	"formatDate": helperFormatDate,
	"parseDate":  helperParseDate,
	"addDays":    helperAddDays,

	// Misc
	"uuid":          helperUUID,
	"jsonParse":     helperJSONParse,
	"jsonStringify": helperJSONStringify,

	// Coercions
	"number": helperNumber,
	"int":    helperInt,
	"string": helperString,
	"bool":   helperBool,
}

func argCount(name string, args []interface{}, want int) error {
	if len(args) != want {
		return evalErrorf("%s expects %d argument(s), got %d", name, want, len(args))
	}
	return nil
}

func asString(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", evalErrorf("expected a string, got %T", v)
	}
	return s, nil
}

func asNumber(v interface{}) (float64, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, evalErrorf("expected a number, got %T", v)
	}
	return f, nil
}

func stringHelper(fn func(string) string) helperFunc {
	return func(args []interface{}) (interface{}, error) {
		if err := argCount("string helper", args, 1); err != nil {
			return nil, err
		}
		s, err := asString(args[0])
		if err != nil {
			return nil, err
		}
		return fn(s), nil
	}
}

func mathHelper(fn func(float64) float64) helperFunc {
	return func(args []interface{}) (interface{}, error) {
		if err := argCount("math helper", args, 1); err != nil {
			return nil, err
		}
		f, err := asNumber(args[0])
		if err != nil {
			return nil, err
		}
		return fn(f), nil
	}
}

func helperSplit(args []interface{}) (interface{}, error) {
	if err := argCount("split", args, 2); err != nil {
		return nil, err
	}
	s, err := asString(args[0])
	if err != nil {
		return nil, err
	}
	sep, err := asString(args[1])
	if err != nil {
		return nil, err
	}
	parts := strings.Split(s, sep)
	out := make([]interface{}, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func helperJoin(args []interface{}) (interface{}, error) {
	if err := argCount("join", args, 2); err != nil {
		return nil, err
	}
	arr, ok := args[0].([]interface{})
	if !ok {
		return nil, evalErrorf("join expects an array, got %T", args[0])
	}
	sep, err := asString(args[1])
	if err != nil {
		return nil, err
	}
	parts := make([]string, len(arr))
	for i, v := range arr {
		parts[i] = stringify(v)
	}
	return strings.Join(parts, sep), nil
}

func helperReplace(args []interface{}) (interface{}, error) {
	if err := argCount("replace", args, 3); err != nil {
		return nil, err
	}
	s, err := asString(args[0])
	if err != nil {
		return nil, err
	}
	old, err := asString(args[1])
	if err != nil {
		return nil, err
	}
	repl, err := asString(args[2])
	if err != nil {
		return nil, err
	}
	return strings.ReplaceAll(s, old, repl), nil
}

func helperContains(args []interface{}) (interface{}, error) {
	if err := argCount("contains", args, 2); err != nil {
		return nil, err
	}
	switch t := args[0].(type) {
	case string:
		needle, err := asString(args[1])
		if err != nil {
			return nil, err
		}
		return strings.Contains(t, needle), nil
	case []interface{}:
		for _, v := range t {
			if looseEqual(v, args[1]) {
				return true, nil
			}
		}
		return false, nil
	default:
		return nil, evalErrorf("contains expects a string or array, got %T", args[0])
	}
}

func helperLen(args []interface{}) (interface{}, error) {
	if err := argCount("len", args, 1); err != nil {
		return nil, err
	}
	switch t := args[0].(type) {
	case string:
		return float64(len(t)), nil
	case []interface{}:
		return float64(len(t)), nil
	case map[string]interface{}:
		return float64(len(t)), nil
	default:
		return nil, evalErrorf("len expects a string, array or object, got %T", args[0])
	}
}

func helperMin(args []interface{}) (interface{}, error) {
	return minMax(args, "min", math.Min)
}

func helperMax(args []interface{}) (interface{}, error) {
	return minMax(args, "max", math.Max)
}

func minMax(args []interface{}, name string, pick func(a, b float64) float64) (interface{}, error) {
	if len(args) < 2 {
		return nil, evalErrorf("%s expects at least 2 arguments", name)
	}
	acc, err := asNumber(args[0])
	if err != nil {
		return nil, err
	}
	for _, a := range args[1:] {
		f, err := asNumber(a)
		if err != nil {
			return nil, err
		}
		acc = pick(acc, f)
	}
	return acc, nil
}

func helperNow(args []interface{}) (interface{}, error) {
	if err := argCount("now", args, 0); err != nil {
		return nil, err
	}
	return time.Now().UTC().Format(time.RFC3339), nil
}

func helperFormatDate(args []interface{}) (interface{}, error) {
	if err := argCount("formatDate", args, 2); err != nil {
		return nil, err
	}
	in, err := asString(args[0])
	if err != nil {
		return nil, err
	}
	layout, err := asString(args[1])
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, in)
	if err != nil {
		return nil, evalErrorf("formatDate: %v", err)
	}
	return t.Format(layout), nil
}

func helperParseDate(args []interface{}) (interface{}, error) {
	if err := argCount("parseDate", args, 2); err != nil {
		return nil, err
	}
	in, err := asString(args[0])
	if err != nil {
		return nil, err
	}
	layout, err := asString(args[1])
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(layout, in)
	if err != nil {
		return nil, evalErrorf("parseDate: %v", err)
	}
	return t.UTC().Format(time.RFC3339), nil
}

func helperAddDays(args []interface{}) (interface{}, error) {
	if err := argCount("addDays", args, 2); err != nil {
		return nil, err
	}
	in, err := asString(args[0])
	if err != nil {
		return nil, err
	}
	days, err := asNumber(args[1])
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, in)
	if err != nil {
		return nil, evalErrorf("addDays: %v", err)
	}
	return t.AddDate(0, 0, int(days)).Format(time.RFC3339), nil
}

func helperUUID(args []interface{}) (interface{}, error) {
	if err := argCount("uuid", args, 0); err != nil {
		return nil, err
	}
	return uuid.New().String(), nil
}

func helperJSONParse(args []interface{}) (interface{}, error) {
	if err := argCount("jsonParse", args, 1); err != nil {
		return nil, err
	}
	s, err := asString(args[0])
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, evalErrorf("jsonParse: %v", err)
	}
	return out, nil
}

func helperJSONStringify(args []interface{}) (interface{}, error) {
	if err := argCount("jsonStringify", args, 1); err != nil {
		return nil, err
	}
	data, err := json.Marshal(args[0])
	if err != nil {
		return nil, evalErrorf("jsonStringify: %v", err)
	}
	return string(data), nil
}

func helperNumber(args []interface{}) (interface{}, error) {
	if err := argCount("number", args, 1); err != nil {
		return nil, err
	}
	switch t := args[0].(type) {
	case float64:
		return t, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, evalErrorf("number: cannot convert %q", t)
		}
		return f, nil
	case bool:
		if t {
			return float64(1), nil
		}
		return float64(0), nil
	default:
		return nil, evalErrorf("number: cannot convert %T", args[0])
	}
}

func helperInt(args []interface{}) (interface{}, error) {
	v, err := helperNumber(args)
	if err != nil {
		return nil, err
	}
	return math.Trunc(v.(float64)), nil
}

func helperString(args []interface{}) (interface{}, error) {
	if err := argCount("string", args, 1); err != nil {
		return nil, err
	}
	return stringify(args[0]), nil
}

func helperBool(args []interface{}) (interface{}, error) {
	if err := argCount("bool", args, 1); err != nil {
		return nil, err
	}
	return truthy(args[0]), nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
