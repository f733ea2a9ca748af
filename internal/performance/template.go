package performance

import (
	"fmt"
	"math/rand/v2"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// LookupFunc resolves a variable name.
type LookupFunc func(name string) (string, bool)

// TemplateFunc is a placeholder function such as {{randInt 1 100}}.
type TemplateFunc func(args []string) (string, error)

// DateLayout is the layout of {{date}} and {{dateOffset N}}.
const DateLayout = "2006-01-02"

var templateFuncs = map[string]TemplateFunc{
	"randInt":    randIntFunc,
	"randFloat":  randFloatFunc,
	"timestamp":  func([]string) (string, error) { return strconv.FormatInt(time.Now().UnixMilli(), 10), nil },
	"uuid":       func([]string) (string, error) { return uuid.NewString(), nil },
	"date":       func([]string) (string, error) { return time.Now().Format(DateLayout), nil },
	"dateOffset": dateOffsetFunc,
	"env":        envFunc,
}

// Resolve expands {{...}} placeholders in input.
//
// A placeholder is either a variable name looked up through lookup, or a
// function call such as {{randInt 1 100}}. Placeholders that match neither,
// or whose function fails, are left verbatim.
func Resolve(input string, lookup LookupFunc) string {
	if !strings.Contains(input, "{{") {
		return input
	}

	return placeholderRe.ReplaceAllStringFunc(input, func(match string) string {
		inner := placeholderRe.FindStringSubmatch(match)[1]
		fields := strings.Fields(inner)
		if len(fields) == 0 {
			return match
		}

		if fn, ok := templateFuncs[fields[0]]; ok {
			out, err := fn(fields[1:])
			if err != nil {
				return match
			}
			return out
		}

		if len(fields) == 1 && lookup != nil {
			if v, ok := lookup(fields[0]); ok {
				return v
			}
		}
		return match
	})
}

// ResolveVariables expands a variable set once. Values may reference other
// variables in the set in any order; each value, including any function it
// calls, is evaluated exactly once, so the result is stable for a run.
// References that form a cycle are left verbatim.
func ResolveVariables(vars map[string]string, lookup LookupFunc) map[string]string {
	out := make(map[string]string, len(vars))
	visiting := make(map[string]bool, len(vars))

	var resolve func(name string) (string, bool)
	resolve = func(name string) (string, bool) {
		if v, ok := out[name]; ok {
			return v, true
		}
		raw, ok := vars[name]
		if !ok {
			if lookup != nil {
				return lookup(name)
			}
			return "", false
		}
		if visiting[name] {
			return "", false
		}
		visiting[name] = true
		out[name] = Resolve(raw, resolve)
		delete(visiting, name)
		return out[name], true
	}

	for name := range vars {
		resolve(name)
	}
	return out
}

func intArgs(args []string, name string) (int, int, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("%s expects 2 arguments", name)
	}
	lo, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, err
	}
	hi, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, err
	}
	if hi < lo {
		return 0, 0, fmt.Errorf("%s: max < min", name)
	}
	return lo, hi, nil
}

// randInt returns an integer in [min, max].
func randIntFunc(args []string) (string, error) {
	lo, hi, err := intArgs(args, "randInt")
	if err != nil {
		return "", err
	}
	return strconv.Itoa(lo + rand.IntN(hi-lo+1)), nil
}

// randFloat returns a number in [min, max) with two decimals.
func randFloatFunc(args []string) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("randFloat expects 2 arguments")
	}
	lo, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return "", err
	}
	hi, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return "", err
	}
	if hi < lo {
		return "", fmt.Errorf("randFloat: max < min")
	}
	return strconv.FormatFloat(lo+rand.Float64()*(hi-lo), 'f', 2, 64), nil
}

func dateOffsetFunc(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("dateOffset expects 1 argument")
	}
	days, err := strconv.Atoi(args[0])
	if err != nil {
		return "", err
	}
	return time.Now().AddDate(0, 0, days).Format(DateLayout), nil
}

func envFunc(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("env expects 1 argument")
	}
	v, ok := os.LookupEnv(args[0])
	if !ok {
		return "", fmt.Errorf("env %s not set", args[0])
	}
	return v, nil
}
