package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	thresholdExprRe = regexp.MustCompile(`^\s*([A-Za-z]+(?:\(\s*[0-9.]+\s*\))?|p[0-9.]+)\s*(<=|>=|==|!=|<|>)\s*(\S+)\s*$`)
	thresholdKeyRe  = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)(?:\{([^}]*)\})?$`)
	percentileRe    = regexp.MustCompile(`^p(?:\(\s*([0-9.]+)\s*\)|([0-9.]+))$`)
)

// ThresholdKey identifies the metric a threshold applies to.
type ThresholdKey struct {
	Metric string
	// Tags filter the metric, e.g. {name: get_products}.
	Tags map[string]string
}

// String renders the key in its configuration form.
func (k ThresholdKey) String() string {
	if len(k.Tags) == 0 {
		return k.Metric
	}
	parts := make([]string, 0, len(k.Tags))
	for tag, value := range k.Tags {
		parts = append(parts, tag+":"+value)
	}
	return k.Metric + "{" + strings.Join(parts, ",") + "}"
}

// ParseThresholdKey parses "http_req_duration" or "http_req_duration{name:get_products}".
func ParseThresholdKey(key string) (ThresholdKey, error) {
	m := thresholdKeyRe.FindStringSubmatch(strings.TrimSpace(key))
	if m == nil {
		return ThresholdKey{}, fmt.Errorf("invalid threshold metric %q", key)
	}

	tk := ThresholdKey{Metric: m[1]}
	if m[2] == "" {
		return tk, nil
	}

	tk.Tags = make(map[string]string)
	for _, pair := range strings.Split(m[2], ",") {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" {
			return ThresholdKey{}, fmt.Errorf("invalid tag filter %q in %q", pair, key)
		}
		tk.Tags[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return tk, nil
}

// ThresholdExpression is a parsed "p(95)<500" style expression.
type ThresholdExpression struct {
	Raw string
	// Aggregation is one of avg, min, max, med, rate, count or p.
	Aggregation string
	// Percentile is set when Aggregation is "p".
	Percentile float64
	Operator   string
	// Value is the raw right-hand side; durations are resolved by the evaluator.
	Value string
}

// ParseThresholdExpression parses a single threshold expression.
func ParseThresholdExpression(expr string) (*ThresholdExpression, error) {
	m := thresholdExprRe.FindStringSubmatch(expr)
	if m == nil {
		return nil, fmt.Errorf("invalid threshold expression %q: expected aggregation, operator and value", expr)
	}

	te := &ThresholdExpression{
		Raw:      strings.TrimSpace(expr),
		Operator: m[2],
		Value:    m[3],
	}

	agg := strings.ToLower(strings.ReplaceAll(m[1], " ", ""))
	if pm := percentileRe.FindStringSubmatch(agg); pm != nil {
		raw := pm[1]
		if raw == "" {
			raw = pm[2]
		}
		p, err := strconv.ParseFloat(raw, 64)
		if err != nil || p <= 0 || p > 100 {
			return nil, fmt.Errorf("invalid percentile in %q", expr)
		}
		te.Aggregation = "p"
		te.Percentile = p
	} else {
		switch agg {
		case "avg", "min", "max", "med", "rate", "count":
			te.Aggregation = agg
		default:
			return nil, fmt.Errorf("unknown aggregation %q in %q", m[1], expr)
		}
	}

	if te.Aggregation == "rate" || te.Aggregation == "count" {
		if _, err := strconv.ParseFloat(te.Value, 64); err != nil {
			return nil, fmt.Errorf("invalid numeric value %q in %q", te.Value, expr)
		}
	} else if _, err := ParseMillis(te.Value); err != nil {
		return nil, fmt.Errorf("invalid value %q in %q: %w", te.Value, expr, err)
	}

	return te, nil
}
