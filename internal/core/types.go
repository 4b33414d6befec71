package core

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type FeatureType string

const (
	FeatureBoolean FeatureType = "BOOLEAN"
	FeatureString  FeatureType = "STRING"
	FeatureNumber  FeatureType = "NUMBER"
	FeatureJSON    FeatureType = "JSON"
)

type FieldType string

const (
	FieldBoolean         FieldType = "BOOLEAN"
	FieldString          FieldType = "STRING"
	FieldNumber          FieldType = "NUMBER"
	FieldSemanticVersion FieldType = "SEMANTIC_VERSION"
	FieldIPAddress       FieldType = "IP_ADDRESS"
	FieldDate            FieldType = "DATE"
	FieldDateTime        FieldType = "DATE_TIME"
)

type Conditional string

const (
	ConditionalEquals        Conditional = "EQUALS"
	ConditionalNotEquals     Conditional = "NOT_EQUALS"
	ConditionalGreater       Conditional = "GREATER"
	ConditionalGreaterEquals Conditional = "GREATER_EQUALS"
	ConditionalLess          Conditional = "LESS"
	ConditionalLessEquals    Conditional = "LESS_EQUALS"
	ConditionalStartsWith    Conditional = "STARTS_WITH"
	ConditionalEndsWith      Conditional = "ENDS_WITH"
	ConditionalIncludes      Conditional = "INCLUDES"
	ConditionalExcludes      Conditional = "EXCLUDES"
	ConditionalRegex         Conditional = "REGEX"
)

// FeatureDefinition is one feature as delivered by the edge.
type FeatureDefinition struct {
	ID         string            `json:"id"`
	Key        string            `json:"key"`
	Locked     bool              `json:"l"`
	Version    int64             `json:"version"`
	Type       FeatureType       `json:"type"`
	Value      any               `json:"value"`
	Strategies []RolloutStrategy `json:"strategies,omitempty"`
	Properties map[string]string `json:"fp,omitempty"`
}

type RolloutStrategy struct {
	ID                   string                     `json:"id"`
	Name                 string                     `json:"name,omitempty"`
	Value                any                        `json:"value"`
	Percentage           int                        `json:"percentage"`
	PercentageAttributes []string                   `json:"percentageAttributes,omitempty"`
	Attributes           []RolloutStrategyAttribute `json:"attributes,omitempty"`
}

func (s RolloutStrategy) HasAttributes() bool {
	return len(s.Attributes) > 0
}

func (s RolloutStrategy) HasPercentageAttributes() bool {
	return len(s.PercentageAttributes) > 0
}

type RolloutStrategyAttribute struct {
	ID          string      `json:"id,omitempty"`
	Conditional Conditional `json:"conditional"`
	FieldName   string      `json:"fieldName"`
	Values      []any       `json:"values"`
	Type        FieldType   `json:"type"`
}

// StringValues returns the operands in string form. Nil operands are dropped.
func (a RolloutStrategyAttribute) StringValues() []string {
	out := make([]string, 0, len(a.Values))
	for _, v := range a.Values {
		if s, ok := FormatValue(v); ok {
			out = append(out, s)
		}
	}
	return out
}

// FloatValues returns the operands that parse as numbers.
func (a RolloutStrategyAttribute) FloatValues() []float64 {
	out := make([]float64, 0, len(a.Values))
	for _, v := range a.Values {
		switch n := v.(type) {
		case float64:
			out = append(out, n)
		case int:
			out = append(out, float64(n))
		case int64:
			out = append(out, float64(n))
		case json.Number:
			if f, err := n.Float64(); err == nil {
				out = append(out, f)
			}
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				out = append(out, f)
			}
		}
	}
	return out
}

// FormatValue renders a decoded JSON scalar the way the edge would print it.
// It reports false for nil.
func FormatValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	case json.Number:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}
