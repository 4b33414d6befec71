package core

import (
	"net/netip"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	regexCache      = xsync.NewMapOf[string, *regexp.Regexp]()
	constraintCache = xsync.NewMapOf[string, *semver.Constraints]()
)

// Match reports whether a single supplied value satisfies attr. Unsupported
// operator and field type combinations never match.
func Match(supplied string, attr RolloutStrategyAttribute) bool {
	switch attr.Type {
	case FieldBoolean:
		return matchBoolean(supplied, attr.Conditional, attr.StringValues())
	case FieldString, FieldDate, FieldDateTime:
		return matchString(supplied, attr.Conditional, attr.StringValues())
	case FieldNumber:
		return matchNumber(supplied, attr)
	case FieldSemanticVersion:
		return matchSemanticVersion(supplied, attr.Conditional, attr.StringValues())
	case FieldIPAddress:
		return matchIPAddress(supplied, attr.Conditional, attr.StringValues())
	default:
		return false
	}
}

func matchBoolean(supplied string, cond Conditional, operands []string) bool {
	if len(operands) == 0 {
		return false
	}
	got := strings.EqualFold(strings.TrimSpace(supplied), "true")
	want := strings.EqualFold(strings.TrimSpace(operands[0]), "true")

	switch cond {
	case ConditionalEquals:
		return got == want
	case ConditionalNotEquals:
		return got != want
	default:
		return false
	}
}

func matchString(supplied string, cond Conditional, operands []string) bool {
	switch cond {
	case ConditionalEquals:
		return slices.Contains(operands, supplied)
	case ConditionalNotEquals:
		return !slices.Contains(operands, supplied)
	case ConditionalStartsWith:
		return anyOf(operands, func(v string) bool { return strings.HasPrefix(supplied, v) })
	case ConditionalEndsWith:
		return anyOf(operands, func(v string) bool { return strings.HasSuffix(supplied, v) })
	case ConditionalIncludes:
		return anyOf(operands, func(v string) bool { return strings.Contains(supplied, v) })
	case ConditionalExcludes:
		return !anyOf(operands, func(v string) bool { return strings.Contains(supplied, v) })
	case ConditionalGreater:
		return anyOf(operands, func(v string) bool { return supplied > v })
	case ConditionalGreaterEquals:
		return anyOf(operands, func(v string) bool { return supplied >= v })
	case ConditionalLess:
		return anyOf(operands, func(v string) bool { return supplied < v })
	case ConditionalLessEquals:
		return anyOf(operands, func(v string) bool { return supplied <= v })
	case ConditionalRegex:
		return anyOf(operands, func(v string) bool {
			re := compileRegex(v)
			return re != nil && re.MatchString(supplied)
		})
	default:
		return false
	}
}

// matchNumber compares numerically, except for the text operators which work
// on the raw supplied value.
func matchNumber(supplied string, attr RolloutStrategyAttribute) bool {
	switch attr.Conditional {
	case ConditionalStartsWith, ConditionalEndsWith, ConditionalIncludes, ConditionalExcludes, ConditionalRegex:
		return matchString(supplied, attr.Conditional, attr.StringValues())
	}

	got, err := strconv.ParseFloat(strings.TrimSpace(supplied), 64)
	if err != nil {
		return false
	}
	operands := attr.FloatValues()

	switch attr.Conditional {
	case ConditionalEquals:
		return slices.Contains(operands, got)
	case ConditionalNotEquals:
		return !slices.Contains(operands, got)
	case ConditionalGreater:
		return anyOf(operands, func(v float64) bool { return got > v })
	case ConditionalGreaterEquals:
		return anyOf(operands, func(v float64) bool { return got >= v })
	case ConditionalLess:
		return anyOf(operands, func(v float64) bool { return got < v })
	case ConditionalLessEquals:
		return anyOf(operands, func(v float64) bool { return got <= v })
	default:
		return false
	}
}

func matchSemanticVersion(supplied string, cond Conditional, operands []string) bool {
	version, err := semver.NewVersion(strings.TrimSpace(supplied))
	if err != nil {
		return false
	}

	satisfies := func(v string) bool {
		c := compileConstraint(v)
		return c != nil && c.Check(version)
	}

	switch cond {
	case ConditionalEquals, ConditionalIncludes:
		return anyOf(operands, satisfies)
	case ConditionalNotEquals, ConditionalExcludes:
		return !anyOf(operands, satisfies)
	}

	// Ordering only considers operands that are versions, not ranges.
	var cmp func(int) bool
	switch cond {
	case ConditionalGreater:
		cmp = func(c int) bool { return c > 0 }
	case ConditionalGreaterEquals:
		cmp = func(c int) bool { return c >= 0 }
	case ConditionalLess:
		cmp = func(c int) bool { return c < 0 }
	case ConditionalLessEquals:
		cmp = func(c int) bool { return c <= 0 }
	default:
		return false
	}
	return anyOf(operands, func(v string) bool {
		other, err := semver.NewVersion(v)
		return err == nil && cmp(version.Compare(other))
	})
}

func matchIPAddress(supplied string, cond Conditional, operands []string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(supplied))
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	contains := func(v string) bool {
		v = strings.TrimSpace(v)
		if strings.Contains(v, "/") {
			prefix, err := netip.ParsePrefix(v)
			if err != nil {
				return false
			}
			return prefix.Masked().Contains(addr)
		}
		other, err := netip.ParseAddr(v)
		if err != nil {
			return false
		}
		return other.Unmap() == addr
	}

	switch cond {
	case ConditionalEquals, ConditionalIncludes:
		return anyOf(operands, contains)
	case ConditionalNotEquals, ConditionalExcludes:
		return !anyOf(operands, contains)
	default:
		return false
	}
}

func anyOf[T any](values []T, fn func(T) bool) bool {
	return slices.ContainsFunc(values, fn)
}

// compileRegex returns nil for patterns that do not compile. Both outcomes are
// cached.
func compileRegex(pattern string) *regexp.Regexp {
	re, _ := regexCache.LoadOrCompute(pattern, func() *regexp.Regexp {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil
		}
		return compiled
	})
	return re
}

func compileConstraint(expr string) *semver.Constraints {
	c, _ := constraintCache.LoadOrCompute(expr, func() *semver.Constraints {
		parsed, err := semver.NewConstraint(expr)
		if err != nil {
			return nil
		}
		return parsed
	})
	return c
}
