package core

import "testing"

type matchCase struct {
	cond     Conditional
	values   []any
	supplied string
	want     bool
}

func runMatchCases(t *testing.T, field FieldType, cases []matchCase) {
	t.Helper()
	for _, tc := range cases {
		attr := RolloutStrategyAttribute{Type: field, Conditional: tc.cond, Values: tc.values}
		if got := Match(tc.supplied, attr); got != tc.want {
			t.Errorf("Match(%q, %s %s %v) = %v, want %v", tc.supplied, field, tc.cond, tc.values, got, tc.want)
		}
	}
}

func strs(values ...string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func TestMatchBoolean(t *testing.T) {
	runMatchCases(t, FieldBoolean, []matchCase{
		{ConditionalEquals, strs("true"), "true", true},
		{ConditionalNotEquals, strs("true"), "true", false},
		{ConditionalNotEquals, strs("true"), "false", true},
		{ConditionalEquals, []any{true}, "true", true},
		{ConditionalEquals, []any{true}, "TRUE", true},
		{ConditionalEquals, strs("true"), "false", false},
		{ConditionalEquals, []any{false}, "false", true},
		{ConditionalEquals, []any{false}, "true", false},
		{ConditionalEquals, strs("false"), "true", false},
		{ConditionalGreater, strs("true"), "true", false},
		{ConditionalEquals, nil, "true", false},
	})
}

func TestMatchString(t *testing.T) {
	runMatchCases(t, FieldString, []matchCase{
		{ConditionalEquals, strs("a", "b"), "a", true},
		{ConditionalEquals, strs("a", "b"), "c", false},
		{ConditionalIncludes, strs("a", "b"), "a", true},
		{ConditionalIncludes, strs("ed"), "fred", true},
		{ConditionalNotEquals, strs("a", "b"), "a", false},
		{ConditionalExcludes, strs("a", "b"), "a", false},
		{ConditionalExcludes, strs("a", "b"), "c", true},
		{ConditionalGreater, strs("a", "b"), "a", false},
		{ConditionalGreaterEquals, strs("a", "b"), "a", true},
		{ConditionalGreater, strs("a", "b"), "c", true},
		{ConditionalLess, strs("a", "b"), "a", true},
		{ConditionalLess, strs("a", "b"), "1", true},
		{ConditionalLess, strs("a", "b"), "b", false},
		{ConditionalLess, strs("a", "b"), "c", false},
		{ConditionalLessEquals, strs("a", "b"), "b", true},
		{ConditionalLessEquals, strs("a", "b"), "c", false},
		{ConditionalStartsWith, strs("fr"), "fred", true},
		{ConditionalStartsWith, strs("fr"), "mar", false},
		{ConditionalEndsWith, strs("ed"), "fred", true},
		{ConditionalEndsWith, strs("fred"), "mar", false},
		{ConditionalRegex, strs("(.*)gold(.*)"), "actapus (gold)", true},
		{ConditionalRegex, strs("(.*)gold(.*)"), "(.*)purple(.*)", false},
		{ConditionalRegex, strs("(unclosed"), "(unclosed", false},
		{Conditional("SOUNDS_LIKE"), strs("a"), "a", false},
	})
}

func TestMatchDate(t *testing.T) {
	dates := strs("2019-01-01", "2019-02-01")
	runMatchCases(t, FieldDate, []matchCase{
		{ConditionalEquals, dates, "2019-02-01", true},
		{ConditionalNotEquals, dates, "2019-02-01", false},
		{ConditionalEquals, dates, "2019-02-07", false},
		{ConditionalExcludes, dates, "2019-02-07", true},
		{ConditionalGreater, dates, "2019-02-07", true},
		{ConditionalGreaterEquals, dates, "2019-02-01", true},
		{ConditionalLess, dates, "2017-02-01", true},
		{ConditionalLess, dates, "2019-02-01", false},
		{ConditionalLessEquals, dates, "2019-03-01", false},
		{ConditionalRegex, strs("2019-.*"), "2019-03-01", true},
		{ConditionalRegex, strs("2019-.*", "(.*)-03-(.*)"), "2017-03-01", true},
		{ConditionalStartsWith, strs("2019", "2017"), "2019-02-07", true},
		{ConditionalEndsWith, strs("03", "02", "2017"), "2017-02-01", false},
	})
}

func TestMatchDateTime(t *testing.T) {
	runMatchCases(t, FieldDateTime, []matchCase{
		{ConditionalEquals, strs("2019-01-01T01:01:01Z", "2019-02-01T01:01:01Z"), "2019-02-01T01:01:01Z", true},
		{ConditionalLess, strs("2019-01-01T01:01:01Z"), "2018-12-31T23:59:59Z", true},
		{ConditionalRegex, strs("2019-.*", "(.*)-03-(.*)"), "2014-03-06T01:01:01Z", true},
		{ConditionalEndsWith, strs(":01Z"), "2017-03-06T01:01:01Z", true},
		{ConditionalEndsWith, strs("rubbish"), "2017-03-06T01:01:01Z", false},
	})
}

func TestMatchNumber(t *testing.T) {
	runMatchCases(t, FieldNumber, []matchCase{
		{ConditionalEquals, []any{10.0, 5.0}, "5", true},
		{ConditionalEquals, []any{5}, "5", true},
		{ConditionalEquals, []any{4.0}, "5", false},
		{ConditionalEquals, strs("5.0"), "5", true},
		{ConditionalIncludes, []any{4.0, 7.0}, "5", false},
		{ConditionalIncludes, []any{4.0}, "142", true},
		{ConditionalNotEquals, []any{23.0, 100923.0}, "5", true},
		{ConditionalExcludes, []any{23.0, 100923.0}, "5", true},
		{ConditionalNotEquals, []any{5.0}, "5", false},
		{ConditionalGreater, []any{2.0, 4.0}, "5", true},
		{ConditionalGreaterEquals, []any{4.0, 5.0}, "5", true},
		{ConditionalLessEquals, []any{2.0, 5.0}, "5", true},
		{ConditionalLess, []any{8.0, 7.0}, "5", true},
		{ConditionalGreater, []any{7.0, 10.0}, "5", false},
		{ConditionalGreaterEquals, []any{6.0, 7.0}, "5", false},
		{ConditionalLessEquals, []any{2.0, 3.0}, "5", false},
		{ConditionalLess, []any{1.0, -1.0}, "5", false},
		{ConditionalStartsWith, []any{1.0}, "12.5", true},
		{ConditionalEndsWith, []any{5.0}, "12.5", true},
		{ConditionalRegex, strs(`^\d+$`), "125", true},
		{ConditionalEquals, []any{5.0}, "five", false},
		{ConditionalGreater, []any{"not-a-number", 1.0}, "5", true},
	})
}

func TestMatchSemanticVersion(t *testing.T) {
	runMatchCases(t, FieldSemanticVersion, []matchCase{
		{ConditionalEquals, strs("2.0.3"), "2.0.3", true},
		{ConditionalEquals, strs("2.0.3", "2.0.1"), "2.0.3", true},
		{ConditionalEquals, strs("2.0.3"), "2.0.1", false},
		{ConditionalIncludes, strs("^2.0.0"), "2.4.1", true},
		{ConditionalIncludes, strs("~1.2"), "1.3.0", false},
		{ConditionalNotEquals, strs("2.0.3"), "2.0.1", true},
		{ConditionalNotEquals, strs("2.0.3"), "2.0.3", false},
		{ConditionalExcludes, strs(">= 3.0.0"), "2.9.9", true},
		{ConditionalGreater, strs("2.0.0"), "2.1.0", true},
		{ConditionalGreater, strs("2.0.0"), "2.0.1", true},
		{ConditionalGreater, strs("2.0.0"), "1.2.1", false},
		{ConditionalGreater, strs(">= 1.0.0"), "2.0.0", false},
		{ConditionalGreaterEquals, strs("7.1.0"), "7.1.6", true},
		{ConditionalGreaterEquals, strs("7.1.6"), "7.1.6", true},
		{ConditionalGreaterEquals, strs("7.1.6"), "7.1.2", false},
		{ConditionalLess, strs("2.0.0"), "1.9.9", true},
		{ConditionalLess, strs("2.0.0"), "3.2.1", false},
		{ConditionalLessEquals, strs("7.1.6"), "7.1.2", true},
		{ConditionalLessEquals, strs("7.1.2"), "7.1.6", false},
		{ConditionalEquals, strs("2.0.3"), "not-a-version", false},
		{ConditionalRegex, strs("2.*"), "2.0.0", false},
	})
}

func TestMatchIPAddress(t *testing.T) {
	runMatchCases(t, FieldIPAddress, []matchCase{
		{ConditionalEquals, strs("192.168.86.75"), "192.168.86.75", true},
		{ConditionalEquals, strs("192.168.86.75", "10.7.4.8"), "192.168.86.75", true},
		{ConditionalEquals, strs("192.168.86.75", "10.7.4.8"), "192.168.83.75", false},
		{ConditionalExcludes, strs("192.168.86.75", "10.7.4.8"), "192.168.83.75", true},
		{ConditionalExcludes, strs("192.168.86.75", "10.7.4.8"), "192.168.86.75", false},
		{ConditionalIncludes, strs("192.168.86.75", "10.7.4.8"), "192.168.86.75", true},
		{ConditionalNotEquals, strs("192.168.86.75"), "192.168.86.75", false},
		{ConditionalNotEquals, strs("192.168.86.75"), "192.168.86.72", true},
		{ConditionalEquals, strs("192.168.0.0/16"), "192.168.86.72", true},
		{ConditionalEquals, strs("192.168.0.0/16"), "10.0.0.5", false},
		{ConditionalEquals, strs("192.168.0.0/16"), "192.162.86.72", false},
		{ConditionalEquals, strs("10.0.0.0/24", "192.168.0.0/16"), "192.168.86.72", true},
		{ConditionalEquals, strs("10.0.0.0/24", "192.168.0.0/16"), "172.168.86.72", false},
		{ConditionalEquals, strs("10.0.0.0/8"), "::ffff:10.1.2.3", true},
		{ConditionalEquals, strs("2001:db8::/32"), "2001:db8::1", true},
		{ConditionalEquals, strs("garbage", "10.0.0.1"), "10.0.0.1", true},
		{ConditionalEquals, strs("10.0.0.1"), "not-an-ip", false},
		{ConditionalGreater, strs("10.0.0.1"), "10.0.0.2", false},
	})
}

func TestMatchUnknownFieldType(t *testing.T) {
	attr := RolloutStrategyAttribute{Type: FieldType("GEO"), Conditional: ConditionalEquals, Values: strs("nz")}
	if Match("nz", attr) {
		t.Fatal("Match() = true for unknown field type, want false")
	}
}

func FuzzMatch(f *testing.F) {
	f.Add("192.168.1.1", "192.168.0.0/16", "IP_ADDRESS", "EQUALS")
	f.Add("1.2.3", "^1.0.0", "SEMANTIC_VERSION", "INCLUDES")
	f.Add("12", "4", "NUMBER", "GREATER")
	f.Add("fred", "(", "STRING", "REGEX")

	f.Fuzz(func(t *testing.T, supplied, operand, field, cond string) {
		attr := RolloutStrategyAttribute{
			Type:        FieldType(field),
			Conditional: Conditional(cond),
			Values:      []any{operand},
		}
		_ = Match(supplied, attr)
	})
}
