package ldap

import (
	"strings"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// DefaultFilter is the filter used when a request does not specify one.
const DefaultFilter = "(objectClass=*)"

// Matching rule names and OIDs understood by extensible match assertions.
const (
	MatchingRuleCaseIgnore    = "caseIgnoreMatch"
	MatchingRuleCaseIgnoreOID = "2.5.13.2"
	MatchingRuleCaseExact     = "caseExactMatch"
	MatchingRuleCaseExactOID  = "2.5.13.5"
)

// Filter is a compiled RFC 4515 search filter. The zero value is not usable;
// create filters with ParseFilter.
type Filter struct {
	raw    string
	packet *ber.Packet
}

// ParseFilter compiles a filter string. A leading and trailing space is
// ignored; an empty string is rejected.
func ParseFilter(filter string) (*Filter, error) {
	trimmed := strings.TrimSpace(filter)
	if trimmed == "" {
		return nil, &ParseError{Kind: "filter", Input: filter}
	}

	packet, err := ldap.CompileFilter(trimmed)
	if err != nil {
		return nil, &ParseError{Kind: "filter", Input: filter, Cause: err}
	}

	return &Filter{raw: trimmed, packet: packet}, nil
}

// MustParseFilter is like ParseFilter but panics on malformed input.
func MustParseFilter(filter string) *Filter {
	f, err := ParseFilter(filter)
	if err != nil {
		panic(err)
	}
	return f
}

// ObjectClassPresentFilter returns a new (objectClass=*) filter.
func ObjectClassPresentFilter() *Filter {
	return MustParseFilter(DefaultFilter)
}

// String returns the filter in its canonical textual form.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	if s, err := ldap.DecompileFilter(f.packet); err == nil {
		return s
	}
	return f.raw
}

// Raw returns the filter text exactly as it was parsed.
func (f *Filter) Raw() string {
	if f == nil {
		return ""
	}
	return f.raw
}

// Packet returns the compiled BER form of the filter.
func (f *Filter) Packet() *ber.Packet {
	if f == nil {
		return nil
	}
	return f.packet
}

// ObjectClassPresent reports whether the filter is exactly (objectClass=*).
func (f *Filter) ObjectClassPresent() bool {
	if f == nil || f.packet == nil || f.packet.Tag != ldap.FilterPresent {
		return false
	}
	return strings.EqualFold(ber.DecodeString(f.packet.Data.Bytes()), AttrObjectClass)
}

// Matches evaluates the filter against an entry. Attribute names are compared
// case-insensitively and values use caseIgnore semantics unless an extensible
// assertion names caseExactMatch.
func (f *Filter) Matches(entry *ldap.Entry) bool {
	if f == nil || f.packet == nil || entry == nil {
		return false
	}
	return evaluate(f.packet, entry)
}

func evaluate(packet *ber.Packet, entry *ldap.Entry) bool {
	switch packet.Tag {
	case ldap.FilterAnd:
		for _, child := range packet.Children {
			if !evaluate(child, entry) {
				return false
			}
		}
		return true

	case ldap.FilterOr:
		for _, child := range packet.Children {
			if evaluate(child, entry) {
				return true
			}
		}
		return false

	case ldap.FilterNot:
		if len(packet.Children) != 1 {
			return false
		}
		return !evaluate(packet.Children[0], entry)

	case ldap.FilterPresent:
		attr := ber.DecodeString(packet.Data.Bytes())
		if strings.EqualFold(attr, AttrObjectClass) {
			return true
		}
		return len(entry.GetEqualFoldAttributeValues(attr)) > 0

	case ldap.FilterEqualityMatch:
		return anyValue(packet, entry, strings.EqualFold)

	case ldap.FilterGreaterOrEqual:
		return anyValue(packet, entry, func(value, assertion string) bool {
			return strings.ToLower(value) >= strings.ToLower(assertion)
		})

	case ldap.FilterLessOrEqual:
		return anyValue(packet, entry, func(value, assertion string) bool {
			return strings.ToLower(value) <= strings.ToLower(assertion)
		})

	case ldap.FilterApproxMatch:
		return anyValue(packet, entry, func(value, assertion string) bool {
			return normalizeForApprox(value) == normalizeForApprox(assertion)
		})

	case ldap.FilterSubstrings:
		return evaluateSubstrings(packet, entry)

	case ldap.FilterExtensibleMatch:
		return evaluateExtensible(packet, entry)

	default:
		return false
	}
}

// anyValue applies match to every value of the assertion's attribute.
func anyValue(packet *ber.Packet, entry *ldap.Entry, match func(value, assertion string) bool) bool {
	if len(packet.Children) != 2 {
		return false
	}
	attr := ber.DecodeString(packet.Children[0].Data.Bytes())
	assertion := ber.DecodeString(packet.Children[1].Data.Bytes())

	for _, value := range entry.GetEqualFoldAttributeValues(attr) {
		if match(value, assertion) {
			return true
		}
	}
	return false
}

func evaluateSubstrings(packet *ber.Packet, entry *ldap.Entry) bool {
	if len(packet.Children) != 2 {
		return false
	}
	attr := ber.DecodeString(packet.Children[0].Data.Bytes())

	var initial, final string
	var middle []string
	for _, part := range packet.Children[1].Children {
		s := strings.ToLower(ber.DecodeString(part.Data.Bytes()))
		switch part.Tag {
		case ldap.FilterSubstringsInitial:
			initial = s
		case ldap.FilterSubstringsAny:
			middle = append(middle, s)
		case ldap.FilterSubstringsFinal:
			final = s
		}
	}

	for _, value := range entry.GetEqualFoldAttributeValues(attr) {
		if matchSubstring(strings.ToLower(value), initial, middle, final) {
			return true
		}
	}
	return false
}

// matchSubstring checks value against an initial*any*...*final pattern. All
// inputs are already lower-cased.
func matchSubstring(value, initial string, middle []string, final string) bool {
	if !strings.HasPrefix(value, initial) {
		return false
	}
	rest := value[len(initial):]

	for _, part := range middle {
		if part == "" {
			continue
		}
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}

	return strings.HasSuffix(rest, final)
}

func evaluateExtensible(packet *ber.Packet, entry *ldap.Entry) bool {
	var attr, rule, assertion string
	dnAttributes := false

	for _, child := range packet.Children {
		switch child.Tag {
		case ldap.MatchingRuleAssertionMatchingRule:
			rule = ber.DecodeString(child.Data.Bytes())
		case ldap.MatchingRuleAssertionType:
			attr = ber.DecodeString(child.Data.Bytes())
		case ldap.MatchingRuleAssertionMatchValue:
			assertion = ber.DecodeString(child.Data.Bytes())
		case ldap.MatchingRuleAssertionDNAttributes:
			if b, ok := child.Value.(bool); ok {
				dnAttributes = b
			}
		}
	}

	match := strings.EqualFold
	switch {
	case rule == "",
		strings.EqualFold(rule, MatchingRuleCaseIgnore),
		rule == MatchingRuleCaseIgnoreOID:
	case strings.EqualFold(rule, MatchingRuleCaseExact), rule == MatchingRuleCaseExactOID:
		match = func(a, b string) bool { return a == b }
	default:
		// Unrecognized matching rules evaluate to Undefined.
		return false
	}

	for _, a := range entry.Attributes {
		if attr != "" && !strings.EqualFold(a.Name, attr) {
			continue
		}
		for _, value := range a.Values {
			if match(value, assertion) {
				return true
			}
		}
	}

	if !dnAttributes {
		return false
	}

	dn, err := ldap.ParseDN(entry.DN)
	if err != nil {
		return false
	}
	for _, rdn := range dn.RDNs {
		for _, ava := range rdn.Attributes {
			if attr != "" && !strings.EqualFold(ava.Type, attr) {
				continue
			}
			if match(ava.Value, assertion) {
				return true
			}
		}
	}
	return false
}

// normalizeForApprox lower-cases a value and collapses runs of whitespace.
func normalizeForApprox(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}
