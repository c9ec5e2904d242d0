package ldap

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ParseDN parses an RFC 4514 distinguished name. The empty string is the root DSE.
func ParseDN(dn string) (*ldap.DN, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return nil, &ParseError{Kind: "DN", Input: dn, Cause: err}
	}
	return parsed, nil
}

// MustParseDN is like ParseDN but panics on malformed input. Intended for
// constants and tests.
func MustParseDN(dn string) *ldap.DN {
	parsed, err := ParseDN(dn)
	if err != nil {
		panic(err)
	}
	return parsed
}

// ValidateDNSyntax validates that a string is a properly formatted, non-empty DN.
func ValidateDNSyntax(dn string) error {
	if strings.TrimSpace(dn) == "" {
		return &ParseError{Kind: "DN", Input: dn}
	}
	_, err := ParseDN(dn)
	return err
}

// NormalizeDN returns the canonical key of a DN. Attribute types and values
// are case-folded (caseIgnoreMatch) before go-ldap sorts the components of
// each multi-valued RDN and renders the result, so two DNs that name the same
// entry normalize to the same key.
func NormalizeDN(dn *ldap.DN) string {
	if IsRootDN(dn) {
		return ""
	}

	folded := &ldap.DN{RDNs: make([]*ldap.RelativeDN, 0, len(dn.RDNs))}
	for _, rdn := range dn.RDNs {
		attrs := make([]*ldap.AttributeTypeAndValue, 0, len(rdn.Attributes))
		for _, attr := range rdn.Attributes {
			attrs = append(attrs, &ldap.AttributeTypeAndValue{
				Type:  strings.ToLower(attr.Type),
				Value: strings.ToLower(attr.Value),
			})
		}
		folded.RDNs = append(folded.RDNs, &ldap.RelativeDN{Attributes: attrs})
	}
	return folded.String()
}

// NormalizeDNString parses dn and returns its canonical key.
func NormalizeDNString(dn string) (string, error) {
	parsed, err := ParseDN(dn)
	if err != nil {
		return "", err
	}
	return NormalizeDN(parsed), nil
}

// FormatDN renders a DN for display, keeping the attribute type spelling and
// the order of multi-valued RDN components.
func FormatDN(dn *ldap.DN) string {
	if dn == nil {
		return ""
	}

	rdns := make([]string, 0, len(dn.RDNs))
	for _, rdn := range dn.RDNs {
		parts := make([]string, 0, len(rdn.Attributes))
		for _, attr := range rdn.Attributes {
			parts = append(parts, attr.Type+"="+ldap.EscapeDN(attr.Value))
		}
		rdns = append(rdns, strings.Join(parts, "+"))
	}
	return strings.Join(rdns, ",")
}

// ParentDN returns the DN with the leftmost RDN removed, or nil for the root DSE.
func ParentDN(dn *ldap.DN) *ldap.DN {
	if dn == nil || len(dn.RDNs) == 0 {
		return nil
	}
	return &ldap.DN{RDNs: dn.RDNs[1:]}
}

// IsRootDN reports whether dn is the zero-length root DSE name.
func IsRootDN(dn *ldap.DN) bool {
	return dn == nil || len(dn.RDNs) == 0
}

// IsDescendant reports whether child sits anywhere below parent.
// The root DSE is the ancestor of every non-empty DN.
func IsDescendant(child, parent *ldap.DN) bool {
	if child == nil || len(child.RDNs) == 0 {
		return false
	}
	if IsRootDN(parent) {
		return true
	}
	return parent.AncestorOfFold(child)
}

// SameDN reports whether a and b name the same entry.
func SameDN(a, b *ldap.DN) bool {
	return NormalizeDN(a) == NormalizeDN(b)
}
