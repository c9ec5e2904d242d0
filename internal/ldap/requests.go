package ldap

import (
	"github.com/go-ldap/ldap/v3"
)

// NewSearchRequest creates a search request for the given base, scope and filter,
// projecting the listed attributes. Nil arguments panic.
func NewSearchRequest(name *ldap.DN, scope SearchScope, filter *Filter, attributes ...string) *SearchRequest {
	return new(SearchRequest).
		SetName(name).
		SetScope(scope).
		SetFilter(filter).
		SetDereferenceAliasesPolicy(NeverDerefAliases).
		AddAttribute(attributes...)
}

// NewSearchRequestFromStrings parses name and filter and creates a search request.
// A malformed DN or filter is reported as a *ParseError.
func NewSearchRequestFromStrings(name string, scope SearchScope, filter string, attributes ...string) (*SearchRequest, error) {
	dn, err := ParseDN(name)
	if err != nil {
		return nil, err
	}

	f, err := ParseFilter(filter)
	if err != nil {
		return nil, err
	}

	return NewSearchRequest(dn, scope, f, attributes...), nil
}

// NewObjectClassSearchRequest creates a search request matching every entry in scope.
func NewObjectClassSearchRequest(name *ldap.DN, scope SearchScope, attributes ...string) *SearchRequest {
	return NewSearchRequest(name, scope, ObjectClassPresentFilter(), attributes...)
}

// NewSingleEntrySearchRequest creates a search request with a size limit of one.
func NewSingleEntrySearchRequest(name *ldap.DN, scope SearchScope, filter *Filter, attributes ...string) *SearchRequest {
	return NewSearchRequest(name, scope, filter, attributes...).SetSizeLimit(1)
}

// NewSingleEntrySearchRequestFromStrings is the string form of NewSingleEntrySearchRequest.
func NewSingleEntrySearchRequestFromStrings(name string, scope SearchScope, filter string, attributes ...string) (*SearchRequest, error) {
	req, err := NewSearchRequestFromStrings(name, scope, filter, attributes...)
	if err != nil {
		return nil, err
	}
	return req.SetSizeLimit(1), nil
}

// NewSearchRequestFromLDAP converts a go-ldap search request. Attribute order
// and controls are preserved.
func NewSearchRequestFromLDAP(r *ldap.SearchRequest) (*SearchRequest, error) {
	if !SearchScope(r.Scope).IsValid() || !DerefAliases(r.DerefAliases).IsValid() || r.SizeLimit < 0 || r.TimeLimit < 0 {
		return nil, NewDirectoryError(ldap.LDAPResultProtocolError, "invalid search parameters")
	}

	filter := r.Filter
	if filter == "" {
		filter = DefaultFilter
	}

	req, err := NewSearchRequestFromStrings(r.BaseDN, SearchScope(r.Scope), filter, r.Attributes...)
	if err != nil {
		return nil, err
	}

	req.SetSizeLimit(r.SizeLimit).
		SetTimeLimit(r.TimeLimit).
		SetTypesOnly(r.TypesOnly).
		SetDereferenceAliasesPolicy(DerefAliases(r.DerefAliases))
	for _, c := range r.Controls {
		if c != nil {
			req.AddControl(c)
		}
	}
	return req, nil
}
