/*
Package ldap provides the directory value types shared by the in-process
directory server: search requests, filters, DN helpers, controls and the
error taxonomy.

# Architecture Overview

The package is organized into several core components:

  - SearchRequest: fluent builder describing one search (base, scope, filter,
    projection, limits, alias policy, controls)
  - Request factories: NewSearchRequest, NewSearchRequestFromStrings,
    NewObjectClassSearchRequest and the single-entry variants
  - Filter: an RFC 4515 filter compiled by go-ldap and evaluated against entries
  - DN helpers: parsing, normalization, ancestry and RFC 4514 escaping
  - SearchOperation and Result: the contract between an operation and the
    execution engine that runs it

DNs, entries and controls are the go-ldap types (*ldap.DN, *ldap.Entry,
ldap.Control), so values built here can be handed to go-ldap unchanged.

# Error Handling

Three kinds of failure are distinguished:

  - Precondition violations: a builder received a nil argument or a negative
    limit. The setter panics with an error wrapping ErrPrecondition.
  - Parse errors: a DN or filter string is malformed. Factories return a
    *ParseError matching ErrParse.
  - Directory errors: processing must stop with an LDAP result code. Listeners
    and the engine return a *DirectoryError matching ErrDirectory.

LDAPError adds operation context and a category for logging.

# Thread Safety

A SearchRequest has a single owner and no internal locking. Filters and the
DN helpers are safe for concurrent use.

# Example Usage

	req, err := ldap.NewSearchRequestFromStrings(
		"ou=People,dc=example,dc=com",
		ldap.ScopeWholeSubtree,
		"(&(objectClass=person)(cn=J*))",
		"cn", "mail",
	)
	if err != nil {
		return err
	}
	req.SetSizeLimit(100).AddControl(ldap.NewManageDsaITControl(false))
*/
package ldap
