package ldap

import (
	"fmt"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// SearchRequest describes one search to execute in-process. Setters validate
// their argument and return the receiver so calls can be chained:
//
//	req := NewObjectClassSearchRequest(base, ScopeWholeSubtree).
//		SetSizeLimit(10).
//		AddAttribute("cn", "mail")
//
// A request has a single owner. Once handed to an operation it must not be
// mutated; operations work on a Clone.
type SearchRequest struct {
	name       *ldap.DN
	scope      SearchScope
	filter     *Filter
	attributes []string
	sizeLimit  int
	timeLimit  int
	typesOnly  bool
	deref      DerefAliases
	controls   []ldap.Control
}

// Name returns the base DN of the search.
func (r *SearchRequest) Name() *ldap.DN {
	return r.name
}

// SetName sets the base DN. A nil DN panics; use an empty DN for the root DSE.
func (r *SearchRequest) SetName(name *ldap.DN) *SearchRequest {
	if name == nil {
		precondition("search base DN must not be nil")
	}
	r.name = name
	return r
}

func (r *SearchRequest) Scope() SearchScope {
	return r.scope
}

// SetScope sets the search scope. An undefined scope panics.
func (r *SearchRequest) SetScope(scope SearchScope) *SearchRequest {
	if !scope.IsValid() {
		precondition("invalid search scope %d", int(scope))
	}
	r.scope = scope
	return r
}

func (r *SearchRequest) Filter() *Filter {
	return r.filter
}

// SetFilter sets the search filter. A nil filter panics.
func (r *SearchRequest) SetFilter(filter *Filter) *SearchRequest {
	if filter == nil {
		precondition("search filter must not be nil")
	}
	r.filter = filter
	return r
}

// SizeLimit is the maximum number of entries to return, 0 for no limit.
func (r *SearchRequest) SizeLimit() int {
	return r.sizeLimit
}

// SetSizeLimit sets the size limit. A negative limit panics.
func (r *SearchRequest) SetSizeLimit(limit int) *SearchRequest {
	if limit < 0 {
		precondition("size limit must be non-negative, got %d", limit)
	}
	r.sizeLimit = limit
	return r
}

// TimeLimit is the maximum duration of the search in seconds, 0 for no limit.
func (r *SearchRequest) TimeLimit() int {
	return r.timeLimit
}

// SetTimeLimit sets the time limit in seconds. A negative limit panics.
func (r *SearchRequest) SetTimeLimit(seconds int) *SearchRequest {
	if seconds < 0 {
		precondition("time limit must be non-negative, got %d", seconds)
	}
	r.timeLimit = seconds
	return r
}

func (r *SearchRequest) TypesOnly() bool {
	return r.typesOnly
}

// SetTypesOnly requests attribute names without values.
func (r *SearchRequest) SetTypesOnly(typesOnly bool) *SearchRequest {
	r.typesOnly = typesOnly
	return r
}

func (r *SearchRequest) DereferenceAliasesPolicy() DerefAliases {
	return r.deref
}

// SetDereferenceAliasesPolicy sets the alias dereferencing policy. An undefined policy panics.
func (r *SearchRequest) SetDereferenceAliasesPolicy(policy DerefAliases) *SearchRequest {
	if !policy.IsValid() {
		precondition("invalid alias dereferencing policy %d", int(policy))
	}
	r.deref = policy
	return r
}

// Attributes returns the requested attribute names in the order they were added.
func (r *SearchRequest) Attributes() []string {
	return slices.Clone(r.attributes)
}

// AddAttribute appends attribute names to the projection. Names already present,
// compared case-insensitively, are ignored. An empty name panics.
func (r *SearchRequest) AddAttribute(names ...string) *SearchRequest {
	for _, name := range names {
		if name == "" {
			precondition("attribute name must not be empty")
		}
		if slices.ContainsFunc(r.attributes, func(existing string) bool {
			return strings.EqualFold(existing, name)
		}) {
			continue
		}
		r.attributes = append(r.attributes, name)
	}
	return r
}

// Controls returns the request controls in insertion order.
func (r *SearchRequest) Controls() []ldap.Control {
	return slices.Clone(r.controls)
}

// AddControl attaches a control. A control whose OID is already present replaces
// the earlier one in place, so at most one control per OID is ever attached.
// A nil control panics.
func (r *SearchRequest) AddControl(control ldap.Control) *SearchRequest {
	if control == nil {
		precondition("control must not be nil")
	}
	if i := indexOfControl(r.controls, control.GetControlType()); i >= 0 {
		r.controls[i] = control
		return r
	}
	r.controls = append(r.controls, control)
	return r
}

// ContainsControl reports whether a control with the given OID is attached.
func (r *SearchRequest) ContainsControl(oid string) bool {
	return indexOfControl(r.controls, oid) >= 0
}

// GetControl returns the attached control with the given OID, or nil.
func (r *SearchRequest) GetControl(oid string) ldap.Control {
	return FindControl(r.controls, oid)
}

// IsSingleEntrySearch reports whether at most one entry can be returned:
// the size limit is exactly 1 or the scope is the base object.
func (r *SearchRequest) IsSingleEntrySearch() bool {
	return r.sizeLimit == 1 || r.scope == ScopeBaseObject
}

// Clone returns a copy that shares no mutable state with r. DN, filter and
// controls are immutable and shared.
func (r *SearchRequest) Clone() *SearchRequest {
	c := *r
	c.attributes = slices.Clone(r.attributes)
	c.controls = slices.Clone(r.controls)
	return &c
}

// ToLDAP converts the request to its go-ldap wire form.
func (r *SearchRequest) ToLDAP() *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		FormatDN(r.name),
		int(r.scope),
		int(r.deref),
		r.sizeLimit,
		r.timeLimit,
		r.typesOnly,
		r.filter.String(),
		r.Attributes(),
		r.Controls(),
	)
}

// String describes the request for logs and error messages.
func (r *SearchRequest) String() string {
	oids := make([]string, 0, len(r.controls))
	for _, c := range r.controls {
		oids = append(oids, c.GetControlType())
	}
	return fmt.Sprintf(
		"SearchRequest(name=%q, scope=%s, filter=%s, attributes=%v, sizeLimit=%d, timeLimit=%d, typesOnly=%t, deref=%s, controls=%v)",
		FormatDN(r.name), r.scope, r.filter, r.attributes, r.sizeLimit, r.timeLimit, r.typesOnly, r.deref, oids,
	)
}

// LogFields returns the request as structured log fields.
func (r *SearchRequest) LogFields() map[string]any {
	return map[string]any{
		"base_dn":    FormatDN(r.name),
		"scope":      r.scope.String(),
		"filter":     r.filter.String(),
		"attributes": r.Attributes(),
		"size_limit": r.sizeLimit,
		"time_limit": r.timeLimit,
		"types_only": r.typesOnly,
		"deref":      r.deref.String(),
	}
}
