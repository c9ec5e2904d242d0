package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// SearchScope defines LDAP search scope.
type SearchScope int

// Values match the go-ldap scope constants so they can be passed straight to the wire layer.
const (
	ScopeBaseObject   SearchScope = ldap.ScopeBaseObject
	ScopeSingleLevel  SearchScope = ldap.ScopeSingleLevel
	ScopeWholeSubtree SearchScope = ldap.ScopeWholeSubtree
	ScopeSubordinates SearchScope = ldap.ScopeChildren
)

// String returns the LDAP URL form of the scope.
func (s SearchScope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	case ScopeSubordinates:
		return "subordinates"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsValid reports whether s is one of the four defined scopes.
func (s SearchScope) IsValid() bool {
	return s >= ScopeBaseObject && s <= ScopeSubordinates
}

// ParseSearchScope parses the textual scope names used in LDAP URLs and on the command line.
func ParseSearchScope(s string) (SearchScope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "base", "baseobject":
		return ScopeBaseObject, nil
	case "one", "onelevel", "singlelevel":
		return ScopeSingleLevel, nil
	case "sub", "subtree", "wholesubtree":
		return ScopeWholeSubtree, nil
	case "subordinates", "subordinate", "children":
		return ScopeSubordinates, nil
	default:
		return 0, fmt.Errorf("unknown search scope %q", s)
	}
}

// DerefAliases defines alias dereferencing behavior.
type DerefAliases int

const (
	NeverDerefAliases   DerefAliases = ldap.NeverDerefAliases
	DerefInSearching    DerefAliases = ldap.DerefInSearching
	DerefFindingBaseObj DerefAliases = ldap.DerefFindingBaseObj
	DerefAlways         DerefAliases = ldap.DerefAlways
)

// String returns the go-ldap name of the policy.
func (d DerefAliases) String() string {
	if name, ok := ldap.DerefMap[int(d)]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(d))
}

// IsValid reports whether d is a defined dereferencing policy.
func (d DerefAliases) IsValid() bool {
	return d >= NeverDerefAliases && d <= DerefAlways
}

// DerefsBase reports whether the base entry of a search is dereferenced.
func (d DerefAliases) DerefsBase() bool {
	return d == DerefFindingBaseObj || d == DerefAlways
}

// DerefsInScope reports whether aliases found below the base are dereferenced.
func (d DerefAliases) DerefsInScope() bool {
	return d == DerefInSearching || d == DerefAlways
}

// ParseDerefAliases parses never|search|find|always and the go-ldap names.
func ParseDerefAliases(s string) (DerefAliases, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "never", "neverderefaliases":
		return NeverDerefAliases, nil
	case "search", "searching", "derefinsearching":
		return DerefInSearching, nil
	case "find", "finding", "derefindingbaseobj", "dereffindingbaseobj":
		return DerefFindingBaseObj, nil
	case "always", "derefalways":
		return DerefAlways, nil
	default:
		return 0, fmt.Errorf("unknown alias dereferencing policy %q", s)
	}
}

// Reference is a search result reference: one or more LDAP URIs where the
// remainder of the search may be continued.
type Reference struct {
	URIs []string
}

// NewReference creates a reference from the given URIs.
func NewReference(uris ...string) *Reference {
	return &Reference{URIs: append([]string(nil), uris...)}
}

// String returns the URIs separated by spaces.
func (r *Reference) String() string {
	if r == nil {
		return ""
	}
	return strings.Join(r.URIs, " ")
}

// Well-known attribute and object class names used across the directory.
const (
	AttrObjectClass       = "objectClass"
	AttrEntryDN           = "entryDN"
	AttrEntryUUID         = "entryUUID"
	AttrCreateTimestamp   = "createTimestamp"
	AttrModifyTimestamp   = "modifyTimestamp"
	AttrCreatorsName      = "creatorsName"
	AttrModifiersName     = "modifiersName"
	AttrHasSubordinates   = "hasSubordinates"
	AttrNumSubordinates   = "numSubordinates"
	AttrSubschemaSubentry = "subschemaSubentry"
	AttrRef               = "ref"
	AttrAliasedObjectName = "aliasedObjectName"
	AttrNamingContexts    = "namingContexts"
	AttrSupportedControl  = "supportedControl"
	AttrSupportedVersion  = "supportedLDAPVersion"

	ObjectClassTop      = "top"
	ObjectClassReferral = "referral"
	ObjectClassAlias    = "alias"
	ObjectClassSubentry = "subentry"

	// Attribute selectors with special meaning in a search request.
	SelectAllUserAttributes        = "*"
	SelectAllOperationalAttributes = "+"
	SelectNoAttributes             = "1.1"
)
