package backend

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"

	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

// generalizedTimeFormat is the GeneralizedTime syntax used for timestamps.
const generalizedTimeFormat = "20060102150405Z"

// Entry is a stored directory entry. Entries are immutable once stored;
// modifications produce a new Entry that replaces the old one.
type Entry struct {
	dn         *ldap.DN
	key        string
	attributes []*ldap.EntryAttribute
	uuid       uuid.UUID
	createdAt  time.Time
	modifiedAt time.Time
	creator    string
	modifier   string
}

// NewEntry creates an entry with the given user attributes, sorted by name as
// ldap.NewEntry does.
func NewEntry(dn *ldap.DN, attributes map[string][]string) *Entry {
	e := &Entry{
		dn:   dn,
		key:  dirldap.NormalizeDN(dn),
		uuid: uuid.New(),
	}

	names := make([]string, 0, len(attributes))
	for name := range attributes {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		e.attributes = append(e.attributes, ldap.NewEntryAttribute(name, slices.Clone(attributes[name])))
	}
	return e
}

// DN returns the entry's distinguished name.
func (e *Entry) DN() *ldap.DN {
	return e.dn
}

// Key returns the normalized DN used to index the entry.
func (e *Entry) Key() string {
	return e.key
}

func (e *Entry) UUID() uuid.UUID {
	return e.uuid
}

func (e *Entry) CreatedAt() time.Time {
	return e.createdAt
}

func (e *Entry) ModifiedAt() time.Time {
	return e.modifiedAt
}

// Attribute returns the attribute with the given name, compared case-insensitively.
func (e *Entry) Attribute(name string) *ldap.EntryAttribute {
	for _, attr := range e.attributes {
		if strings.EqualFold(attr.Name, name) {
			return attr
		}
	}
	return nil
}

// Values returns the values of the named attribute.
func (e *Entry) Values(name string) []string {
	if attr := e.Attribute(name); attr != nil {
		return attr.Values
	}
	return nil
}

// HasObjectClass reports whether the entry belongs to the given object class.
func (e *Entry) HasObjectClass(class string) bool {
	return slices.ContainsFunc(e.Values(dirldap.AttrObjectClass), func(v string) bool {
		return strings.EqualFold(v, class)
	})
}

// IsReferral reports whether the entry is a referral object with at least one URL.
func (e *Entry) IsReferral() bool {
	return e.HasObjectClass(dirldap.ObjectClassReferral) && len(e.Values(dirldap.AttrRef)) > 0
}

// IsAlias reports whether the entry is an alias object.
func (e *Entry) IsAlias() bool {
	return e.HasObjectClass(dirldap.ObjectClassAlias) && len(e.Values(dirldap.AttrAliasedObjectName)) > 0
}

// clone returns a deep copy that may be modified before being stored.
func (e *Entry) clone() *Entry {
	c := *e
	c.attributes = make([]*ldap.EntryAttribute, 0, len(e.attributes))
	for _, attr := range e.attributes {
		c.attributes = append(c.attributes, ldap.NewEntryAttribute(attr.Name, slices.Clone(attr.Values)))
	}
	return &c
}

// withDN returns a copy of the entry stored under dn.
func (e *Entry) withDN(dn *ldap.DN) *Entry {
	c := e.clone()
	c.dn = dn
	c.key = dirldap.NormalizeDN(dn)
	return c
}

// userEntry converts the entry to a go-ldap entry holding only user attributes.
func (e *Entry) userEntry() *ldap.Entry {
	attrs := make([]*ldap.EntryAttribute, 0, len(e.attributes))
	for _, attr := range e.attributes {
		attrs = append(attrs, ldap.NewEntryAttribute(attr.Name, slices.Clone(attr.Values)))
	}
	return &ldap.Entry{DN: dirldap.FormatDN(e.dn), Attributes: attrs}
}

// operationalAttributes computes the operational attributes of the entry.
// numSubordinates is supplied by the store.
func (e *Entry) operationalAttributes(numSubordinates int, schemaDN string) []*ldap.EntryAttribute {
	hasSubordinates := "FALSE"
	if numSubordinates > 0 {
		hasSubordinates = "TRUE"
	}

	attrs := []*ldap.EntryAttribute{
		ldap.NewEntryAttribute(dirldap.AttrEntryDN, []string{dirldap.FormatDN(e.dn)}),
		ldap.NewEntryAttribute(dirldap.AttrEntryUUID, []string{e.uuid.String()}),
		ldap.NewEntryAttribute(dirldap.AttrCreateTimestamp, []string{e.createdAt.UTC().Format(generalizedTimeFormat)}),
		ldap.NewEntryAttribute(dirldap.AttrModifyTimestamp, []string{e.modifiedAt.UTC().Format(generalizedTimeFormat)}),
		ldap.NewEntryAttribute(dirldap.AttrHasSubordinates, []string{hasSubordinates}),
		ldap.NewEntryAttribute(dirldap.AttrNumSubordinates, []string{strconv.Itoa(numSubordinates)}),
	}
	if e.creator != "" {
		attrs = append(attrs, ldap.NewEntryAttribute(dirldap.AttrCreatorsName, []string{e.creator}))
	}
	if e.modifier != "" {
		attrs = append(attrs, ldap.NewEntryAttribute(dirldap.AttrModifiersName, []string{e.modifier}))
	}
	if schemaDN != "" {
		attrs = append(attrs, ldap.NewEntryAttribute(dirldap.AttrSubschemaSubentry, []string{schemaDN}))
	}
	return attrs
}

var operationalAttributeNames = map[string]bool{
	"entrydn":           true,
	"entryuuid":         true,
	"createtimestamp":   true,
	"modifytimestamp":   true,
	"creatorsname":      true,
	"modifiersname":     true,
	"hassubordinates":   true,
	"numsubordinates":   true,
	"subschemasubentry": true,
}

// IsOperationalAttribute reports whether name is maintained by the server.
func IsOperationalAttribute(name string) bool {
	return operationalAttributeNames[strings.ToLower(name)]
}

// Mutators below are only used on clones that have not been stored yet.

func (e *Entry) hasValue(name, value string) bool {
	return slices.ContainsFunc(e.Values(name), func(v string) bool {
		return strings.EqualFold(v, value)
	})
}

func (e *Entry) appendValue(name, value string) {
	if attr := e.Attribute(name); attr != nil {
		e.setValues(attr.Name, append(slices.Clone(attr.Values), value))
		return
	}
	e.attributes = append(e.attributes, ldap.NewEntryAttribute(name, []string{value}))
	slices.SortFunc(e.attributes, func(a, b *ldap.EntryAttribute) int {
		return strings.Compare(a.Name, b.Name)
	})
}

func (e *Entry) setValues(name string, values []string) {
	for i, attr := range e.attributes {
		if strings.EqualFold(attr.Name, name) {
			e.attributes[i] = ldap.NewEntryAttribute(attr.Name, values)
			return
		}
	}
}

// removeValue removes a single value and drops the attribute once it is empty.
func (e *Entry) removeValue(name, value string) bool {
	attr := e.Attribute(name)
	if attr == nil {
		return false
	}
	i := slices.IndexFunc(attr.Values, func(v string) bool {
		return strings.EqualFold(v, value)
	})
	if i < 0 {
		return false
	}
	remaining := slices.Delete(slices.Clone(attr.Values), i, i+1)
	if len(remaining) == 0 {
		e.removeAttribute(name)
	} else {
		e.setValues(attr.Name, remaining)
	}
	return true
}

func (e *Entry) removeAttribute(name string) {
	e.attributes = slices.DeleteFunc(e.attributes, func(attr *ldap.EntryAttribute) bool {
		return strings.EqualFold(attr.Name, name)
	})
}

// attributeSet collects attribute values case-insensitively, keeping the
// first spelling of each attribute name.
type attributeSet struct {
	names map[string]string
	vals  map[string][]string
}

func newAttributeSet() *attributeSet {
	return &attributeSet{
		names: make(map[string]string),
		vals:  make(map[string][]string),
	}
}

func (s *attributeSet) get(name string) []string {
	return s.vals[strings.ToLower(name)]
}

func (s *attributeSet) has(name, value string) bool {
	return slices.ContainsFunc(s.get(name), func(v string) bool {
		return strings.EqualFold(v, value)
	})
}

// add appends values, rejecting any value the attribute already holds.
func (s *attributeSet) add(name string, values []string) error {
	key := strings.ToLower(name)
	if _, ok := s.names[key]; !ok {
		s.names[key] = name
	}
	for _, v := range values {
		if s.has(name, v) {
			return dirldap.NewDirectoryError(ldap.LDAPResultAttributeOrValueExists, "duplicate value %q for %s", v, name)
		}
		s.vals[key] = append(s.vals[key], v)
	}
	return nil
}

func (s *attributeSet) values() map[string][]string {
	out := make(map[string][]string, len(s.vals))
	for key, vals := range s.vals {
		out[s.names[key]] = vals
	}
	return out
}
