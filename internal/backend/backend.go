package backend

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

// DefaultSchemaDN is the value of subschemaSubentry on every entry.
const DefaultSchemaDN = "cn=schema"

// Backend is an in-memory directory information tree rooted at one or more
// suffixes. It executes searches and updates against its Store.
//
// Searches run concurrently with each other. Updates are serialized.
type Backend struct {
	store    *Store
	suffixes []*ldap.DN
	schemaDN string
	now      func() time.Time

	mu sync.Mutex // serializes updates
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock sets the time source used for createTimestamp and modifyTimestamp.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// WithSchemaDN sets the subschemaSubentry value. An empty DN omits the attribute.
func WithSchemaDN(dn string) Option {
	return func(b *Backend) {
		b.schemaDN = dn
	}
}

// WithStore makes the backend operate on an existing store.
func WithStore(store *Store) Option {
	return func(b *Backend) {
		b.store = store
	}
}

// New creates a backend serving the given suffixes.
func New(suffixes []*ldap.DN, opts ...Option) *Backend {
	b := &Backend{
		suffixes: slices.Clone(suffixes),
		schemaDN: DefaultSchemaDN,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.store == nil {
		b.store = NewStore()
	}
	return b
}

// NewFromStrings creates a backend from string suffixes.
func NewFromStrings(suffixes []string, opts ...Option) (*Backend, error) {
	dns := make([]*ldap.DN, 0, len(suffixes))
	for _, s := range suffixes {
		dn, err := dirldap.ParseDN(s)
		if err != nil {
			return nil, err
		}
		if dirldap.IsRootDN(dn) {
			return nil, dirldap.NewDirectoryError(ldap.LDAPResultUnwillingToPerform, "the root DSE cannot be a suffix")
		}
		dns = append(dns, dn)
	}
	return New(dns, opts...), nil
}

// Store returns the underlying entry store.
func (b *Backend) Store() *Store {
	return b.store
}

// Suffixes returns the naming contexts served by the backend.
func (b *Backend) Suffixes() []*ldap.DN {
	return slices.Clone(b.suffixes)
}

// GetEntry returns the stored entry with the given DN.
func (b *Backend) GetEntry(dn *ldap.DN) (*Entry, bool) {
	return b.store.Get(dn)
}

// EntryExists reports whether an entry with the given DN is stored.
func (b *Backend) EntryExists(dn *ldap.DN) bool {
	return b.store.Contains(dn)
}

func (b *Backend) isSuffix(dn *ldap.DN) bool {
	return slices.ContainsFunc(b.suffixes, func(s *ldap.DN) bool {
		return dirldap.SameDN(s, dn)
	})
}

// inNamingContext reports whether dn is a suffix or below one.
func (b *Backend) inNamingContext(dn *ldap.DN) bool {
	return slices.ContainsFunc(b.suffixes, func(s *ldap.DN) bool {
		return dirldap.SameDN(s, dn) || dirldap.IsDescendant(dn, s)
	})
}

// closestEntry returns the nearest existing ancestor of dn, or nil.
func (b *Backend) closestEntry(dn *ldap.DN) *Entry {
	for parent := dirldap.ParentDN(dn); parent != nil && !dirldap.IsRootDN(parent); parent = dirldap.ParentDN(parent) {
		if e, ok := b.store.Get(parent); ok {
			return e
		}
	}
	return nil
}

// noSuchObject builds the error for a missing entry, carrying the closest
// existing ancestor as matched DN.
func (b *Backend) noSuchObject(dn *ldap.DN) *dirldap.DirectoryError {
	err := dirldap.NewDirectoryError(ldap.LDAPResultNoSuchObject, "entry %s does not exist", dirldap.FormatDN(dn))
	if ancestor := b.closestEntry(dn); ancestor != nil {
		err = err.WithMatchedDN(dirldap.FormatDN(ancestor.dn))
	}
	return err
}

func parseTargetDN(s string) (*ldap.DN, error) {
	dn, err := dirldap.ParseDN(s)
	if err != nil {
		return nil, dirldap.NewDirectoryError(ldap.LDAPResultInvalidDNSyntax, "invalid DN %q", s).WithCause(err)
	}
	return dn, nil
}

// Add creates a new entry. The parent must exist unless the entry is a suffix.
func (b *Backend) Add(ctx context.Context, req *ldap.AddRequest) error {
	return dirldap.LogOperation(ctx, dirldap.SubsystemBackend, "add", map[string]any{"dn": req.DN}, func() error {
		dn, err := parseTargetDN(req.DN)
		if err != nil {
			return err
		}
		if dirldap.IsRootDN(dn) {
			return dirldap.NewDirectoryError(ldap.LDAPResultUnwillingToPerform, "the root DSE cannot be added")
		}
		if !b.inNamingContext(dn) {
			return dirldap.NewDirectoryError(ldap.LDAPResultNoSuchObject, "%s is not within any naming context", req.DN)
		}

		attrs := newAttributeSet()
		var entryUUID *uuid.UUID
		for _, attr := range req.Attributes {
			if attr.Type == "" {
				return dirldap.NewDirectoryError(ldap.LDAPResultProtocolError, "attribute with empty type")
			}
			if len(attr.Vals) == 0 {
				return dirldap.NewDirectoryError(ldap.LDAPResultProtocolError, "attribute %s has no values", attr.Type)
			}
			if strings.EqualFold(attr.Type, dirldap.AttrEntryUUID) {
				id, err := parseSuppliedUUID(attr.Vals)
				if err != nil {
					return err
				}
				entryUUID = &id
				continue
			}
			if IsOperationalAttribute(attr.Type) {
				return dirldap.NewDirectoryError(ldap.LDAPResultConstraintViolation, "attribute %s is maintained by the server", attr.Type)
			}
			if err := attrs.add(attr.Type, attr.Vals); err != nil {
				return err
			}
		}
		if len(attrs.get(dirldap.AttrObjectClass)) == 0 {
			return dirldap.NewDirectoryError(ldap.LDAPResultObjectClassViolation, "entry %s has no object class", req.DN)
		}
		// RDN values are always present in the entry.
		for _, ava := range dn.RDNs[0].Attributes {
			if !attrs.has(ava.Type, ava.Value) {
				_ = attrs.add(ava.Type, []string{ava.Value})
			}
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		if b.store.Contains(dn) {
			return dirldap.NewDirectoryError(ldap.LDAPResultEntryAlreadyExists, "entry %s already exists", req.DN)
		}
		if !b.isSuffix(dn) && !b.store.Contains(dirldap.ParentDN(dn)) {
			return b.noSuchObject(dirldap.ParentDN(dn))
		}

		entry := NewEntry(dn, attrs.values())
		if entryUUID != nil {
			if _, taken := b.store.GetByUUID(*entryUUID); taken {
				return dirldap.NewDirectoryError(ldap.LDAPResultConstraintViolation, "entryUUID %s is already in use", entryUUID)
			}
			entry.uuid = *entryUUID
		}
		entry.createdAt = b.now()
		entry.modifiedAt = entry.createdAt
		entry.creator = dirldap.AuthorizationDN(ctx)
		entry.modifier = entry.creator

		b.store.Put(entry)
		return nil
	})
}

func parseSuppliedUUID(values []string) (uuid.UUID, error) {
	if len(values) != 1 {
		return uuid.Nil, dirldap.NewDirectoryError(ldap.LDAPResultConstraintViolation, "entryUUID is single-valued")
	}
	id, err := uuid.Parse(values[0])
	if err != nil {
		return uuid.Nil, dirldap.NewDirectoryError(ldap.LDAPResultInvalidAttributeSyntax, "invalid entryUUID %q", values[0]).WithCause(err)
	}
	return id, nil
}

// Delete removes a leaf entry.
func (b *Backend) Delete(ctx context.Context, req *ldap.DelRequest) error {
	return dirldap.LogOperation(ctx, dirldap.SubsystemBackend, "delete", map[string]any{"dn": req.DN}, func() error {
		dn, err := parseTargetDN(req.DN)
		if err != nil {
			return err
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		if !b.store.Contains(dn) {
			return b.noSuchObject(dn)
		}
		if n := b.store.NumChildren(dn); n > 0 {
			return dirldap.NewDirectoryError(ldap.LDAPResultNotAllowedOnNonLeaf, "entry %s has %d subordinates", req.DN, n)
		}
		b.store.Delete(dn)
		return nil
	})
}

// Modify applies a list of changes atomically: either all changes are
// applied or the entry is left untouched.
func (b *Backend) Modify(ctx context.Context, req *ldap.ModifyRequest) error {
	fields := map[string]any{"dn": req.DN, "changes": len(req.Changes)}
	return dirldap.LogOperation(ctx, dirldap.SubsystemBackend, "modify", fields, func() error {
		dn, err := parseTargetDN(req.DN)
		if err != nil {
			return err
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		current, ok := b.store.Get(dn)
		if !ok {
			return b.noSuchObject(dn)
		}

		updated := current.clone()
		for _, change := range req.Changes {
			if err := applyChange(updated, change); err != nil {
				return err
			}
		}

		for _, ava := range dn.RDNs[0].Attributes {
			if !updated.hasValue(ava.Type, ava.Value) {
				return dirldap.NewDirectoryError(ldap.LDAPResultNotAllowedOnRDN, "cannot remove RDN value %s=%s", ava.Type, ava.Value)
			}
		}
		if len(updated.Values(dirldap.AttrObjectClass)) == 0 {
			return dirldap.NewDirectoryError(ldap.LDAPResultObjectClassViolation, "entry %s would have no object class", req.DN)
		}

		updated.modifiedAt = b.now()
		updated.modifier = dirldap.AuthorizationDN(ctx)
		b.store.Put(updated)
		return nil
	})
}

// ModifyDN renames an entry and, when NewSuperior is set, moves it below a
// new parent. Entries below it move along. With DeleteOldRDN the values of
// the old RDN that the new RDN does not repeat are removed from the entry.
func (b *Backend) ModifyDN(ctx context.Context, req *ldap.ModifyDNRequest) error {
	fields := map[string]any{
		"dn":             req.DN,
		"new_rdn":        req.NewRDN,
		"delete_old_rdn": req.DeleteOldRDN,
		"new_superior":   req.NewSuperior,
	}
	return dirldap.LogOperation(ctx, dirldap.SubsystemBackend, "modify_dn", fields, func() error {
		dn, err := parseTargetDN(req.DN)
		if err != nil {
			return err
		}
		if dirldap.IsRootDN(dn) {
			return dirldap.NewDirectoryError(ldap.LDAPResultUnwillingToPerform, "the root DSE cannot be renamed")
		}
		newRDN, err := parseTargetDN(req.NewRDN)
		if err != nil {
			return err
		}
		if len(newRDN.RDNs) != 1 {
			return dirldap.NewDirectoryError(ldap.LDAPResultInvalidDNSyntax, "new RDN %q is not a single RDN", req.NewRDN)
		}
		for _, ava := range newRDN.RDNs[0].Attributes {
			if IsOperationalAttribute(ava.Type) {
				return dirldap.NewDirectoryError(ldap.LDAPResultNamingViolation, "attribute %s cannot be used in an RDN", ava.Type)
			}
		}

		superior := dirldap.ParentDN(dn)
		if req.NewSuperior != "" {
			if superior, err = parseTargetDN(req.NewSuperior); err != nil {
				return err
			}
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		current, ok := b.store.Get(dn)
		if !ok {
			return b.noSuchObject(dn)
		}
		if b.isSuffix(dn) {
			return dirldap.NewDirectoryError(ldap.LDAPResultUnwillingToPerform, "naming context %s cannot be renamed", req.DN)
		}
		if req.NewSuperior != "" {
			if dirldap.SameDN(superior, dn) || dirldap.IsDescendant(superior, dn) {
				return dirldap.NewDirectoryError(ldap.LDAPResultUnwillingToPerform, "entry %s cannot be moved below itself", req.DN)
			}
			if !b.store.Contains(superior) {
				return b.noSuchObject(superior)
			}
		}

		newDN := &ldap.DN{RDNs: append([]*ldap.RelativeDN{newRDN.RDNs[0]}, superior.RDNs...)}
		if !dirldap.SameDN(newDN, dn) && b.store.Contains(newDN) {
			return dirldap.NewDirectoryError(ldap.LDAPResultEntryAlreadyExists, "entry %s already exists", dirldap.FormatDN(newDN))
		}

		updated := current.clone()
		if req.DeleteOldRDN {
			for _, ava := range dn.RDNs[0].Attributes {
				if !rdnHasValue(newRDN.RDNs[0], ava) {
					updated.removeValue(ava.Type, ava.Value)
				}
			}
		}
		for _, ava := range newRDN.RDNs[0].Attributes {
			if !updated.hasValue(ava.Type, ava.Value) {
				updated.appendValue(ava.Type, ava.Value)
			}
		}
		if len(updated.Values(dirldap.AttrObjectClass)) == 0 {
			return dirldap.NewDirectoryError(ldap.LDAPResultObjectClassViolation, "entry %s would have no object class", req.DN)
		}

		updated.dn = newDN
		updated.key = dirldap.NormalizeDN(newDN)
		updated.modifiedAt = b.now()
		updated.modifier = dirldap.AuthorizationDN(ctx)
		b.store.Rename(dn, updated)
		return nil
	})
}

func rdnHasValue(rdn *ldap.RelativeDN, ava *ldap.AttributeTypeAndValue) bool {
	return slices.ContainsFunc(rdn.Attributes, func(a *ldap.AttributeTypeAndValue) bool {
		return strings.EqualFold(a.Type, ava.Type) && strings.EqualFold(a.Value, ava.Value)
	})
}

func applyChange(e *Entry, change ldap.Change) error {
	name := change.Modification.Type
	vals := change.Modification.Vals
	if name == "" {
		return dirldap.NewDirectoryError(ldap.LDAPResultProtocolError, "modification with empty attribute type")
	}
	if IsOperationalAttribute(name) {
		return dirldap.NewDirectoryError(ldap.LDAPResultConstraintViolation, "attribute %s is maintained by the server", name)
	}

	switch change.Operation {
	case ldap.AddAttribute:
		if len(vals) == 0 {
			return dirldap.NewDirectoryError(ldap.LDAPResultProtocolError, "add of %s has no values", name)
		}
		for _, v := range vals {
			if e.hasValue(name, v) {
				return dirldap.NewDirectoryError(ldap.LDAPResultAttributeOrValueExists, "%s already has value %q", name, v)
			}
			e.appendValue(name, v)
		}

	case ldap.DeleteAttribute:
		if e.Attribute(name) == nil {
			return dirldap.NewDirectoryError(ldap.LDAPResultNoSuchAttribute, "no attribute %s", name)
		}
		if len(vals) == 0 {
			e.removeAttribute(name)
			return nil
		}
		for _, v := range vals {
			if !e.removeValue(name, v) {
				return dirldap.NewDirectoryError(ldap.LDAPResultNoSuchAttribute, "%s has no value %q", name, v)
			}
		}

	case ldap.ReplaceAttribute:
		e.removeAttribute(name)
		for _, v := range vals {
			if e.hasValue(name, v) {
				return dirldap.NewDirectoryError(ldap.LDAPResultAttributeOrValueExists, "duplicate value %q for %s", v, name)
			}
			e.appendValue(name, v)
		}

	case ldap.IncrementAttribute:
		return incrementAttribute(e, name, vals)

	default:
		return dirldap.NewDirectoryError(ldap.LDAPResultProtocolError, "unknown modification type %d", change.Operation)
	}
	return nil
}

func incrementAttribute(e *Entry, name string, vals []string) error {
	if len(vals) != 1 {
		return dirldap.NewDirectoryError(ldap.LDAPResultProtocolError, "increment of %s needs exactly one value", name)
	}
	delta, err := strconv.ParseInt(vals[0], 10, 64)
	if err != nil {
		return dirldap.NewDirectoryError(ldap.LDAPResultInvalidAttributeSyntax, "increment value %q is not an integer", vals[0])
	}
	attr := e.Attribute(name)
	if attr == nil {
		return dirldap.NewDirectoryError(ldap.LDAPResultNoSuchAttribute, "no attribute %s", name)
	}
	incremented := make([]string, 0, len(attr.Values))
	for _, v := range attr.Values {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return dirldap.NewDirectoryError(ldap.LDAPResultConstraintViolation, "value %q of %s is not an integer", v, name)
		}
		incremented = append(incremented, strconv.FormatInt(n+delta, 10))
	}
	e.setValues(attr.Name, incremented)
	return nil
}

// Compare reports whether the entry holds the asserted attribute value.
func (b *Backend) Compare(ctx context.Context, req *ldap.CompareRequest) (bool, error) {
	var matched bool
	fields := map[string]any{"dn": req.DN, "attribute": req.Attribute}
	err := dirldap.LogOperation(ctx, dirldap.SubsystemBackend, "compare", fields, func() error {
		dn, err := parseTargetDN(req.DN)
		if err != nil {
			return err
		}
		entry, ok := b.store.Get(dn)
		if !ok {
			return b.noSuchObject(dn)
		}

		var values []string
		if IsOperationalAttribute(req.Attribute) {
			for _, attr := range entry.operationalAttributes(b.store.NumChildren(dn), b.schemaDN) {
				if strings.EqualFold(attr.Name, req.Attribute) {
					values = attr.Values
				}
			}
		} else {
			values = entry.Values(req.Attribute)
		}
		if len(values) == 0 {
			return dirldap.NewDirectoryError(ldap.LDAPResultNoSuchAttribute, "entry %s has no attribute %s", req.DN, req.Attribute)
		}

		matched = slices.ContainsFunc(values, func(v string) bool {
			return strings.EqualFold(v, req.Value)
		})
		tflog.SubsystemTrace(ctx, dirldap.SubsystemBackend, "Compare evaluated", map[string]any{
			"dn":      req.DN,
			"matched": matched,
		})
		return nil
	})
	return matched, err
}

// rootDSE builds the root DSE entry.
func (b *Backend) rootDSE() *ldap.Entry {
	contexts := make([]string, 0, len(b.suffixes))
	for _, s := range b.suffixes {
		contexts = append(contexts, dirldap.FormatDN(s))
	}
	attrs := []*ldap.EntryAttribute{
		ldap.NewEntryAttribute(dirldap.AttrObjectClass, []string{dirldap.ObjectClassTop}),
		ldap.NewEntryAttribute(dirldap.AttrNamingContexts, contexts),
		ldap.NewEntryAttribute(dirldap.AttrSupportedControl, []string{
			dirldap.ControlTypeManageDsaIT,
			dirldap.ControlTypeSubentries,
		}),
		ldap.NewEntryAttribute(dirldap.AttrSupportedVersion, []string{"3"}),
	}
	if b.schemaDN != "" {
		attrs = append(attrs, ldap.NewEntryAttribute(dirldap.AttrSubschemaSubentry, []string{b.schemaDN}))
	}
	return &ldap.Entry{DN: "", Attributes: attrs}
}
