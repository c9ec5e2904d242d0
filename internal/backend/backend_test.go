package backend

import (
	"context"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

const testSuffix = "dc=example,dc=com"

var testTime = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

func addEntry(t *testing.T, b *Backend, dn string, attrs map[string][]string) {
	t.Helper()
	req := ldap.NewAddRequest(dn, nil)
	for name, values := range attrs {
		req.Attribute(name, values)
	}
	require.NoError(t, b.Add(context.Background(), req), "adding %s", dn)
}

// newTestBackend builds the tree
//
//	dc=example,dc=com
//	  cn=alias-alice    (alias to cn=Alice)
//	  ou=Groups
//	    cn=admins
//	  ou=People
//	    cn=Alice
//	    cn=Bob
//	  ou=Remote         (referral)
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := NewFromStrings([]string{testSuffix}, WithClock(func() time.Time { return testTime }))
	require.NoError(t, err)

	addEntry(t, b, testSuffix, map[string][]string{
		"objectClass": {"top", "domain"},
		"dc":          {"example"},
	})
	addEntry(t, b, "ou=People,"+testSuffix, map[string][]string{
		"objectClass": {"organizationalUnit"},
	})
	addEntry(t, b, "cn=Alice,ou=People,"+testSuffix, map[string][]string{
		"objectClass": {"person"},
		"sn":          {"Smith"},
		"mail":        {"alice@example.com"},
	})
	addEntry(t, b, "cn=Bob,ou=People,"+testSuffix, map[string][]string{
		"objectClass": {"person"},
		"sn":          {"Jones"},
	})
	addEntry(t, b, "ou=Groups,"+testSuffix, map[string][]string{
		"objectClass": {"organizationalUnit"},
	})
	addEntry(t, b, "cn=admins,ou=Groups,"+testSuffix, map[string][]string{
		"objectClass": {"groupOfNames"},
		"member":      {"cn=Alice,ou=People," + testSuffix},
	})
	addEntry(t, b, "ou=Remote,"+testSuffix, map[string][]string{
		"objectClass": {"referral", "extensibleObject"},
		"ref":         {"ldap://remote.example.com/ou=Remote,dc=example,dc=com"},
	})
	addEntry(t, b, "cn=alias-alice,"+testSuffix, map[string][]string{
		"objectClass":       {"alias", "extensibleObject"},
		"aliasedObjectName": {"cn=Alice,ou=People," + testSuffix},
	})
	return b
}

func requireResultCode(t *testing.T, err error, code uint16) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, dirldap.ResultCode(err), "unexpected error %v", err)
}

func TestNewFromStrings(t *testing.T) {
	_, err := NewFromStrings([]string{"not a dn"})
	assert.ErrorIs(t, err, dirldap.ErrParse)

	_, err = NewFromStrings([]string{""})
	assert.Error(t, err)

	b, err := NewFromStrings([]string{"dc=example,dc=com", "o=test"})
	require.NoError(t, err)
	assert.Len(t, b.Suffixes(), 2)
}

func TestBackendAdd(t *testing.T) {
	ctx := dirldap.WithAuthorizationDN(context.Background(), "cn=Directory Manager")
	b := newTestBackend(t)

	t.Run("stores entry with operational data", func(t *testing.T) {
		req := ldap.NewAddRequest("cn=Carol,ou=People,"+testSuffix, nil)
		req.Attribute("objectClass", []string{"person"})
		req.Attribute("sn", []string{"White"})
		require.NoError(t, b.Add(ctx, req))

		entry, ok := b.GetEntry(dirldap.MustParseDN("CN=carol,ou=people,dc=EXAMPLE,dc=com"))
		require.True(t, ok)
		assert.Equal(t, []string{"Carol"}, entry.Values("cn"), "RDN value is added to the entry")
		assert.Equal(t, testTime, entry.CreatedAt())
		assert.Equal(t, testTime, entry.ModifiedAt())
		assert.Equal(t, "cn=Directory Manager", entry.creator)
		assert.NotEqual(t, uuid.Nil, entry.UUID())
	})

	t.Run("supplied entryUUID", func(t *testing.T) {
		id := uuid.MustParse("7f4a0cd9-2b66-4d3e-9b1a-6f0e0c4a1d55")
		req := ldap.NewAddRequest("cn=Dave,ou=People,"+testSuffix, nil)
		req.Attribute("objectClass", []string{"person"})
		req.Attribute("entryUUID", []string{id.String()})
		require.NoError(t, b.Add(ctx, req))

		entry, ok := b.Store().GetByUUID(id)
		require.True(t, ok)
		assert.Equal(t, "cn=Dave,ou=People,dc=example,dc=com", dirldap.FormatDN(entry.DN()))

		dup := ldap.NewAddRequest("cn=Eve,ou=People,"+testSuffix, nil)
		dup.Attribute("objectClass", []string{"person"})
		dup.Attribute("entryUUID", []string{id.String()})
		requireResultCode(t, b.Add(ctx, dup), ldap.LDAPResultConstraintViolation)
	})

	tests := []struct {
		name  string
		dn    string
		attrs map[string][]string
		code  uint16
	}{
		{"already exists", "cn=Alice,ou=People," + testSuffix, map[string][]string{"objectClass": {"person"}}, ldap.LDAPResultEntryAlreadyExists},
		{"missing parent", "cn=X,ou=Nowhere," + testSuffix, map[string][]string{"objectClass": {"person"}}, ldap.LDAPResultNoSuchObject},
		{"outside naming context", "cn=X,dc=other,dc=org", map[string][]string{"objectClass": {"person"}}, ldap.LDAPResultNoSuchObject},
		{"no object class", "cn=X,ou=People," + testSuffix, map[string][]string{"sn": {"X"}}, ldap.LDAPResultObjectClassViolation},
		{"operational attribute", "cn=X,ou=People," + testSuffix, map[string][]string{"objectClass": {"person"}, "createTimestamp": {"20200101000000Z"}}, ldap.LDAPResultConstraintViolation},
		{"invalid entryUUID", "cn=X,ou=People," + testSuffix, map[string][]string{"objectClass": {"person"}, "entryUUID": {"nope"}}, ldap.LDAPResultInvalidAttributeSyntax},
		{"invalid DN", "not a dn", map[string][]string{"objectClass": {"person"}}, ldap.LDAPResultInvalidDNSyntax},
		{"empty values", "cn=X,ou=People," + testSuffix, map[string][]string{"objectClass": {"person"}, "sn": {}}, ldap.LDAPResultProtocolError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ldap.NewAddRequest(tt.dn, nil)
			for name, values := range tt.attrs {
				req.Attribute(name, values)
			}
			requireResultCode(t, b.Add(ctx, req), tt.code)
		})
	}

	t.Run("matched DN on missing parent", func(t *testing.T) {
		req := ldap.NewAddRequest("cn=X,ou=Sub,ou=People,"+testSuffix, nil)
		req.Attribute("objectClass", []string{"person"})
		err := b.Add(ctx, req)
		require.Error(t, err)
		assert.Equal(t, "ou=People,dc=example,dc=com", dirldap.AsDirectoryError(err).MatchedDN)
	})
}

func TestBackendDelete(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	requireResultCode(t, b.Delete(ctx, ldap.NewDelRequest("ou=People,"+testSuffix, nil)), ldap.LDAPResultNotAllowedOnNonLeaf)
	requireResultCode(t, b.Delete(ctx, ldap.NewDelRequest("cn=Nobody,ou=People,"+testSuffix, nil)), ldap.LDAPResultNoSuchObject)

	require.NoError(t, b.Delete(ctx, ldap.NewDelRequest("cn=Bob,ou=People,"+testSuffix, nil)))
	assert.False(t, b.EntryExists(dirldap.MustParseDN("cn=Bob,ou=People,"+testSuffix)))
	assert.Equal(t, 1, b.Store().NumChildren(dirldap.MustParseDN("ou=People,"+testSuffix)))
}

func TestBackendModifyDN(t *testing.T) {
	ctx := dirldap.WithAuthorizationDN(context.Background(), "cn=Directory Manager")

	t.Run("rename keeps old RDN value", func(t *testing.T) {
		b := newTestBackend(t)
		require.NoError(t, b.ModifyDN(ctx, ldap.NewModifyDNRequest("cn=Bob,ou=People,"+testSuffix, "cn=Robert", false, "")))

		assert.False(t, b.EntryExists(dirldap.MustParseDN("cn=Bob,ou=People,"+testSuffix)))
		entry, ok := b.GetEntry(dirldap.MustParseDN("cn=Robert,ou=People," + testSuffix))
		require.True(t, ok)
		assert.ElementsMatch(t, []string{"Bob", "Robert"}, entry.Values("cn"))
		assert.Equal(t, "cn=Directory Manager", entry.modifier)
		assert.Equal(t, 2, b.Store().NumChildren(dirldap.MustParseDN("ou=People,"+testSuffix)))
	})

	t.Run("rename deletes old RDN value", func(t *testing.T) {
		b := newTestBackend(t)
		require.NoError(t, b.ModifyDN(ctx, ldap.NewModifyDNRequest("cn=Bob,ou=People,"+testSuffix, "cn=Robert", true, "")))

		entry, ok := b.GetEntry(dirldap.MustParseDN("cn=Robert,ou=People," + testSuffix))
		require.True(t, ok)
		assert.Equal(t, []string{"Robert"}, entry.Values("cn"))
		assert.Equal(t, []string{"Jones"}, entry.Values("sn"))
	})

	t.Run("change of RDN attribute drops the old attribute", func(t *testing.T) {
		b := newTestBackend(t)
		require.NoError(t, b.ModifyDN(ctx, ldap.NewModifyDNRequest("cn=Bob,ou=People,"+testSuffix, "uid=bjones", true, "")))

		entry, ok := b.GetEntry(dirldap.MustParseDN("uid=bjones,ou=People," + testSuffix))
		require.True(t, ok)
		assert.Empty(t, entry.Values("cn"))
		assert.Equal(t, []string{"bjones"}, entry.Values("uid"))
	})

	t.Run("case-only rename", func(t *testing.T) {
		b := newTestBackend(t)
		require.NoError(t, b.ModifyDN(ctx, ldap.NewModifyDNRequest("cn=Bob,ou=People,"+testSuffix, "cn=BOB", true, "")))

		entry, ok := b.GetEntry(dirldap.MustParseDN("cn=bob,ou=People," + testSuffix))
		require.True(t, ok)
		assert.Equal(t, "cn=BOB,ou=People,dc=example,dc=com", dirldap.FormatDN(entry.DN()))
		assert.Equal(t, []string{"Bob"}, entry.Values("cn"))
	})

	t.Run("move subtree", func(t *testing.T) {
		b := newTestBackend(t)
		alice, ok := b.GetEntry(dirldap.MustParseDN("cn=Alice,ou=People," + testSuffix))
		require.True(t, ok)

		require.NoError(t, b.ModifyDN(ctx, ldap.NewModifyDNRequest("ou=People,"+testSuffix, "ou=Staff", true, "ou=Groups,"+testSuffix)))

		assert.False(t, b.EntryExists(dirldap.MustParseDN("ou=People,"+testSuffix)))
		assert.False(t, b.EntryExists(dirldap.MustParseDN("cn=Alice,ou=People,"+testSuffix)))

		moved, ok := b.GetEntry(dirldap.MustParseDN("cn=Alice,ou=Staff,ou=Groups," + testSuffix))
		require.True(t, ok)
		assert.Equal(t, alice.UUID(), moved.UUID())
		assert.Equal(t, []string{"alice@example.com"}, moved.Values("mail"))
		assert.Equal(t, testTime, moved.ModifiedAt())
		assert.True(t, b.EntryExists(dirldap.MustParseDN("cn=Bob,ou=Staff,ou=Groups,"+testSuffix)))

		assert.Equal(t, 2, b.Store().NumChildren(dirldap.MustParseDN("ou=Groups,"+testSuffix)))
		assert.Equal(t, 2, b.Store().NumChildren(dirldap.MustParseDN("ou=Staff,ou=Groups,"+testSuffix)))

		staff, ok := b.GetEntry(dirldap.MustParseDN("ou=Staff,ou=Groups," + testSuffix))
		require.True(t, ok)
		assert.Equal(t, []string{"Staff"}, staff.Values("ou"))
	})

	tests := []struct {
		name string
		req  *ldap.ModifyDNRequest
		code uint16
	}{
		{"missing entry", ldap.NewModifyDNRequest("cn=Nobody,ou=People,"+testSuffix, "cn=Somebody", false, ""), ldap.LDAPResultNoSuchObject},
		{"target exists", ldap.NewModifyDNRequest("cn=Bob,ou=People,"+testSuffix, "cn=alice", false, ""), ldap.LDAPResultEntryAlreadyExists},
		{"naming context", ldap.NewModifyDNRequest(testSuffix, "dc=sample", false, ""), ldap.LDAPResultUnwillingToPerform},
		{"root DSE", ldap.NewModifyDNRequest("", "dc=sample", false, ""), ldap.LDAPResultUnwillingToPerform},
		{"move below itself", ldap.NewModifyDNRequest("ou=People,"+testSuffix, "ou=People", false, "cn=Alice,ou=People,"+testSuffix), ldap.LDAPResultUnwillingToPerform},
		{"missing superior", ldap.NewModifyDNRequest("cn=Bob,ou=People,"+testSuffix, "cn=Bob", false, "ou=Nowhere,"+testSuffix), ldap.LDAPResultNoSuchObject},
		{"multi-level new RDN", ldap.NewModifyDNRequest("cn=Bob,ou=People,"+testSuffix, "cn=Bob,ou=X", false, ""), ldap.LDAPResultInvalidDNSyntax},
		{"invalid new RDN", ldap.NewModifyDNRequest("cn=Bob,ou=People,"+testSuffix, "Bob", false, ""), ldap.LDAPResultInvalidDNSyntax},
		{"operational RDN attribute", ldap.NewModifyDNRequest("cn=Bob,ou=People,"+testSuffix, "entryUUID=x", false, ""), ldap.LDAPResultNamingViolation},
		{"rename to the same DN", ldap.NewModifyDNRequest("cn=Bob,ou=People,"+testSuffix, "cn=Bob", false, ""), ldap.LDAPResultSuccess},
	}

	b := newTestBackend(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.ModifyDN(ctx, tt.req)
			if tt.code == ldap.LDAPResultSuccess {
				require.NoError(t, err)
				return
			}
			requireResultCode(t, err, tt.code)
		})
	}
	assert.True(t, b.EntryExists(dirldap.MustParseDN("cn=Bob,ou=People,"+testSuffix)), "failed renames leave the entry in place")
}

func TestBackendModify(t *testing.T) {
	aliceDN := "cn=Alice,ou=People," + testSuffix

	modify := func(build func(*ldap.ModifyRequest)) *ldap.ModifyRequest {
		req := ldap.NewModifyRequest(aliceDN, nil)
		build(req)
		return req
	}

	tests := []struct {
		name  string
		req   *ldap.ModifyRequest
		code  uint16
		check func(t *testing.T, e *Entry)
	}{
		{
			name: "add value",
			req:  modify(func(r *ldap.ModifyRequest) { r.Add("mail", []string{"asmith@example.com"}) }),
			check: func(t *testing.T, e *Entry) {
				assert.Equal(t, []string{"alice@example.com", "asmith@example.com"}, e.Values("mail"))
			},
		},
		{
			name: "add new attribute",
			req:  modify(func(r *ldap.ModifyRequest) { r.Add("telephoneNumber", []string{"+1 555 0100"}) }),
			check: func(t *testing.T, e *Entry) {
				assert.Equal(t, []string{"+1 555 0100"}, e.Values("telephonenumber"))
			},
		},
		{
			name: "replace",
			req:  modify(func(r *ldap.ModifyRequest) { r.Replace("sn", []string{"Jones", "Smith-Jones"}) }),
			check: func(t *testing.T, e *Entry) {
				assert.Equal(t, []string{"Jones", "Smith-Jones"}, e.Values("sn"))
			},
		},
		{
			name: "replace with no values removes",
			req:  modify(func(r *ldap.ModifyRequest) { r.Replace("mail", nil) }),
			check: func(t *testing.T, e *Entry) {
				assert.Nil(t, e.Attribute("mail"))
			},
		},
		{
			name: "delete attribute",
			req:  modify(func(r *ldap.ModifyRequest) { r.Delete("mail", nil) }),
			check: func(t *testing.T, e *Entry) {
				assert.Nil(t, e.Attribute("mail"))
			},
		},
		{
			name: "delete value case-insensitively",
			req:  modify(func(r *ldap.ModifyRequest) { r.Delete("sn", []string{"SMITH"}) }),
			check: func(t *testing.T, e *Entry) {
				assert.Nil(t, e.Attribute("sn"))
			},
		},
		{
			name: "increment",
			req: modify(func(r *ldap.ModifyRequest) {
				r.Add("uidNumber", []string{"1000"})
				r.Increment("uidNumber", "5")
			}),
			check: func(t *testing.T, e *Entry) {
				assert.Equal(t, []string{"1005"}, e.Values("uidNumber"))
			},
		},
		{
			name: "existing value",
			req:  modify(func(r *ldap.ModifyRequest) { r.Add("sn", []string{"smith"}) }),
			code: ldap.LDAPResultAttributeOrValueExists,
		},
		{
			name: "delete missing attribute",
			req:  modify(func(r *ldap.ModifyRequest) { r.Delete("description", nil) }),
			code: ldap.LDAPResultNoSuchAttribute,
		},
		{
			name: "delete missing value",
			req:  modify(func(r *ldap.ModifyRequest) { r.Delete("sn", []string{"Jones"}) }),
			code: ldap.LDAPResultNoSuchAttribute,
		},
		{
			name: "remove RDN value",
			req:  modify(func(r *ldap.ModifyRequest) { r.Delete("cn", nil) }),
			code: ldap.LDAPResultNotAllowedOnRDN,
		},
		{
			name: "remove object class",
			req:  modify(func(r *ldap.ModifyRequest) { r.Delete("objectClass", nil) }),
			code: ldap.LDAPResultObjectClassViolation,
		},
		{
			name: "operational attribute",
			req:  modify(func(r *ldap.ModifyRequest) { r.Replace("modifyTimestamp", []string{"20200101000000Z"}) }),
			code: ldap.LDAPResultConstraintViolation,
		},
		{
			name: "increment non-integer",
			req:  modify(func(r *ldap.ModifyRequest) { r.Increment("sn", "1") }),
			code: ldap.LDAPResultConstraintViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			later := testTime.Add(time.Hour)
			b := newTestBackend(t)
			b.now = func() time.Time { return later }
			ctx := dirldap.WithAuthorizationDN(context.Background(), "cn=admin")

			err := b.Modify(ctx, tt.req)
			entry, ok := b.GetEntry(dirldap.MustParseDN(aliceDN))
			require.True(t, ok)

			if tt.code != 0 {
				requireResultCode(t, err, tt.code)
				assert.Equal(t, testTime, entry.ModifiedAt(), "failed modify leaves the entry untouched")
				assert.Equal(t, []string{"Smith"}, entry.Values("sn"))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, later, entry.ModifiedAt())
			assert.Equal(t, testTime, entry.CreatedAt())
			assert.Equal(t, "cn=admin", entry.modifier)
			tt.check(t, entry)
		})
	}

	t.Run("missing entry", func(t *testing.T) {
		b := newTestBackend(t)
		req := ldap.NewModifyRequest("cn=Nobody,ou=People,"+testSuffix, nil)
		req.Replace("sn", []string{"X"})
		requireResultCode(t, b.Modify(context.Background(), req), ldap.LDAPResultNoSuchObject)
	})
}

func TestBackendCompare(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	aliceDN := "cn=Alice,ou=People," + testSuffix

	tests := []struct {
		name      string
		dn        string
		attribute string
		value     string
		want      bool
		code      uint16
	}{
		{"matching value", aliceDN, "sn", "smith", true, 0},
		{"other value", aliceDN, "sn", "Jones", false, 0},
		{"attribute name case", aliceDN, "MAIL", "alice@example.com", true, 0},
		{"operational attribute", "ou=People," + testSuffix, "hasSubordinates", "TRUE", true, 0},
		{"missing attribute", aliceDN, "description", "x", false, ldap.LDAPResultNoSuchAttribute},
		{"missing entry", "cn=Nobody," + testSuffix, "sn", "x", false, ldap.LDAPResultNoSuchObject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.Compare(ctx, &ldap.CompareRequest{DN: tt.dn, Attribute: tt.attribute, Value: tt.value})
			if tt.code != 0 {
				requireResultCode(t, err, tt.code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRootDSE(t *testing.T) {
	b := newTestBackend(t)
	dse := b.rootDSE()

	assert.Equal(t, "", dse.DN)
	assert.Equal(t, []string{testSuffix}, dse.GetAttributeValues("namingContexts"))
	assert.Contains(t, dse.GetAttributeValues("supportedControl"), dirldap.ControlTypeManageDsaIT)
	assert.Equal(t, []string{DefaultSchemaDN}, dse.GetAttributeValues("subschemaSubentry"))

	noSchema := New(nil, WithSchemaDN(""))
	assert.Empty(t, noSchema.rootDSE().GetAttributeValues("subschemaSubentry"))
}
