package main

import (
	"fmt"
	"strings"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

func TestSearchCommand(t *testing.T) {
	seed := writeSeed(t)

	out, err := execute(t, "search", "--seed", seed,
		"--base", "ou=People,dc=example,dc=com", "--scope", "one",
		"--filter", "(objectClass=inetOrgPerson)", "--attr", "cn", "--attr", "description")
	require.NoError(t, err)

	assert.Equal(t, `# extended LDIF
#
# LDAPv3
# base <ou=People,dc=example,dc=com> with scope Single Level
# filter: (objectClass=inetOrgPerson)
# requesting: cn description
#

dn: uid=asmith,ou=People,dc=example,dc=com
cn: Alice Smith

dn: uid=jdoe,ou=People,dc=example,dc=com
cn: John Doe
description:: Y2Fmw6k=

# search result
search: 6
result: 0 Success

# numEntries: 2
`, out)
}

func TestSearchCommandHeader(t *testing.T) {
	seed := writeSeed(t)

	out, err := execute(t, "search", "--seed", seed, "--base", "DC=Example,DC=com", "--filter", `(cn=John\20Doe)`)
	require.NoError(t, err)
	assert.Contains(t, out, "# base <DC=Example,DC=com> with scope Whole Subtree\n")
	assert.Contains(t, out, "# filter: (cn=John\\20Doe)\n", "the filter is echoed as typed")
	assert.Contains(t, out, "dn: uid=jdoe,ou=People,dc=example,dc=com\n")
	assert.Contains(t, out, "# requesting: ALL\n")
}

func TestSearchCommandStreaming(t *testing.T) {
	seed := writeSeed(t)

	buffered, err := execute(t, "search", "--seed", seed, "--base", "dc=example,dc=com", "--filter", "(sn=*)", "--attr", "1.1")
	require.NoError(t, err)
	streamed, err := execute(t, "search", "--seed", seed, "--base", "dc=example,dc=com", "--filter", "(sn=*)", "--attr", "1.1", "--stream")
	require.NoError(t, err)

	assert.Equal(t, buffered, streamed)
	assert.Equal(t, 2, strings.Count(streamed, "dn: "))
}

func TestSearchCommandReferrals(t *testing.T) {
	seed := writeSeed(t)

	t.Run("reference", func(t *testing.T) {
		out, err := execute(t, "search", "--seed", seed, "--base", "dc=example,dc=com", "--filter", "(objectClass=*)", "--attr", "1.1")
		require.NoError(t, err)
		assert.Contains(t, out, "# search reference\nref: ldap://remote.example.com/ou=Remote,dc=example,dc=com\n")
		assert.Contains(t, out, "# numReferences: 1\n")
	})

	t.Run("referral base", func(t *testing.T) {
		out, err := execute(t, "search", "--seed", seed, "--base", "ou=Remote,dc=example,dc=com")
		require.Error(t, err)
		assert.Equal(t, uint16(ldap.LDAPResultReferral), dirldap.ResultCode(err))
		assert.Equal(t, int(ldap.LDAPResultReferral), exitCode(err))
		assert.Contains(t, out, "result: 10 Referral\n")
		assert.Contains(t, out, "ref: ldap://remote.example.com/ou=Remote,dc=example,dc=com\n")
	})

	t.Run("manage dsa it", func(t *testing.T) {
		out, err := execute(t, "search", "--seed", seed, "--base", "ou=Remote,dc=example,dc=com", "--scope", "base", "-M", "--attr", "ref")
		require.NoError(t, err)
		assert.Contains(t, out, "dn: ou=Remote,dc=example,dc=com\nref: ldap://remote.example.com/ou=Remote,dc=example,dc=com\n")
	})
}

func TestSearchCommandResults(t *testing.T) {
	seed := writeSeed(t)

	tests := []struct {
		name     string
		args     []string
		wantCode uint16
		wantOut  []string
	}{
		{
			name:     "size limit",
			args:     []string{"--base", "dc=example,dc=com", "--filter", "(sn=*)", "--size-limit", "1"},
			wantCode: ldap.LDAPResultSizeLimitExceeded,
			wantOut:  []string{"result: 4 Size Limit Exceeded\n", "# numEntries: 1\n"},
		},
		{
			name:     "missing base",
			args:     []string{"--base", "ou=Missing,dc=example,dc=com"},
			wantCode: ldap.LDAPResultNoSuchObject,
			wantOut:  []string{"result: 32 No Such Object\n", "matchedDN: dc=example,dc=com\n"},
		},
		{
			name:     "types only",
			args:     []string{"--base", "uid=jdoe,ou=People,dc=example,dc=com", "--scope", "base", "--attr", "sn", "--types-only"},
			wantCode: ldap.LDAPResultSuccess,
			wantOut:  []string{"dn: uid=jdoe,ou=People,dc=example,dc=com\nsn:"},
		},
		{
			name:     "root DSE",
			args:     []string{"--scope", "base", "--attr", "namingContexts"},
			wantCode: ldap.LDAPResultSuccess,
			wantOut:  []string{"# base <> with scope Base Object\n", "namingContexts: dc=example,dc=com\n"},
		},
		{
			name:     "manage dsa it as control",
			args:     []string{"--base", "ou=Remote,dc=example,dc=com", "--scope", "base", "--control", "!2.16.840.1.113730.3.4.2", "--attr", "ref"},
			wantCode: ldap.LDAPResultSuccess,
			wantOut:  []string{"dn: ou=Remote,dc=example,dc=com\nref: ldap://remote.example.com/ou=Remote,dc=example,dc=com\n"},
		},
		{
			name:     "subentries control hides ordinary entries",
			args:     []string{"--base", "dc=example,dc=com", "--scope", "one", "--control", "1.3.6.1.4.1.4203.1.10.1"},
			wantCode: ldap.LDAPResultSuccess,
			wantOut:  []string{"# numEntries: 0\n"},
		},
		{
			name:     "bound as entry",
			args:     []string{"--base", "dc=example,dc=com", "--filter", "(uid=asmith)", "--bind-dn", "uid=jdoe,ou=People,dc=example,dc=com"},
			wantCode: ldap.LDAPResultSuccess,
			wantOut:  []string{"dn: uid=asmith,ou=People,dc=example,dc=com\n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"search", "--seed", seed}, tt.args...)...)
			assert.Equal(t, tt.wantCode, dirldap.ResultCode(err))
			for _, want := range tt.wantOut {
				assert.Contains(t, out, want)
			}
		})
	}
}

func TestSearchCommandInvalidFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"scope", []string{"--scope", "deep"}, "unknown search scope"},
		{"deref", []string{"--deref", "sometimes"}, "unknown alias dereferencing policy"},
		{"size limit", []string{"--size-limit", "-1"}, "--size-limit cannot be negative"},
		{"filter", []string{"--filter", "(cn="}, "filter"},
		{"bind dn", []string{"--bind-dn", "uid=ghost,dc=example,dc=com"}, "no entry"},
		{"base", []string{"--base", "not a dn"}, "DN"},
		{"control without OID", []string{"--control", "!=x"}, "has no OID"},
	}

	seed := writeSeed(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"search", "--seed", seed}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "dirsrv dev ("))
}

func TestParseControl(t *testing.T) {
	tests := []struct {
		spec         string
		wantOID      string
		wantCritical bool
	}{
		{"2.16.840.1.113730.3.4.2", dirldap.ControlTypeManageDsaIT, false},
		{"!2.16.840.1.113730.3.4.2", dirldap.ControlTypeManageDsaIT, true},
		{"1.2.3.4=value", "1.2.3.4", false},
		{"!1.2.3.4=", "1.2.3.4", true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			control, err := parseControl(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOID, control.GetControlType())
			assert.Contains(t, control.String(), fmt.Sprintf("Criticality: %t", tt.wantCritical))
		})
	}

	_, err := parseControl("!")
	assert.ErrorContains(t, err, "has no OID")
}

func TestTypesOnlyEntry(t *testing.T) {
	entry := &ldap.Entry{
		DN: "uid=jdoe,dc=example,dc=com",
		Attributes: []*ldap.EntryAttribute{
			ldap.NewEntryAttribute("sn", nil),
			ldap.NewEntryAttribute("cn", []string{"John Doe"}),
		},
	}

	out := typesOnlyEntry(entry)
	assert.Equal(t, entry.DN, out.DN)
	assert.Equal(t, []string{""}, out.GetAttributeValues("sn"))
	assert.Equal(t, []string{"John Doe"}, out.GetAttributeValues("cn"))
	assert.Empty(t, entry.Attributes[0].Values, "the input entry is left untouched")
}
