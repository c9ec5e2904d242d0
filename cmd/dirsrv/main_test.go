package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSeed = `
entries:
  - dn: dc=example,dc=com
    attributes:
      objectClass: [top, domain]
  - dn: ou=People,dc=example,dc=com
    attributes:
      objectClass: organizationalUnit
  - dn: uid=jdoe,ou=People,dc=example,dc=com
    attributes:
      objectClass: inetOrgPerson
      cn: John Doe
      sn: Doe
      description: café
  - dn: uid=asmith,ou=People,dc=example,dc=com
    attributes:
      objectClass: inetOrgPerson
      cn: Alice Smith
      sn: Smith
  - dn: ou=Remote,dc=example,dc=com
    attributes:
      objectClass: [referral, extensibleObject]
      ref: ldap://remote.example.com/ou=Remote,dc=example,dc=com
`

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testSeed), 0o600))
	return path
}

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DIRSRV_LOG_LEVEL", "")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "off"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}
