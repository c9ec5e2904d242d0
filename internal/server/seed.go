package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"gopkg.in/yaml.v3"

	"github.com/isometry/dirsrv/internal/inproc"
	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

// Seed is a list of entries added when the server starts. Parents must be
// listed before their children.
//
//	entries:
//	  - dn: dc=example,dc=com
//	    attributes:
//	      objectClass: [top, domain]
//	  - dn: uid=jdoe,dc=example,dc=com
//	    attributes:
//	      objectClass: inetOrgPerson
//	      sn: Doe
type Seed struct {
	Entries []SeedEntry `yaml:"entries"`
}

type SeedEntry struct {
	DN         string                `yaml:"dn"`
	Attributes map[string]SeedValues `yaml:"attributes"`
}

// SeedValues accepts either a single scalar or a list of scalars.
type SeedValues []string

func (v *SeedValues) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*v = SeedValues{node.Value}
		return nil
	case yaml.SequenceNode:
		var values []string
		if err := node.Decode(&values); err != nil {
			return err
		}
		*v = values
		return nil
	default:
		return fmt.Errorf("line %d: attribute values must be a string or a list of strings", node.Line)
	}
}

// ParseSeed decodes a seed document. Unknown keys are rejected and every
// entry must have a DN.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}

	for i, e := range seed.Entries {
		if e.DN == "" {
			return nil, fmt.Errorf("seed entry %d has no dn", i)
		}
	}
	return &seed, nil
}

// LoadSeedFile reads and parses the seed document at path.
func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}
	return ParseSeed(data)
}

// AddRequest converts the entry into an add request. Attributes are sorted by
// name.
func (e SeedEntry) AddRequest() *ldap.AddRequest {
	req := ldap.NewAddRequest(e.DN, nil)
	names := make([]string, 0, len(e.Attributes))
	for name := range e.Attributes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		req.Attribute(name, e.Attributes[name])
	}
	return req
}

// Apply adds every entry on conn in order and returns how many were added.
// It stops at the first failure.
func (s *Seed) Apply(ctx context.Context, conn *inproc.InternalClientConnection) (int, error) {
	for i, e := range s.Entries {
		if err := conn.ProcessAdd(ctx, e.AddRequest()); err != nil {
			return i, fmt.Errorf("failed to add seed entry %q: %w", e.DN, err)
		}
	}

	tflog.SubsystemDebug(ctx, dirldap.SubsystemServer, "Seed entries added", map[string]any{
		"entries": len(s.Entries),
	})
	return len(s.Entries), nil
}
