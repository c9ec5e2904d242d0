package ldap

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Control OIDs recognized by the directory engine.
const (
	ControlTypeManageDsaIT = ldap.ControlTypeManageDsaIT
	ControlTypePaging      = ldap.ControlTypePaging
	ControlTypeSubentries  = "1.3.6.1.4.1.4203.1.10.1"
)

// NewManageDsaITControl returns the control that makes referral and alias
// entries visible as ordinary entries.
func NewManageDsaITControl(critical bool) ldap.Control {
	return ldap.NewControlManageDsaIT(critical)
}

// NewControl builds a control from its OID and optional value. Well-known OIDs
// get their typed go-ldap representation.
func NewControl(oid string, critical bool, value string) ldap.Control {
	switch oid {
	case ControlTypeManageDsaIT:
		return ldap.NewControlManageDsaIT(critical)
	default:
		return ldap.NewControlString(oid, critical, value)
	}
}

// FindControl returns the first control with the given OID, or nil.
func FindControl(controls []ldap.Control, oid string) ldap.Control {
	for _, c := range controls {
		if c != nil && strings.EqualFold(c.GetControlType(), oid) {
			return c
		}
	}
	return nil
}

// indexOfControl is the position of oid in controls, or -1.
func indexOfControl(controls []ldap.Control, oid string) int {
	for i, c := range controls {
		if strings.EqualFold(c.GetControlType(), oid) {
			return i
		}
	}
	return -1
}
