package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldif"

	"github.com/isometry/dirsrv/internal/inproc"
	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

// ldifWriter prints search results in the LDIF layout used by ldapsearch.
// Entries are rendered by go-ldap/ldif; references and the final result are
// written as ldapsearch-style comments around them. The first write error is
// kept and returned by every later call.
type ldifWriter struct {
	w   io.Writer
	err error
}

func newLDIFWriter(w io.Writer) *ldifWriter {
	return &ldifWriter{w: w}
}

func (l *ldifWriter) printf(format string, args ...any) {
	if l.err != nil {
		return
	}
	_, l.err = fmt.Fprintf(l.w, format, args...)
}

// WriteHeader describes the request the way ldapsearch does before the first result.
func (l *ldifWriter) WriteHeader(req *dirldap.SearchRequest) error {
	wire := req.ToLDAP()
	requesting := "ALL"
	if len(wire.Attributes) > 0 {
		requesting = strings.Join(wire.Attributes, " ")
	}

	l.printf("# extended LDIF\n#\n# LDAPv3\n")
	l.printf("# base <%s> with scope %s\n", wire.BaseDN, ldap.ScopeMap[wire.Scope])
	l.printf("# filter: %s\n", req.Filter().Raw())
	l.printf("# requesting: %s\n#\n\n", requesting)
	return l.err
}

func (l *ldifWriter) WriteEntry(entry *ldap.Entry) error {
	if l.err != nil {
		return l.err
	}
	content, err := ldif.ToLDIF(typesOnlyEntry(entry))
	if err != nil {
		l.err = fmt.Errorf("failed to convert %s to LDIF: %w", entry.DN, err)
		return l.err
	}
	data, err := ldif.Marshal(content)
	if err != nil {
		l.err = fmt.Errorf("failed to marshal %s as LDIF: %w", entry.DN, err)
		return l.err
	}
	l.printf("%s\n\n", strings.TrimRight(data, "\n"))
	return l.err
}

// typesOnlyEntry gives attributes returned without values a single empty
// value, so the attribute name still appears in the LDIF output.
func typesOnlyEntry(entry *ldap.Entry) *ldap.Entry {
	out := &ldap.Entry{DN: entry.DN, Attributes: make([]*ldap.EntryAttribute, 0, len(entry.Attributes))}
	for _, attr := range entry.Attributes {
		if len(attr.Values) == 0 {
			attr = ldap.NewEntryAttribute(attr.Name, []string{""})
		}
		out.Attributes = append(out.Attributes, attr)
	}
	return out
}

func (l *ldifWriter) WriteReference(ref *dirldap.Reference) error {
	l.printf("# search reference\n")
	for _, uri := range ref.URIs {
		l.printf("ref: %s\n", uri)
	}
	l.printf("\n")
	return l.err
}

func (l *ldifWriter) WriteResult(op *inproc.InternalSearchOperation) error {
	l.printf("# search result\n")
	l.printf("search: %d\n", op.MessageID())
	l.printf("result: %d %s\n", op.ResultCode(), dirldap.ResultCodeName(op.ResultCode()))
	if dn := op.MatchedDN(); dn != "" {
		l.printf("matchedDN: %s\n", dn)
	}
	if msg := op.ErrorMessage(); msg != "" {
		l.printf("text: %s\n", msg)
	}
	for _, uri := range op.ReferralURLs() {
		l.printf("ref: %s\n", uri)
	}
	l.printf("\n# numEntries: %d\n", op.EntriesSent())
	if n := op.ReferencesSent(); n > 0 {
		l.printf("# numReferences: %d\n", n)
	}
	return l.err
}
