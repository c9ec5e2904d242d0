package backend

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

// maxAliasChain bounds alias-to-alias dereferencing.
const maxAliasChain = 16

// Search executes the operation's request, delivering matches through the
// operation and recording the final result on it. The returned error is the
// result as a *DirectoryError, or nil on success.
func (b *Backend) Search(ctx context.Context, op dirldap.SearchOperation) error {
	req := op.Request()
	start := time.Now()

	s := &searchState{
		backend:     b,
		op:          op,
		req:         req,
		projection:  newProjection(req.Attributes(), req.TypesOnly()),
		sizeLimit:   op.Limits().EffectiveSizeLimit(req.SizeLimit()),
		lookthrough: op.Limits().LookthroughLimit,
		manageDsaIT: req.ContainsControl(dirldap.ControlTypeManageDsaIT),
		subentries:  req.ContainsControl(dirldap.ControlTypeSubentries),
		seen:        make(map[string]bool),
	}

	if limit := op.Limits().EffectiveTimeLimit(req.TimeLimit()); limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	s.ctx = ctx

	result := s.run()
	op.SetResult(result)

	fields := req.LogFields()
	fields["result_code"] = result.Code
	fields["entries_sent"] = s.sent
	fields["references_sent"] = s.references
	fields["entries_examined"] = s.examined
	dirldap.LogPerformance(ctx, dirldap.SubsystemBackend, "search", time.Since(start), dirldap.SanitizeFields(fields))

	return result.Err()
}

type searchState struct {
	backend *Backend
	ctx     context.Context
	op      dirldap.SearchOperation
	req     *dirldap.SearchRequest

	projection  projection
	sizeLimit   int
	lookthrough int
	manageDsaIT bool
	subentries  bool

	seen           map[string]bool
	sent           int
	references     int
	examined       int
	noMoreReferral bool

	result *dirldap.Result
}

func (s *searchState) run() dirldap.Result {
	base := s.req.Name()

	if dirldap.IsRootDN(base) {
		return s.searchRoot()
	}

	entry, ok := s.backend.store.Get(base)
	if !ok {
		return s.missingBase(base)
	}

	if entry.IsAlias() && !s.manageDsaIT && s.req.DereferenceAliasesPolicy().DerefsBase() {
		target, err := s.backend.dereference(entry)
		if err != nil {
			return dirldap.ResultFromError(err)
		}
		entry = target
	}

	if entry.IsReferral() && !s.manageDsaIT {
		return dirldap.Result{
			Code:      ldap.LDAPResultReferral,
			Message:   "base entry is a referral",
			MatchedDN: dirldap.FormatDN(entry.dn),
			Referrals: entry.Values(dirldap.AttrRef),
		}
	}

	s.searchFrom(entry)
	return s.finish()
}

// searchRoot handles an empty base DN: a base search returns the root DSE,
// wider scopes treat each suffix as a child of the root.
func (s *searchState) searchRoot() dirldap.Result {
	if s.req.Scope() == dirldap.ScopeBaseObject {
		dse := s.backend.rootDSE()
		if s.req.Filter().Matches(dse) {
			if err := s.op.SendSearchEntry(s.projection.applyRootDSE(dse)); err != nil {
				return dirldap.ResultFromError(err)
			}
			s.sent++
		}
		return dirldap.Success
	}

	for _, suffix := range s.backend.suffixes {
		entry, ok := s.backend.store.Get(suffix)
		if !ok {
			continue
		}
		if s.req.Scope() == dirldap.ScopeSingleLevel {
			if s.visit(entry) == WalkStop {
				break
			}
			continue
		}
		if s.walk(entry, true) {
			break
		}
	}
	return s.finish()
}

// missingBase reports a base DN that is not stored. A referral above it
// redirects the client, otherwise the closest ancestor is the matched DN.
func (s *searchState) missingBase(base *ldap.DN) dirldap.Result {
	ancestor := s.backend.closestEntry(base)
	if ancestor != nil && ancestor.IsReferral() && !s.manageDsaIT {
		return dirldap.Result{
			Code:      ldap.LDAPResultReferral,
			Message:   "base entry is below a referral",
			MatchedDN: dirldap.FormatDN(ancestor.dn),
			Referrals: ancestor.Values(dirldap.AttrRef),
		}
	}
	return dirldap.ResultFromError(s.backend.noSuchObject(base))
}

func (s *searchState) searchFrom(base *Entry) {
	switch s.req.Scope() {
	case dirldap.ScopeBaseObject:
		// The base is returned regardless of subentry visibility.
		s.visitBase(base)
	case dirldap.ScopeSingleLevel:
		for _, child := range s.backend.store.Children(base.dn) {
			if s.visit(child) == WalkStop {
				return
			}
		}
	case dirldap.ScopeWholeSubtree:
		if s.visitBase(base) != WalkStop {
			s.walk(base, false)
		}
	case dirldap.ScopeSubordinates:
		s.walk(base, false)
	}
}

// walk visits the subtree below root and reports whether the search stopped.
func (s *searchState) walk(root *Entry, includeRoot bool) bool {
	stopped := false
	s.backend.store.Walk(root.dn, includeRoot, func(e *Entry) WalkAction {
		action := s.visit(e)
		if action == WalkStop {
			stopped = true
		}
		return action
	})
	return stopped
}

func (s *searchState) stop(result dirldap.Result) WalkAction {
	s.result = &result
	return WalkStop
}

// checkLimits counts a candidate and stops the search when the context is
// done or the lookthrough limit is reached.
func (s *searchState) checkLimits() WalkAction {
	if err := s.ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return s.stop(dirldap.Result{Code: ldap.LDAPResultTimeLimitExceeded, Message: "time limit exceeded"})
		}
		return s.stop(dirldap.Result{Code: ldap.LDAPResultCanceled, Message: "search canceled"})
	}

	s.examined++
	if s.lookthrough > 0 && s.examined > s.lookthrough {
		return s.stop(dirldap.Result{Code: ldap.LDAPResultAdminLimitExceeded, Message: "lookthrough limit exceeded"})
	}
	return WalkContinue
}

// visitBase evaluates the (already dereferenced) base entry.
func (s *searchState) visitBase(base *Entry) WalkAction {
	if s.checkLimits() == WalkStop {
		return WalkStop
	}
	return s.evaluate(base)
}

// visit processes one candidate below the base.
func (s *searchState) visit(e *Entry) WalkAction {
	if s.checkLimits() == WalkStop {
		return WalkStop
	}

	if s.manageDsaIT {
		return s.evaluate(e)
	}

	if e.HasObjectClass(dirldap.ObjectClassSubentry) != s.subentries {
		return WalkContinue
	}

	if e.IsReferral() {
		return s.sendReference(e)
	}

	if e.IsAlias() && s.req.DereferenceAliasesPolicy().DerefsInScope() {
		target, err := s.backend.dereference(e)
		if err != nil {
			return s.stop(dirldap.ResultFromError(err))
		}
		if action := s.evaluate(target); action == WalkStop {
			return WalkStop
		}
		return WalkSkipChildren
	}

	return s.evaluate(e)
}

// sendReference returns a continuation reference for a referral entry and
// prunes its subtree.
func (s *searchState) sendReference(e *Entry) WalkAction {
	if s.noMoreReferral {
		return WalkSkipChildren
	}
	more, err := s.op.SendSearchReference(dirldap.NewReference(e.Values(dirldap.AttrRef)...))
	if err != nil {
		return s.stop(dirldap.ResultFromError(err))
	}
	s.references++
	s.noMoreReferral = !more
	return WalkSkipChildren
}

// evaluate applies the filter and the size limit, and sends a match.
func (s *searchState) evaluate(e *Entry) WalkAction {
	if s.seen[e.key] {
		return WalkContinue
	}

	full := s.backend.fullEntry(e)
	if !s.req.Filter().Matches(full) {
		return WalkContinue
	}
	s.seen[e.key] = true

	if s.sizeLimit > 0 && s.sent >= s.sizeLimit {
		return s.stop(dirldap.Result{Code: ldap.LDAPResultSizeLimitExceeded, Message: "size limit exceeded"})
	}

	if err := s.op.SendSearchEntry(s.projection.apply(full)); err != nil {
		return s.stop(dirldap.ResultFromError(err))
	}
	s.sent++

	tflog.SubsystemTrace(s.ctx, dirldap.SubsystemBackend, "Search entry sent", map[string]any{
		"dn": full.DN,
	})
	return WalkContinue
}

func (s *searchState) finish() dirldap.Result {
	if s.result != nil {
		return *s.result
	}
	return dirldap.Success
}

// fullEntry returns the entry with user and operational attributes, the form
// filters are evaluated against.
func (b *Backend) fullEntry(e *Entry) *ldap.Entry {
	out := e.userEntry()
	out.Attributes = append(out.Attributes, e.operationalAttributes(b.store.NumChildren(e.dn), b.schemaDN)...)
	return out
}

// dereference follows an alias chain to a non-alias entry.
func (b *Backend) dereference(alias *Entry) (*Entry, error) {
	visited := map[string]bool{alias.key: true}
	current := alias
	for range maxAliasChain {
		if !current.IsAlias() {
			return current, nil
		}
		target := current.Values(dirldap.AttrAliasedObjectName)[0]
		dn, err := dirldap.ParseDN(target)
		if err != nil {
			return nil, dirldap.NewDirectoryError(ldap.LDAPResultAliasProblem, "alias %s has an invalid target %q", dirldap.FormatDN(current.dn), target).WithCause(err)
		}
		next, ok := b.store.Get(dn)
		if !ok {
			return nil, dirldap.NewDirectoryError(ldap.LDAPResultAliasProblem, "alias %s points to missing entry %s", dirldap.FormatDN(current.dn), target)
		}
		if visited[next.key] {
			return nil, dirldap.NewDirectoryError(ldap.LDAPResultAliasProblem, "alias loop at %s", dirldap.FormatDN(next.dn))
		}
		visited[next.key] = true
		current = next
	}
	return nil, dirldap.NewDirectoryError(ldap.LDAPResultAliasProblem, "alias chain from %s is too long", dirldap.FormatDN(alias.dn))
}

// projection selects which attributes of a matched entry are returned.
type projection struct {
	allUser        bool
	allOperational bool
	names          map[string]bool
	typesOnly      bool
}

func newProjection(attributes []string, typesOnly bool) projection {
	p := projection{
		names:     make(map[string]bool),
		typesOnly: typesOnly,
	}
	if len(attributes) == 0 {
		p.allUser = true
	}
	for _, name := range attributes {
		switch name {
		case dirldap.SelectAllUserAttributes:
			p.allUser = true
		case dirldap.SelectAllOperationalAttributes:
			p.allOperational = true
		case dirldap.SelectNoAttributes:
		default:
			p.names[strings.ToLower(name)] = true
		}
	}
	return p
}

func (p projection) selects(name string) bool {
	if p.names[strings.ToLower(name)] {
		return true
	}
	if IsOperationalAttribute(name) {
		return p.allOperational
	}
	return p.allUser
}

func (p projection) apply(full *ldap.Entry) *ldap.Entry {
	out := &ldap.Entry{DN: full.DN}
	for _, attr := range full.Attributes {
		if !p.selects(attr.Name) {
			continue
		}
		values := attr.Values
		if p.typesOnly {
			values = nil
		}
		out.Attributes = append(out.Attributes, ldap.NewEntryAttribute(attr.Name, values))
	}
	return out
}

// applyRootDSE projects the root DSE, whose attributes are all returned for
// "+" as well as "*".
func (p projection) applyRootDSE(dse *ldap.Entry) *ldap.Entry {
	if p.allOperational {
		p.allUser = true
	}
	return p.apply(dse)
}
