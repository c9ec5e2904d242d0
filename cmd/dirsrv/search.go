package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/spf13/cobra"

	"github.com/isometry/dirsrv/internal/inproc"
	dirldap "github.com/isometry/dirsrv/internal/ldap"
	"github.com/isometry/dirsrv/internal/server"
)

type searchOptions struct {
	seedFile    string
	base        string
	scope       string
	filter      string
	deref       string
	bindDN      string
	attributes  []string
	controls    []string
	sizeLimit   int
	timeLimit   int
	typesOnly   bool
	stream      bool
	manageDsaIT bool
}

func newSearchCmd(root *rootOptions) *cobra.Command {
	opts := &searchOptions{}

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run an internal search and print the results as LDIF",
		Example: "  dirsrv search --seed seed.yaml --base dc=example,dc=com --filter '(uid=jdoe)' --attr cn --attr mail\n" +
			"  dirsrv search --seed seed.yaml --base ou=People,dc=example,dc=com --scope one --stream",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSearch(cmd, root, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.seedFile, "seed", "", "seed file to load, overriding seed_file from the configuration")
	flags.StringVarP(&opts.base, "base", "b", "", "search base DN; empty searches the root DSE")
	flags.StringVarP(&opts.scope, "scope", "s", "sub", "search scope: base, one, sub or subordinates")
	flags.StringVarP(&opts.filter, "filter", "f", "(objectClass=*)", "search filter")
	flags.StringVar(&opts.deref, "deref", "never", "alias dereferencing: never, search, find or always")
	flags.StringVarP(&opts.bindDN, "bind-dn", "D", "", "run the search as this entry instead of the root connection")
	flags.StringArrayVarP(&opts.attributes, "attr", "a", nil, "attribute to return; repeatable, supports * + and 1.1")
	flags.IntVarP(&opts.sizeLimit, "size-limit", "z", 0, "maximum number of entries to return (0 = unlimited)")
	flags.IntVarP(&opts.timeLimit, "time-limit", "l", 0, "maximum search time in seconds (0 = unlimited)")
	flags.BoolVarP(&opts.typesOnly, "types-only", "A", false, "return attribute names without values")
	flags.BoolVar(&opts.stream, "stream", false, "print results as they are produced instead of buffering them")
	flags.BoolVarP(&opts.manageDsaIT, "manage-dsa-it", "M", false, "attach the ManageDsaIT control so referral and alias entries are returned as entries")
	flags.StringArrayVarP(&opts.controls, "control", "e", nil, "request control as [!]OID[=value], ! marks it critical; repeatable")

	return cmd
}

// request builds the search request described by the flags.
func (o *searchOptions) request() (*dirldap.SearchRequest, error) {
	scope, err := dirldap.ParseSearchScope(o.scope)
	if err != nil {
		return nil, err
	}
	deref, err := dirldap.ParseDerefAliases(o.deref)
	if err != nil {
		return nil, err
	}
	if o.sizeLimit < 0 {
		return nil, fmt.Errorf("--size-limit cannot be negative")
	}
	if o.timeLimit < 0 {
		return nil, fmt.Errorf("--time-limit cannot be negative")
	}

	controls := make([]ldap.Control, 0, len(o.controls)+1)
	if o.manageDsaIT {
		controls = append(controls, dirldap.NewManageDsaITControl(true))
	}
	for _, spec := range o.controls {
		control, err := parseControl(spec)
		if err != nil {
			return nil, err
		}
		controls = append(controls, control)
	}

	return dirldap.NewSearchRequestFromLDAP(ldap.NewSearchRequest(
		o.base,
		int(scope),
		int(deref),
		o.sizeLimit,
		o.timeLimit,
		o.typesOnly,
		o.filter,
		o.attributes,
		controls,
	))
}

// parseControl reads a control given as [!]OID[=value].
func parseControl(spec string) (ldap.Control, error) {
	critical := strings.HasPrefix(spec, "!")
	oid, value, _ := strings.Cut(strings.TrimPrefix(spec, "!"), "=")
	if oid == "" {
		return nil, fmt.Errorf("--control %q has no OID", spec)
	}
	return dirldap.NewControl(oid, critical, value), nil
}

func runSearch(cmd *cobra.Command, root *rootOptions, opts *searchOptions) error {
	req, err := opts.request()
	if err != nil {
		return err
	}

	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	if opts.seedFile != "" {
		cfg.SeedFile = opts.seedFile
	}

	ctx := newLoggingContext(cmd.Context(), cfg)

	srv := server.New(cfg)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = srv.Shutdown(ctx) }()

	conn, err := searchConnection(ctx, srv, opts.bindDN)
	if err != nil {
		return err
	}

	out := newLDIFWriter(cmd.OutOrStdout())
	if err := out.WriteHeader(req); err != nil {
		return err
	}

	var listener inproc.InternalSearchListener
	if opts.stream {
		listener = inproc.ListenerFuncs{
			Entry: func(_ *inproc.InternalSearchOperation, entry *ldap.Entry) error {
				return out.WriteEntry(entry)
			},
			Reference: func(_ *inproc.InternalSearchOperation, ref *dirldap.Reference) error {
				return out.WriteReference(ref)
			},
		}
	}

	op, searchErr := conn.ProcessSearch(ctx, req, listener)
	if sink, ok := op.Buffered(); ok {
		for _, entry := range sink.Entries() {
			if err := out.WriteEntry(entry); err != nil {
				return err
			}
		}
		for _, ref := range sink.References() {
			if err := out.WriteReference(ref); err != nil {
				return err
			}
		}
	}

	if err := out.WriteResult(op); err != nil {
		return err
	}
	return searchErr
}

func searchConnection(ctx context.Context, srv *server.DirectoryServer, bindDN string) (*inproc.InternalClientConnection, error) {
	handler, err := srv.Handler()
	if err != nil {
		return nil, err
	}
	if bindDN == "" {
		return handler.RootConnection(), nil
	}
	return handler.NewConnectionForDN(ctx, bindDN)
}
