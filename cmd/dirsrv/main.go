// Command dirsrv starts an in-process directory server and runs internal
// operations against it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode follows ldapsearch: a directory error exits with its result code.
func exitCode(err error) int {
	var dirErr *dirldap.DirectoryError
	if errors.As(err, &dirErr) && dirErr.ResultCode > 0 && dirErr.ResultCode < 256 {
		return int(dirErr.ResultCode)
	}
	return 1
}
