// Command fluencectl runs maintenance operations against the fluence store:
// refreshing ongoing irradiations, moving records in and out of the beam,
// exporting sample dose reports and serving Prometheus metrics.
//
// Configuration is read from FLUENCE_* environment variables.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := newCLI(stdout, stderr)
	cmd := c.rootCmd()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if cerr := c.close(); cerr != nil && err == nil {
		fmt.Fprintf(stderr, "Error: %v\n", cerr)
		return 1
	}
	if err != nil {
		return 1
	}
	return 0
}
