// Command kiln is the ambient CLI surface for kiln's task cache, plus the
// hidden worker re-exec entry point used by internal/worker.ProcessWorker.
package main

import (
	"fmt"
	"os"

	"kiln/internal/kilncli"
	"kiln/internal/worker"
)

func main() {
	// internal/worker.ProcessWorker re-execs this binary as
	// `kiln -kiln-worker <type>`; intercept before cobra parses flags,
	// since the registered task type name is not a user-facing flag.
	if len(os.Args) == 3 && os.Args[1] == "-kiln-worker" {
		if err := worker.RunRegistered(os.Args[2]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	root := kilncli.BuildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
