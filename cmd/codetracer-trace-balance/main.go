// Command codetracer-trace-balance checks a finished trace directory
// against invariant 1 (balanced Call/Return events, non-negative running
// depth) without needing to re-run the traced program.
package main

import (
	"fmt"
	"os"

	"github.com/metacraft-labs/codetracer-python-recorder/internal/balance"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: codetracer-trace-balance <trace-dir>")
		os.Exit(2)
	}

	rep, err := balance.Check(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("format: %s\n", rep.Format)
	fmt.Printf("calls: %d  returns: %d  max-depth: %d  final-balance: %d\n",
		rep.CallCount, rep.ReturnCount, rep.MaxDepth, rep.FinalBalance)
	if rep.WentNegative {
		fmt.Printf("balance went negative at record %d\n", rep.NegativeAtRec)
	}

	if !rep.Balanced {
		fmt.Println("UNBALANCED")
		os.Exit(1)
	}
	fmt.Println("balanced")
}
