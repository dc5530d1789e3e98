package main

import (
	"context"
	"fmt"
	"os"

	"go.miragespace.co/conclave/cmd/conclave"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := conclave.App.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
