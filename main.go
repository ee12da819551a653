package main

import (
	"context"
	"fmt"
	"os"

	"github.com/flexllama/flexllama/cmd"
)

func main() {
	if err := cmd.NewCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "flexllama:", err)
		os.Exit(1)
	}
}
