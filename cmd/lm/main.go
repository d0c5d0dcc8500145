package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dmitrijs2005/lifemanager/internal/cli"
)

func main() {

	ctx := context.Background()
	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "lm: %v\n", err)
		os.Exit(1)
	}

}
