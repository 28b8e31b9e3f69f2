package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/alvarorichard/animeworld/internal/util"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, util.ErrorHandler(err))
		}
		os.Exit(1)
	}
}
