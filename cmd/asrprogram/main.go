package main

import (
	"context"
	"os"

	"github.com/alalapi-0/ASRProgram/internal/cmd"
)

func main() {
	rootCmd := cmd.NewRootCmd()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
