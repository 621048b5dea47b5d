package main

import (
	"os"

	"github.com/pulto/streampipe/cmd/streampipe/cmd"
	"github.com/pulto/streampipe/internal/common"
)

func main() {
	common.ConfigureLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
