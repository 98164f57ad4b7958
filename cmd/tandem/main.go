package main

import (
	"github.com/tandem-sh/tandem/internal/cli"
	"github.com/tandem-sh/tandem/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
