package main

import (
	"os"

	"github.com/ChuLiYu/analysis-orchestrator/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
