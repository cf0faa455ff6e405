package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chainsafe/bridge-settlement/pkg/app"
	"github.com/chainsafe/bridge-settlement/pkg/app/settlement"
	"github.com/chainsafe/bridge-settlement/pkg/config"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to configuration file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var runner app.Runner = settlement.NewServer(cfg)
	if err := runner.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Settlement node failed: %v\n", err)
		os.Exit(1)
	}
}
