package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/basket/oni/internal/config"
)

func runImportCommand(args []string) int {
	fs := flag.NewFlagSet("oni import", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	yamlPath := fs.String("path", "config.yaml", "path to the legacy YAML config")
	force := fs.Bool("force", false, "overwrite an existing config.json5")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: oni import [--path config.yaml] [--force]")
		return 2
	}

	home := config.HomeDir()
	if err := config.ImportYAML(home, *yamlPath, *force); err != nil {
		fmt.Fprintf(os.Stderr, "import: %v\n", err)
		return 1
	}
	fmt.Printf("imported %s into %s\n", *yamlPath, config.ConfigPath(home))
	return 0
}
