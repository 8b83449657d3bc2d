package main

import (
	"github.com/spf13/pflag"
)

type cliFlags struct {
	configPath string
	listenAddr string
	verbose    bool
	doctor     bool
}

func parseFlags(args []string) (*cliFlags, error) {
	fs := pflag.NewFlagSet("renderd", pflag.ContinueOnError)

	f := &cliFlags{}
	fs.StringVar(&f.configPath, "config", "", "path to the rendergrid YAML config snapshot")
	fs.StringVar(&f.listenAddr, "listen", ":8080", "HTTP listen address")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "enable debug-level logging")
	fs.BoolVar(&f.doctor, "doctor", false, "run startup diagnostics and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}
