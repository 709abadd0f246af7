// cmd/snapsafe/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// snapsafe makes encrypted, versioned backups of directories.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/mmp/snapsafe/backup"
	"github.com/mmp/snapsafe/config"
	"github.com/mmp/snapsafe/registry"
	"github.com/mmp/snapsafe/retention"
	"github.com/mmp/snapsafe/snapshot"
	"github.com/mmp/snapsafe/storage"
	u "github.com/mmp/snapsafe/util"
	"github.com/spf13/cobra"
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

// app holds what the commands share: where output goes, how passwords
// are obtained, and the configuration loaded before each command runs.
type app struct {
	stdout, stderr io.Writer
	stdin          io.Reader
	// prompt, if non-nil, is used instead of prompting on the terminal.
	prompt backup.Prompter

	configPath     string
	verbose, debug bool

	cfg *config.Config
	log *u.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{stdout: os.Stdout, stderr: os.Stderr, stdin: os.Stdin}
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		stop()
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "snapsafe",
		Short:         "Encrypted, versioned directory backups",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetIn(a.stdin)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "configuration file (default: global and local snapsafe.toml)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "print informational messages")
	pf.BoolVar(&a.debug, "debug", false, "print debugging messages")

	root.AddCommand(
		newBackupCmd(a),
		newRestoreCmd(a),
		newDeleteCmd(a),
		newListCmd(a),
		newConfigCmd(a),
		newReconcileCmd(a),
		newFsckCmd(a),
		newFormatCmd(a),
		newParityCmd(a),
	)
	return root
}

// setup loads the configuration and sets up logging for all of the
// packages.
func (a *app) setup() error {
	a.log = u.NewLoggerTo(a.stdout, a.stderr, a.verbose, a.debug)
	backup.SetLogger(a.log)
	registry.SetLogger(a.log)
	retention.SetLogger(a.log)
	snapshot.SetLogger(a.log)
	storage.SetLogger(a.log)

	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadFile(a.configPath)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	a.log.Debug("registry directory %s", a.cfg.RegistryDir)
	return nil
}

func (a *app) engine() *backup.Engine {
	p := a.prompt
	if p == nil {
		p = newPrompter(a.stdin, a.stderr)
	}
	return backup.New(a.cfg, p)
}
