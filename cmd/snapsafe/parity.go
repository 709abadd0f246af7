// cmd/snapsafe/parity.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mmp/snapsafe/rdso"
	u "github.com/mmp/snapsafe/util"
	"github.com/spf13/cobra"
)

// Reed-Solomon sidecars for arbitrary files, using the same .rs format
// that snapshot files are stored with.

func newParityCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parity",
		Short: "Reed-Solomon parity files for arbitrary files",
	}
	cmd.AddCommand(newParityEncodeCmd(a), newParityCheckCmd(a), newParityRestoreCmd(a))
	return cmd
}

func newParityEncodeCmd(a *app) *cobra.Command {
	var nShards, nParity int
	var hashRate int64
	cmd := &cobra.Command{
		Use:   "encode FILE...",
		Short: "Write FILE.rs parity for each file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, fn := range args {
				if strings.HasSuffix(fn, ".rs") {
					a.log.Warning("%s: skipping Reed-Solomon encoding of .rs file", fn)
					continue
				}
				if err := rdso.EncodeFile(fn, fn+".rs", nShards, nParity, hashRate); err != nil {
					a.log.Error("%s: %s", fn, err)
					failed++
					continue
				}
				fmt.Fprintf(a.stdout, "%s.rs: created Reed-Solomon encoding file\n", fn)
			}
			if failed > 0 {
				return u.Errorf(u.KindCommand, "%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&nShards, "nshards", rdso.DefaultDataShards, "number of data shards")
	cmd.Flags().IntVar(&nParity, "nparity", rdso.DefaultParityShards, "number of parity shards")
	cmd.Flags().Int64Var(&hashRate, "hashrate", 1024*1024, "chunk size for file hashes")
	return cmd
}

func newParityCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check FILE...",
		Short: "Check files against their parity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			corrupt := 0
			for _, fn := range args {
				err := rdso.CheckFile(fn, fn+".rs", a.log)
				if errors.Is(err, rdso.ErrFileCorrupt) {
					corrupt++
				} else if err != nil {
					return u.WrapError(u.KindCommand, err, fn)
				} else {
					fmt.Fprintf(a.stdout, "%s: ok\n", fn)
				}
			}
			if corrupt > 0 {
				return u.Errorf(u.KindCommand, "%d corrupt files", corrupt)
			}
			return nil
		},
	}
}

func newParityRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore FILE...",
		Short: "Repair damaged files from their parity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, fn := range args {
				fixed, err := rdso.RestoreFile(fn, fn+".rs", a.log)
				if err != nil {
					return u.WrapError(u.KindCommand, err, fn)
				}
				if fixed {
					fmt.Fprintf(a.stdout, "%s: restored\n", fn)
				}
			}
			return nil
		},
	}
}
