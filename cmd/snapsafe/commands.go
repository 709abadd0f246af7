// cmd/snapsafe/commands.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/mmp/snapsafe/config"
	u "github.com/mmp/snapsafe/util"
	"github.com/spf13/cobra"
)

func newBackupCmd(a *app) *cobra.Command {
	var src, dest, compression string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up a directory",
		Long: `Stores a snapshot of the source directory at the destination. Only files
that have changed since the last backup are stored again. The first backup to a
destination binds it to the password given and the compression algorithm used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine().Backup(cmd.Context(), src, dest, compression); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, green("Backup completed successfully"))
			return nil
		},
	}
	cmd.Flags().StringVarP(&src, "source", "s", "", "directory to back up")
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "backup destination directory")
	cmd.Flags().StringVarP(&compression, "compression", "c", "",
		"compression: none, gzip, zlib, brotli, zstd, or lzma (default from config)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}

func newRestoreCmd(a *app) *cobra.Command {
	var n int
	var origin, out string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a snapshot",
		Long:  "Restores the nth most recent snapshot (1 is the latest) from a destination.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine().Restore(cmd.Context(), n, origin, out); err != nil {
				return err
			}
			abs, err := filepath.Abs(out)
			if err != nil {
				abs = out
			}
			fmt.Fprintln(a.stdout, green(fmt.Sprintf("Restore to %s completed.", abs)))
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "number", "n", 1, "snapshot to restore; 1 is the most recent")
	cmd.Flags().StringVar(&origin, "origin", "", "backup destination to restore from")
	cmd.Flags().StringVarP(&out, "output", "o", "", "directory to restore into")
	_ = cmd.MarkFlagRequired("origin")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	var n int
	var origin string
	var force bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := a.engine().Delete(cmd.Context(), n, origin, force)
			if err != nil {
				return err
			} else if !ok {
				fmt.Fprintln(a.stdout, "Delete Aborted")
				return nil
			}
			fmt.Fprintln(a.stdout, green("Deletion complete."))
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "number", "n", 1, "snapshot to delete; 1 is the most recent")
	cmd.Flags().StringVarP(&origin, "origin", "o", "", "backup destination")
	cmd.Flags().BoolVar(&force, "force", false, "don't ask for confirmation")
	_ = cmd.MarkFlagRequired("origin")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries := a.engine().List()
			if len(entries) == 0 {
				fmt.Fprintln(a.stdout, "No data has been backed up yet!")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(a.stdout, "- ID: %s\n", cyan(e.ID))
				fmt.Fprintf(a.stdout, " Original Path: %s\n", e.OriginPath)
				fmt.Fprintf(a.stdout, " Backup Path: %s\n", e.BackupPath)
				fmt.Fprintf(a.stdout, " Created: %s (%s)\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"), humanize.Time(e.Timestamp))
				fmt.Fprintf(a.stdout, " Snapshots: %d\n", e.SnapshotCount)
			}
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	var local bool
	var registryDir, compression string
	var gcLimit int
	var enforce bool
	var exclude []string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the configuration",
		Long: `With no settings given, prints the configuration in effect. Otherwise the
settings are written to the global configuration file or, with --local, to
snapsafe.toml in the current directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fl := cmd.Flags()
			changed := false
			for _, f := range []string{"registry-dir", "compression", "gc-limit",
				"enforce-password-policy", "exclude"} {
				changed = changed || fl.Changed(f)
			}
			if !changed {
				printConfig(a, a.cfg)
				return nil
			}

			path := config.GlobalPath()
			if local {
				path = config.LocalPath()
			}
			c := config.Default()
			if u.FileExists(path) {
				var err error
				if c, err = config.LoadFile(path); err != nil {
					return err
				}
			}
			if fl.Changed("registry-dir") {
				c.RegistryDir = registryDir
			}
			if fl.Changed("compression") {
				c.Compression = compression
			}
			if fl.Changed("gc-limit") {
				c.GCLimit = gcLimit
			}
			if fl.Changed("enforce-password-policy") {
				c.EnforcePasswordPolicy = enforce
			}
			if fl.Changed("exclude") {
				c.Exclude = exclude
			}
			if err := c.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Wrote %s\n", path)
			printConfig(a, c)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "write ./snapsafe.toml rather than the global configuration")
	cmd.Flags().Bool("global", true, "write the global configuration")
	cmd.Flags().StringVar(&registryDir, "registry-dir", "", "directory holding the backup registry")
	cmd.Flags().StringVar(&compression, "compression", "", "default compression for new destinations")
	cmd.Flags().IntVar(&gcLimit, "gc-limit", 0, "number of versions of each file to keep")
	cmd.Flags().BoolVar(&enforce, "enforce-password-policy", false,
		"require strong passwords for new destinations")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "gitignore-style patterns of files not to back up")
	cmd.MarkFlagsMutuallyExclusive("local", "global")
	return cmd
}

func printConfig(a *app, c *config.Config) {
	if c.Path != "" {
		fmt.Fprintf(a.stdout, "# %s\n", c.Path)
	}
	fmt.Fprintf(a.stdout, "%s = %q\n", config.KeyRegistryDir, c.RegistryDir)
	fmt.Fprintf(a.stdout, "%s = %q\n", config.KeyCompression, c.Compression)
	fmt.Fprintf(a.stdout, "%s = %t\n", config.KeyEncryption, c.Encryption)
	fmt.Fprintf(a.stdout, "%s = %d\n", config.KeyGCLimit, c.GCLimit)
	fmt.Fprintf(a.stdout, "%s = %t\n", config.KeyEnforcePasswordPolicy, c.EnforcePasswordPolicy)
	fmt.Fprintf(a.stdout, "%s = %q\n", config.KeyExclude, c.Exclude)
}

func newReconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [DEST...]",
		Short: "Make the registry agree with the destinations on disk",
		Long: `Recounts the snapshots at every registered destination, dropping those that
are gone, and registers any of the given destinations that aren't registered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, err := a.engine().Reconcile(args...)
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				fmt.Fprintln(a.stdout, "Registry is consistent.")
			}
			for _, c := range changes {
				fmt.Fprintln(a.stdout, c)
			}
			return nil
		},
	}
}

func newFsckCmd(a *app) *cobra.Command {
	var origin string
	var repair bool
	cmd := &cobra.Command{
		Use:   "fsck",
		Short: "Check a backup destination for damage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.engine().Fsck(cmd.Context(), origin, repair)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%d snapshots, %d blobs\n", r.Snapshots, r.Blobs)
			for _, p := range r.Damaged {
				fmt.Fprintf(a.stdout, "damaged: %s\n", p)
			}
			for _, p := range r.Repaired {
				fmt.Fprintf(a.stdout, "repaired: %s\n", p)
			}
			for _, m := range r.MissingBlobs {
				fmt.Fprintf(a.stdout, "missing blob: %s\n", m)
			}
			if n := len(r.Unreferenced); n > 0 {
				verb := "found"
				if repair {
					verb = "removed"
				}
				fmt.Fprintf(a.stdout, "%s %d unreferenced blobs\n", verb, n)
			}
			if !r.OK() {
				return u.Errorf(u.KindCommand, "%s: problems found", origin)
			}
			fmt.Fprintln(a.stdout, green("No problems found."))
			return nil
		},
	}
	cmd.Flags().StringVar(&origin, "origin", "", "backup destination to check")
	cmd.Flags().BoolVar(&repair, "repair", false, "repair damaged snapshots and remove unreferenced blobs")
	_ = cmd.MarkFlagRequired("origin")
	return cmd
}

func newFormatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Describe the on-disk format of backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(a.stdout, formatText)
			return err
		},
	}
}
