package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/service"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/types"
)

var (
	pruneKeep     int
	exportOut     string
	importWipe    bool
	importOffsite bool
	restoreWipe   bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list, prune, export and import encrypted backups",
}

func init() {
	backupPruneCmd.Flags().IntVar(&pruneKeep, "keep", 14, "number of newest archives to keep")
	backupExportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default gatelog-backup-<id>.json)")
	backupImportCmd.Flags().BoolVar(&importWipe, "wipe", false, "clear every collection before restoring")
	backupImportCmd.Flags().BoolVar(&importOffsite, "offsite", false, "read the file from the offsite bucket instead of disk")

	backupRestoreCmd.Flags().BoolVar(&restoreWipe, "wipe", false, "clear every collection before restoring")

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupPruneCmd)
	backupCmd.AddCommand(backupExportCmd)
	backupCmd.AddCommand(backupImportCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupOffsiteListCmd)
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot every collection into a new encrypted archive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.unlock(ctx); err != nil {
			return err
		}

		info, err := a.register.CreateBackup(ctx, cliOperator)
		if err != nil {
			return err
		}
		fmt.Println(color.GreenString("✓") + " Backup " + color.YellowString(info.ID) +
			fmt.Sprintf(" created (%d bytes)", info.Size))
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored archives, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.backups.List(ctx)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println(color.YellowString("!") + " No backups stored")
			return nil
		}
		for _, b := range list {
			fmt.Printf("%s  %s  %8d bytes  v%s db%d\n",
				color.CyanString(b.ID), b.Timestamp.Local().Format("2006-01-02 15:04"), b.Size, b.Version, b.DBVersion)
		}
		return nil
	},
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest archives",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.unlock(ctx); err != nil {
			return err
		}

		n, err := a.register.PruneBackups(ctx, cliOperator, pruneKeep)
		if err != nil {
			return err
		}
		fmt.Println(color.GreenString("✓") + fmt.Sprintf(" Pruned %d archive(s), kept up to %d", n, pruneKeep))
		return nil
	},
}

var backupExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Write an archive as a portable backup file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		id := args[0]
		out := exportOut
		if out == "" {
			out = service.ExportFileName(id)
		}

		data, err := a.backups.ExportBytes(ctx, id)
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		fmt.Println(color.GreenString("✓") + " Exported to " + color.YellowString(out))
		return nil
	},
}

var backupImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Restore a backup file into this installation",
	Long: `Restores a backup file exported from this or another installation sharing
the same backup secret. The file is fully validated before anything is written;
a rejected file leaves the register untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.unlock(ctx); err != nil {
			return err
		}

		var src io.ReadCloser
		if importOffsite {
			sink, err := a.offsiteSink(ctx)
			if err != nil {
				return err
			}
			if sink == nil {
				return errors.New("offsite is not configured")
			}
			if src, err = sink.Fetch(ctx, args[0]); err != nil {
				return err
			}
		} else {
			if src, err = os.Open(filepath.Clean(args[0])); err != nil {
				return err
			}
		}
		defer src.Close()

		report, err := a.register.RestoreBackup(ctx, cliOperator, src, service.RestoreOptions{Wipe: importWipe})
		if err != nil {
			return describeRestoreError(err)
		}

		printRestoreReport(report)
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore one of the archives stored in this installation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.unlock(ctx); err != nil {
			return err
		}

		report, err := a.register.RestoreArchive(ctx, cliOperator, args[0], service.RestoreOptions{Wipe: restoreWipe})
		if err != nil {
			return describeRestoreError(err)
		}
		printRestoreReport(report)
		return nil
	},
}

var backupOffsiteListCmd = &cobra.Command{
	Use:   "offsite-list",
	Short: "List backup files in the offsite bucket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		sink, err := a.offsiteSink(ctx)
		if err != nil {
			return err
		}
		if sink == nil {
			return errors.New("offsite is not configured")
		}
		names, err := sink.List(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

func describeRestoreError(err error) error {
	switch {
	case errors.Is(err, service.ErrBackupWrongKey):
		return fmt.Errorf("backup was encrypted with a different backup secret: %w", err)
	case errors.Is(err, service.ErrBackupUnsupported):
		return fmt.Errorf("backup was written by a newer gatelog: %w", err)
	case errors.Is(err, service.ErrBackupCorrupt):
		return fmt.Errorf("backup file is damaged: %w", err)
	}
	return err
}

func printRestoreReport(report types.RestoreReport) {
	fmt.Println(color.GreenString("✓") + " Restored backup " + color.YellowString(report.BackupID))
	for c, n := range report.Restored {
		fmt.Printf("  %-14s %s\n", c+":", color.CyanString("%d", n))
	}
	if report.Wiped {
		fmt.Println(color.YellowString("!") + " Existing data was wiped before restoring")
	}
}
