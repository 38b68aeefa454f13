// Command portability exports, imports and summarizes one owner's finance data
// from the command line.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/FACorreiaa/finance-portability/internal/domain/portability"
)

var (
	rootCmd = &cobra.Command{
		Use:           "portability",
		Short:         "Export and import a finance tracker account as a single JSON document",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Write the owner's complete document to a file, gs:// URI or - for stdout",
		Args:  cobra.NoArgs,
		RunE:  runExport,
	}
	importCmd = &cobra.Command{
		Use:   "import",
		Short: "Apply a document from a file, gs:// URI or - for stdin to the owner's data",
		Args:  cobra.NoArgs,
		RunE:  runImport,
	}
	summaryCmd = &cobra.Command{
		Use:   "summary",
		Short: "Print how many rows the owner has per entity",
		Args:  cobra.NoArgs,
		RunE:  runSummary,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}

	ownerID           string
	outLocation       string
	inLocation        string
	preserveIDs       bool
	overwriteExisting bool
	pretty            bool
	verbose           bool
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	for _, c := range []*cobra.Command{exportCmd, importCmd, summaryCmd} {
		c.Flags().StringVar(&ownerID, "owner", "", "id of the user whose data is read or written")
		_ = c.MarkFlagRequired("owner")
	}
	exportCmd.Flags().StringVar(&outLocation, "out", "-", "destination: a path, gs://bucket/object or - for stdout")
	exportCmd.Flags().BoolVar(&pretty, "pretty", false, "indent the exported document")
	importCmd.Flags().StringVar(&inLocation, "in", "", "source: a path, gs://bucket/object or - for stdin")
	_ = importCmd.MarkFlagRequired("in")
	importCmd.Flags().BoolVar(&preserveIDs, "preserve-ids", true, "keep the document's identifiers instead of generating new ones")
	importCmd.Flags().BoolVar(&overwriteExisting, "overwrite", false, "update rows whose identifier already exists")

	rootCmd.AddCommand(exportCmd, importCmd, summaryCmd, migrateCmd)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read .env file: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", slog.Any("error", err))
		os.Exit(exitCode(err))
	}
}

// exitCode separates rejected documents from operational failures.
func exitCode(err error) int {
	code, ok := portability.CodeOf(err)
	if !ok {
		return 1
	}
	switch code {
	case portability.CodeSchemaMismatch, portability.CodeInvalidFormat, portability.CodeDanglingReference:
		return 2
	case portability.CodeTimeout:
		return 3
	default:
		return 1
	}
}
