package cmd

import (
	"errors"

	"imagepipe/internal/store/postgres"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  `Apply the embedded schema migrations and print the resulting schema version.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		b, err := openBackend(ctx, false)
		if err != nil {
			return err
		}
		defer b.Close()
		if b.db == nil {
			return errors.New("migrate needs a PostgreSQL database")
		}

		cmd.Println("Running database migrations...")
		if err := postgres.Migrate(b.db.DB()); err != nil {
			return err
		}
		version, dirty, err := postgres.MigrationVersion(b.db.DB())
		if err != nil {
			return err
		}
		cmd.Printf("✓ Schema at version %d (dirty: %v)\n", version, dirty)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
