package cmd

import (
	"fmt"
	"io"
	"os"

	"imagepipe/pkg/api"

	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put [tube] [file]",
	Short: "Put a job payload on a tube",
	Long: `Validate a JSON job payload and put it on a tube unchanged.
Use - as file to read the payload from stdin.

Example:
  pipectl put master_tube notify.json
  echo '{"action":"notify_user","namespace":"ns1"}' | pipectl put master_tube -`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tube, path := args[0], args[1]

		var body []byte
		var err error
		if path == "-" {
			body, err = io.ReadAll(cmd.InOrStdin())
		} else {
			body, err = os.ReadFile(path)
		}
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}

		if _, err := api.Decode(body); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		b, err := openBackend(ctx, true)
		if err != nil {
			return err
		}
		defer b.Close()

		return b.enqueue(ctx, cmd, tube, body)
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
}
