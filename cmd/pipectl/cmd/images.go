package cmd

import (
	"fmt"
	"text/tabwriter"

	"imagepipe/internal/store"

	"github.com/spf13/cobra"
)

var rebuildsCmd = &cobra.Command{
	Use:   "rebuilds",
	Short: "List images flagged for rebuild",
	Long:  `List images that contain a package version upstream has since replaced.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		b, err := openBackend(ctx, false)
		if err != nil {
			return err
		}
		defer b.Close()

		toBuild := true
		images, err := b.store.ListImages(ctx, store.ImageFilter{ToBuild: &toBuild})
		if err != nil {
			return err
		}
		if len(images) == 0 {
			cmd.Println("No images need a rebuild")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStderr(), 0, 0, 2, ' ', 0)
		cmd.Printf("%sImages flagged for rebuild%s\n", colorBold, colorReset)
		for _, img := range images {
			last := "-"
			if img.LastScanned != nil {
				last = relativeTime(*img.LastScanned) + " ago"
			}
			fmt.Fprintf(w, "%s\tscanned %s\n", img.Name, last)
		}
		return w.Flush()
	},
}

var reportsCmd = &cobra.Command{
	Use:   "reports [image]",
	Short: "Show scanner reports of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		b, err := openBackend(ctx, false)
		if err != nil {
			return err
		}
		defer b.Close()

		img, err := b.store.GetImageByName(ctx, args[0])
		if err != nil {
			return err
		}
		reports, err := b.store.ListScanReports(ctx, img.ID)
		if err != nil {
			return err
		}
		if len(reports) == 0 {
			cmd.Printf("No scanner reports for %s\n", img.Name)
			return nil
		}

		for _, r := range reports {
			status := "failed"
			if r.Status {
				status = "complete"
			}
			cmd.Printf("%s %s%s%s  %s\n", statusIcon(status), colorBold, r.Scanner, colorReset, formatTimeWithRelative(&r.CreatedAt))
			cmd.Printf("  %s\n", r.Message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rebuildsCmd)
	rootCmd.AddCommand(reportsCmd)
}
