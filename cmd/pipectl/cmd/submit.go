package cmd

import (
	"fmt"
	"time"

	"imagepipe/internal/store"
	"imagepipe/pkg/api"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Start a pipeline run for a project",
	Long: `Create a Build for the namespace, mark it in flight and put the
start job of the chosen phase on its tube.

A namespace tracks one Build at a time; a new submission supersedes the
Build in flight.

Example:
  pipectl submit --namespace ns1 --project-hash-key abc --appid centos --jobid nginx \
    --desired-tag latest --logs-dir /srv/logs/ns1 --notify-email dev@example.com
  pipectl submit ... --phase scan`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		phase, _ := flags.GetString("phase")

		var ref api.BuildRef
		ref.Namespace, _ = flags.GetString("namespace")
		ref.ProjectName, _ = flags.GetString("project-name")
		ref.ProjectHashKey, _ = flags.GetString("project-hash-key")
		ref.AppID, _ = flags.GetString("appid")
		ref.JobID, _ = flags.GetString("jobid")
		ref.DesiredTag, _ = flags.GetString("desired-tag")
		ref.TestTag, _ = flags.GetString("test-tag")
		ref.LogsDir, _ = flags.GetString("logs-dir")
		ref.NotifyEmail, _ = flags.GetString("notify-email")

		action := api.Action("start_" + phase)
		switch action {
		case api.ActionStartBuild, api.ActionStartScan, api.ActionStartDelivery:
		default:
			return fmt.Errorf("unknown phase %q: must be build, scan or delivery", phase)
		}

		// Validate before touching the store.
		body, err := api.Encode(api.NewPhaseJob(action, ref))
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		b, err := openBackend(ctx, true)
		if err != nil {
			return err
		}
		defer b.Close()

		if current, active, err := b.store.Active(ctx, ref.Namespace); err != nil {
			return err
		} else if active {
			cmd.Printf("Superseding build %s\n", current)
		}

		build, phases := store.NewBuild(ref.Namespace, time.Now())
		if err := b.store.CreateBuild(ctx, build, phases); err != nil {
			return err
		}
		if err := b.store.Start(ctx, ref.Namespace, build.ID); err != nil {
			return err
		}
		cmd.Printf("Build ID: %s\n", build.ID)

		return b.enqueue(ctx, cmd, string(action), body)
	},
}

func init() {
	flags := submitCmd.Flags()
	flags.String("namespace", "", "Project namespace (required)")
	flags.String("project-name", "", "Human readable project name")
	flags.String("project-hash-key", "", "Project on the build platform (required)")
	flags.String("appid", "", "Image app id (required)")
	flags.String("jobid", "", "Image job id (required)")
	flags.String("desired-tag", "", "Tag to publish (required)")
	flags.String("test-tag", "", "Tag of the test image")
	flags.String("logs-dir", "", "Directory build logs are written to (required)")
	flags.String("notify-email", "", "Maintainer to notify")
	flags.String("phase", "delivery", "Phase to start: build, scan or delivery")

	rootCmd.AddCommand(submitCmd)
}
