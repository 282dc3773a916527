package cmd

import (
	"errors"
	"fmt"
	"time"

	"imagepipe/internal/store"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [namespace]",
	Short: "Show the active build of a namespace",
	Long:  `Show the most recent unfinished Build of a namespace with the status, timestamps and log file of each phase.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace := args[0]

		ctx, cancel := commandContext(cmd)
		defer cancel()

		b, err := openBackend(ctx, false)
		if err != nil {
			return err
		}
		defer b.Close()

		build, err := b.store.FindActiveBuild(ctx, namespace)
		if errors.Is(err, store.ErrNotFound) {
			cmd.Printf("No active build for namespace %s\n", namespace)
			return nil
		}
		if err != nil {
			return err
		}
		phases, err := b.store.ListPhases(ctx, build.ID)
		if err != nil {
			return err
		}

		printStatus(cmd, build, phases)
		return nil
	},
}

func printStatus(cmd *cobra.Command, build *store.Build, phases []store.BuildPhase) {
	cmd.Printf("%s %sBuild Details%s\n", statusIcon(string(build.Status)), colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, build.ID)
	cmd.Printf("%sNamespace:%s   %s\n", colorDim, colorReset, build.Namespace)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(string(build.Status)))
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(build.StartTime))
	if build.StartTime != nil && build.EndTime != nil {
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(build.EndTime),
			colorCyan, formatDuration(build.EndTime.Sub(*build.StartTime)), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(build.EndTime))
	}

	cmd.Println()
	for _, p := range phases {
		line := fmt.Sprintf("  %-9s %s", p.Phase, colorizeStatus(string(p.Status)))
		if p.StartTime != nil && p.EndTime != nil {
			line += fmt.Sprintf(" %s(%s)%s", colorCyan, formatDuration(p.EndTime.Sub(*p.StartTime)), colorReset)
		}
		if p.LogFile != "" {
			line += fmt.Sprintf(" %slog: %s%s", colorDim, p.LogFile, colorReset)
		}
		cmd.Println(line)
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "complete":
		return colorGreen + "✓" + colorReset
	case "failed":
		return colorRed + "✗" + colorReset
	case "processing", "building", "scanning", "delivering":
		return colorYellow + "⏳" + colorReset
	case "pending":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "complete":
		return icon + " " + colorGreen + status + colorReset
	case "failed":
		return icon + " " + colorRed + status + colorReset
	case "processing", "building", "scanning", "delivering":
		return icon + " " + colorYellow + status + colorReset
	case "pending":
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
