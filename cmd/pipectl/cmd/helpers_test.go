package cmd

import (
	"bytes"
	"context"
	"testing"

	"imagepipe/internal/queue"
	"imagepipe/internal/store/memory"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func resetViper() {
	viper.Reset()
	viper.SetEnvPrefix("PIPECTL")
	viper.AutomaticEnv()
}

// resetFlags restores every flag of c to its default; cobra keeps flag
// values between Execute calls.
func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
}

// fakeBackend swaps openBackend for an in-memory store and transport for
// the duration of the test.
func fakeBackend(t *testing.T) (*memory.Store, *queue.Memory) {
	t.Helper()
	s := memory.New()
	q := queue.NewMemory()

	orig := openBackend
	openBackend = func(ctx context.Context, withQueue bool) (*backend, error) {
		b := &backend{store: s}
		if withQueue {
			b.transport = q
		}
		return b, nil
	}
	t.Cleanup(func() { openBackend = orig })
	return s, q
}

// execute runs pipectl with args and returns everything it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, c := range rootCmd.Commands() {
		resetFlags(c)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}
