package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pipectl",
	Short: "pipectl is a command line tool for operating the image pipeline",
	Long: `pipectl is the operator interface for the container image pipeline.

The pipeline moves a project through build, scan and delivery phases. Workers
take jobs from named tubes, record progress on the Build, and report back on
the master tube. Delivered images are scanned for their packages and flagged
for rebuild when upstream publishes a newer package.

Common workflows:

  Start a pipeline run at the delivery phase:
    pipectl submit --namespace ns1 --project-hash-key abc --appid centos \
      --jobid nginx --desired-tag latest --logs-dir /srv/logs/ns1

  Put a raw job on a tube:
    pipectl put master_tube job.json

  Show the active build of a namespace:
    pipectl status ns1

  List images waiting for a rebuild:
    pipectl rebuilds

  Apply database migrations:
    pipectl migrate

Configuration:
  Flags may also be set via environment variables or $HOME/.pipectl.yaml:
    PIPECTL_DATABASE_URL     PostgreSQL connection string
    PIPECTL_QUEUE_BACKEND    beanstalk or postgres (default: beanstalk)
    PIPECTL_BEANSTALK_ADDR   beanstalkd address (default: 127.0.0.1:11300)`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".pipectl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".pipectl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "PIPECTL_VARNAME"
	viper.SetEnvPrefix("PIPECTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pipectl.yaml)")

	flags.String("database-url", "", "PostgreSQL connection string")
	viper.BindPFlag("database-url", flags.Lookup("database-url"))

	flags.String("queue-backend", "beanstalk", "Job transport: beanstalk or postgres")
	viper.BindPFlag("queue-backend", flags.Lookup("queue-backend"))

	flags.String("beanstalk-addr", "127.0.0.1:11300", "beanstalkd address")
	viper.BindPFlag("beanstalk-addr", flags.Lookup("beanstalk-addr"))

	flags.Bool("dry-run", false, "Print jobs instead of enqueuing them and use an in-memory store")
	viper.BindPFlag("dry-run", flags.Lookup("dry-run"))
}
