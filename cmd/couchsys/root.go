package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/autom8ter/couchsys"
	couchhttp "github.com/autom8ter/couchsys/transport/http"
)

// app holds the state shared by every subcommand
type app struct {
	v      *viper.Viper
	logger couchsys.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	cmd := &cobra.Command{
		Use:           "couchsys",
		Short:         "Inspect, reset and watch the databases of a CouchDB server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loadConfigFile(); err != nil {
				return err
			}
			logger, err := couchsys.NewLogger(a.v.GetString("log-level"), map[string]any{"app": "couchsys"})
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				a.logger.Sync()
			}
		},
	}
	flags := cmd.PersistentFlags()
	flags.String("url", "http://localhost:5984", "server base url")
	flags.String("username", "", "server admin username")
	flags.String("password", "", "server admin password")
	flags.Duration("timeout", 30*time.Second, "timeout of each non feed request")
	flags.Int("feed-buffer", 1000, "items a feed reads ahead of the output, zero is unbounded")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("config", "", "path to a yaml or json config file")
	for _, name := range []string{"url", "username", "password", "timeout", "feed-buffer", "log-level", "config"} {
		if err := a.v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	a.v.SetEnvPrefix("COUCHSYS")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	cmd.AddCommand(
		newInfoCommand(a),
		newResetCommand(a),
		newUpdatesCommand(a),
	)
	return cmd
}

func (a *app) loadConfigFile() error {
	path := strings.TrimSpace(a.v.GetString("config"))
	if path == "" {
		return nil
	}
	a.v.SetConfigFile(path)
	if err := a.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

// system connects to the configured server
func (a *app) system() (*couchsys.System, error) {
	client, err := couchhttp.New(couchhttp.Config{
		URL:        a.v.GetString("url"),
		Username:   a.v.GetString("username"),
		Password:   a.v.GetString("password"),
		Timeout:    a.v.GetDuration("timeout"),
		FeedBuffer: a.v.GetInt("feed-buffer"),
		Logger:     a.logger,
	})
	if err != nil {
		return nil, err
	}
	return couchsys.New(client, couchsys.WithLogger(a.logger)), nil
}
