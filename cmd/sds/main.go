// Command sds publishes artifacts to an sds server and synchronises local
// directories with them.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fruitsalade/sds/internal/logging"
	"github.com/fruitsalade/sds/pkg/client"
)

// globalOptions are the connection flags shared by every subcommand.
type globalOptions struct {
	server   string
	identity string
	key      string
	debug    bool
	timeout  time.Duration
}

func (o *globalOptions) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.server, "server", os.Getenv("SDS_SERVER"), "server base URL (env SDS_SERVER)")
	fs.StringVar(&o.identity, "identity", os.Getenv("SDS_IDENTITY"), "user name (env SDS_IDENTITY)")
	fs.StringVar(&o.key, "key", os.Getenv("SDS_KEY"), "shared key (env SDS_KEY)")
	fs.BoolVar(&o.debug, "debug", false, "log debug output to stderr")
	fs.DurationVar(&o.timeout, "timeout", 10*time.Minute, "per request timeout")
}

func (o *globalOptions) client() (*client.Client, error) {
	if o.server == "" {
		return nil, fmt.Errorf("no server given: use --server or SDS_SERVER")
	}
	return client.New(client.Config{
		BaseURL:  o.server,
		Identity: o.identity,
		Key:      o.key,
		Timeout:  o.timeout,
	}), nil
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "sds",
		Short:         "Software distribution client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if opts.debug {
				level = "debug"
			}
			return logging.Init(logging.Config{Level: level, Format: "console", OutputPath: "stderr"})
		},
	}
	opts.register(root.PersistentFlags())

	root.AddCommand(newRemoteCmd(opts))
	root.AddCommand(newPushCmd(opts))
	root.AddCommand(newPullCmd(opts))
	root.AddCommand(newVerifyCmd(opts))
	root.AddCommand(newMonkeyCmd(opts))
	return root
}

func main() {
	root := newRootCmd()
	err := root.Execute()
	logging.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
