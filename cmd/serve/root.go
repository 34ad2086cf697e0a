package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ValentinKolb/dRT/cmd/util"
	"github.com/ValentinKolb/dRT/lib/appbase"
	"github.com/ValentinKolb/dRT/lib/echo"
	"github.com/ValentinKolb/dRT/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.AppConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the runtime",
		Long:    `Start the runtime with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DRT_<flag> (e.g. DRT_TCP_PORT=4000)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// add flags
	key := "shards"
	ServeCmd.PersistentFlags().Int(key, 0, util.WrapString("Number of shards to run, 0 starts one shard per CPU"))

	key = "tcp_port"
	ServeCmd.PersistentFlags().Uint16(key, 0, util.WrapString("TCP port every shard listens on (SO_REUSEPORT). Mutually exclusive with tcp_endpoints"))

	key = "tcp_endpoints"
	ServeCmd.PersistentFlags().StringSlice(key, nil, util.WrapString("Comma-separated list of listening endpoints, entry i is used by shard i (e.g. tcp+drt://0.0.0.0:4000,4001). Shards without an entry only make outbound connections"))

	key = "enable_tx_checksum"
	ServeCmd.PersistentFlags().Bool(key, false, util.WrapString("Add an xxhash64 checksum of the payload to every sent frame"))

	key = "tcp_memory_limit"
	ServeCmd.PersistentFlags().Int64(key, 0, util.WrapString("Outstanding bytes of TCP send buffers per shard before the low memory observer is notified (0 = unlimited)"))

	key = "rdma_memory_limit"
	ServeCmd.PersistentFlags().Int64(key, 0, util.WrapString("Outstanding bytes of RDMA send buffers per shard before the low memory observer is notified (0 = unlimited)"))

	key = "rdma_soft_dir"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("Enable the soft RDMA stack with its sockets in this directory"))

	key = "rdma_soft_port"
	ServeCmd.PersistentFlags().Uint16(key, 7000, util.WrapString("RDMA port of shard 0 on the soft stack, shard i uses rdma_soft_port+i"))

	key = "log_level"
	ServeCmd.PersistentFlags().StringSlice(key, []string{"INFO"}, util.WrapString("Log level of every module (VERBOSE, DEBUG, INFO, WARN, ERROR, FATAL) followed by module=LEVEL overrides, e.g. DEBUG,tcp=WARN"))

	key = "prometheus_port"
	ServeCmd.PersistentFlags().Uint16(key, common.DefaultPrometheusPort, util.WrapString("Port of the metrics endpoint /metrics"))

	key = "prometheus_push_address"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("Address of a push proxy (e.g. localhost:9091), empty disables pushing"))

	key = "prometheus_push_interval"
	ServeCmd.PersistentFlags().Duration(key, common.DefaultPrometheusPushInterval, util.WrapString("Interval between two metric pushes"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the app configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	conf, err := configFromViper(viper.GetViper(), os.Args)
	if err != nil {
		return err
	}
	*serveCmdConfig = *conf
	return serveCmdConfig.Validate()
}

// run starts the app and blocks until it stopped
func run(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := appbase.NewApp(serveCmdConfig)
	if _, err := appbase.AddApplet(app, "echo", echo.NewApplet(app)); err != nil {
		return err
	}

	code, err := app.Start(ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		os.Exit(code)
	}
	return nil
}
