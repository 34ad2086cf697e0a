package ping

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/ValentinKolb/dRT/cmd/util"
	"github.com/ValentinKolb/dRT/lib/echo"
	"github.com/ValentinKolb/dRT/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// PingCmd round-trips echo requests against a running instance
	PingCmd = &cobra.Command{
		Use:     "ping",
		Short:   "Send echo requests to a running instance",
		Long:    `Send echo requests to a running instance and print the round trip time of every request. The configuration can be set via command line flags or environment variables (DRT_<flag>).`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

type pingConfig struct {
	client   client.Config
	count    int
	interval time.Duration
	size     int
	info     bool
}

var pingCmdConfig = &pingConfig{}

func init() {
	cobra.OnInitialize(util.InitConfig)

	key := "endpoints"
	PingCmd.PersistentFlags().StringSlice(key, []string{"tcp+drt://localhost:4000"}, util.WrapString("Comma-separated list of endpoints to ping, requests are spread round robin"))

	key = "count"
	PingCmd.PersistentFlags().IntP(key, "c", 4, util.WrapString("Number of echo requests to send, 0 sends until interrupted"))

	key = "interval"
	PingCmd.PersistentFlags().Duration(key, time.Second, util.WrapString("Wait time between two requests"))

	key = "size"
	PingCmd.PersistentFlags().IntP(key, "s", 56, util.WrapString("Number of random payload bytes per request"))

	key = "timeout"
	PingCmd.PersistentFlags().Duration(key, 5*time.Second, util.WrapString("Timeout of one attempt"))

	key = "retries"
	PingCmd.PersistentFlags().Int(key, 1, util.WrapString("How many times to try each request"))

	key = "conn_per_endpoint"
	PingCmd.PersistentFlags().Int(key, 1, util.WrapString("Simultaneous connections per endpoint"))

	key = "enable_tx_checksum"
	PingCmd.PersistentFlags().Bool(key, false, util.WrapString("Add a payload checksum to every sent frame"))

	key = "info"
	PingCmd.PersistentFlags().Bool(key, false, util.WrapString("Ask the answering shard for its endpoints before pinging"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	pingCmdConfig = &pingConfig{
		client: client.Config{
			Endpoints:              viper.GetStringSlice("endpoints"),
			Timeout:                viper.GetDuration("timeout"),
			RetryCount:             viper.GetInt("retries"),
			ConnectionsPerEndpoint: viper.GetInt("conn_per_endpoint"),
			Checksum:               viper.GetBool("enable_tx_checksum"),
			Serializer:             viper.GetString("serializer"),
		},
		count:    viper.GetInt("count"),
		interval: viper.GetDuration("interval"),
		size:     viper.GetInt("size"),
		info:     viper.GetBool("info"),
	}
	if pingCmdConfig.size < 0 {
		return fmt.Errorf("invalid size %d", pingCmdConfig.size)
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	c, err := client.New(pingCmdConfig.client)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return err
	}

	stats, err := pingLoop(ctx, c, pingCmdConfig, cmd.OutOrStdout())
	stats.print(cmd.OutOrStdout(), strings.Join(pingCmdConfig.client.Endpoints, ","))
	if err != nil {
		return err
	}
	if stats.received == 0 {
		return fmt.Errorf("no replies received")
	}
	return nil
}

// pingLoop sends conf.count echo requests, or until ctx is done if count is 0
func pingLoop(ctx context.Context, c *client.Client, conf *pingConfig, out io.Writer) (*pingStats, error) {
	stats := &pingStats{}

	if conf.info {
		resp, err := c.Info(ctx, echo.VerbInfo)
		if err != nil {
			return stats, err
		}
		fmt.Fprintf(out, "%s shard %d listening on %s\n", resp.Key, resp.Shard, string(resp.Meta))
	}

	payload := make([]byte, conf.size)
	for seq := 1; conf.count == 0 || seq <= conf.count; seq++ {
		if _, err := rand.Read(payload); err != nil {
			return stats, err
		}

		stats.sent++
		resp, rtt, err := c.Echo(ctx, echo.VerbEcho, payload)
		switch {
		case ctx.Err() != nil:
			return stats, nil
		case err != nil:
			fmt.Fprintf(out, "seq=%d error: %v\n", seq, err)
		case string(resp.Value) != string(payload):
			fmt.Fprintf(out, "seq=%d shard=%d corrupted reply\n", seq, resp.Shard)
		default:
			stats.add(rtt)
			fmt.Fprintf(out, "%d bytes from shard %d: seq=%d time=%s\n", len(resp.Value), resp.Shard, seq, rtt.Round(time.Microsecond))
		}

		if conf.count != 0 && seq == conf.count {
			break
		}
		select {
		case <-time.After(conf.interval):
		case <-ctx.Done():
			return stats, nil
		}
	}
	return stats, nil
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

type pingStats struct {
	sent, received int
	min, max, sum  time.Duration
}

func (s *pingStats) add(rtt time.Duration) {
	if s.received == 0 || rtt < s.min {
		s.min = rtt
	}
	if rtt > s.max {
		s.max = rtt
	}
	s.sum += rtt
	s.received++
}

func (s *pingStats) avg() time.Duration {
	if s.received == 0 {
		return 0
	}
	return s.sum / time.Duration(s.received)
}

func (s *pingStats) print(out io.Writer, target string) {
	loss := 0.0
	if s.sent > 0 {
		loss = 100 * float64(s.sent-s.received) / float64(s.sent)
	}
	fmt.Fprintf(out, "\n--- %s ping statistics ---\n", target)
	fmt.Fprintf(out, "%d requests sent, %d replies received, %.1f%% loss\n", s.sent, s.received, loss)
	if s.received > 0 {
		fmt.Fprintf(out, "rtt min/avg/max = %s/%s/%s\n",
			s.min.Round(time.Microsecond), s.avg().Round(time.Microsecond), s.max.Round(time.Microsecond))
	}
}
