package serve

import (
	"path/filepath"
	"strings"

	"github.com/ValentinKolb/dRT/rpc/common"
	"github.com/spf13/viper"
)

// configFromViper converts the bound flags into the app configuration
func configFromViper(v *viper.Viper, args []string) (*common.AppConfig, error) {
	name := "drt"
	if len(args) > 0 && args[0] != "" {
		name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	}

	conf := &common.AppConfig{
		Name:             name,
		Args:             args,
		Shards:           v.GetInt("shards"),
		TCPPort:          v.GetUint16("tcp_port"),
		TCPEndpoints:     nonEmpty(v.GetStringSlice("tcp_endpoints")),
		EnableTxChecksum: v.GetBool("enable_tx_checksum"),
		Serializer:       v.GetString("serializer"),
		TCPMemoryLimit:   v.GetInt64("tcp_memory_limit"),
		RDMAMemoryLimit:  v.GetInt64("rdma_memory_limit"),
		RDMA: common.RDMAConf{
			SoftDir:      v.GetString("rdma_soft_dir"),
			SoftBasePort: v.GetUint16("rdma_soft_port"),
		},
		LogLevel: nonEmpty(v.GetStringSlice("log_level")),
		Prometheus: common.PromConfig{
			Port:         v.GetUint16("prometheus_port"),
			PushAddress:  v.GetString("prometheus_push_address"),
			PushInterval: v.GetDuration("prometheus_push_interval"),
		},
	}

	// parse the log level early to fail before anything is started
	if _, err := common.ParseLogLevels(conf.LogLevel); err != nil {
		return nil, err
	}
	return conf, nil
}

// nonEmpty trims entries and drops empty ones, env values may contain stray separators
func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
