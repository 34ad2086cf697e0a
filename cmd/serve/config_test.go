package serve

import (
	"testing"
	"time"

	"github.com/ValentinKolb/dRT/rpc/common"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromViper(t *testing.T) {
	v := viper.New()
	v.Set("shards", 4)
	v.Set("tcp_endpoints", []string{"tcp+drt://0.0.0.0:4000", " 4001", ""})
	v.Set("enable_tx_checksum", true)
	v.Set("serializer", "json")
	v.Set("rdma_soft_dir", "/tmp/drt")
	v.Set("rdma_soft_port", 7100)
	v.Set("log_level", []string{"DEBUG", "tcp=WARN"})
	v.Set("prometheus_port", 9100)
	v.Set("prometheus_push_interval", "5s")

	conf, err := configFromViper(v, []string{"/usr/local/bin/drt", "serve"})
	require.NoError(t, err)

	assert.Equal(t, "drt", conf.Name)
	assert.Equal(t, 4, conf.Shards)
	assert.Equal(t, []string{"tcp+drt://0.0.0.0:4000", "4001"}, conf.TCPEndpoints)
	assert.True(t, conf.EnableTxChecksum)
	assert.Equal(t, "json", conf.Serializer)
	assert.Equal(t, common.RDMAConf{SoftDir: "/tmp/drt", SoftBasePort: 7100}, conf.RDMA)
	assert.Equal(t, []string{"DEBUG", "tcp=WARN"}, conf.LogLevel)
	assert.Equal(t, uint16(9100), conf.Prometheus.Port)
	assert.Equal(t, 5*time.Second, conf.Prometheus.PushInterval)
	assert.NoError(t, conf.Validate())
}

func TestConfigFromViperRejectsBadLogLevel(t *testing.T) {
	v := viper.New()
	v.Set("log_level", []string{"LOUD"})

	_, err := configFromViper(v, nil)
	assert.ErrorIs(t, err, common.ErrInvalidLogLevel)
}

func TestConflictingTCPOptions(t *testing.T) {
	v := viper.New()
	v.Set("tcp_port", 4000)
	v.Set("tcp_endpoints", "4001,4002")

	conf, err := configFromViper(v, nil)
	require.NoError(t, err)
	assert.Equal(t, "drt", conf.Name)
	assert.ErrorIs(t, conf.Validate(), common.ErrConflictingTCPOptions)
}
