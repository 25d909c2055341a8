package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_RequiresPolling(t *testing.T) {
	tests := []struct {
		name        string
		caps        Capabilities
		wantPolling bool
	}{
		{
			name:        "blocking receive",
			caps:        Capabilities{SupportsBlockingReceive: true},
			wantPolling: false,
		},
		{
			name:        "no blocking receive",
			caps:        Capabilities{SupportsBlockingReceive: false},
			wantPolling: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantPolling, tt.caps.RequiresPolling())
		})
	}
}

func TestCapabilities_SupportsNativeTransactions(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want bool
	}{
		{
			name: "native",
			caps: Capabilities{SupportsTransactions: true},
			want: true,
		},
		{
			name: "emulated",
			caps: Capabilities{SupportsTransactions: true, EmulatedTransactions: true},
			want: false,
		},
		{
			name: "none",
			caps: Capabilities{},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.SupportsNativeTransactions())
		})
	}
}

func TestPredefinedCapabilities(t *testing.T) {
	t.Run("channel", func(t *testing.T) {
		assert.Equal(t, "channel", ChannelCapabilities.Name)
		assert.True(t, ChannelCapabilities.SupportsTransactions)
		assert.True(t, ChannelCapabilities.EmulatedTransactions)
		assert.False(t, ChannelCapabilities.SupportsDurableSend)
	})

	t.Run("sqlite", func(t *testing.T) {
		assert.Equal(t, "sqlite", SQLiteCapabilities.Name)
		assert.True(t, SQLiteCapabilities.SupportsNativeTransactions())
		assert.True(t, SQLiteCapabilities.RequiresPolling())
	})

	t.Run("postgres", func(t *testing.T) {
		assert.Equal(t, "postgres", PostgresCapabilities.Name)
		assert.True(t, PostgresCapabilities.SupportsNativeTransactions())
		assert.True(t, PostgresCapabilities.RequiresPolling())
	})

	t.Run("rabbitmq", func(t *testing.T) {
		assert.Equal(t, "rabbitmq", RabbitMQCapabilities.Name)
		assert.True(t, RabbitMQCapabilities.SupportsNativeTransactions())
		assert.Equal(t, int64(134217728), RabbitMQCapabilities.MaxMessageSize)
	})

	t.Run("aws", func(t *testing.T) {
		assert.Equal(t, "aws", AWSCapabilities.Name)
		assert.True(t, AWSCapabilities.EmulatedTransactions)
		assert.False(t, AWSCapabilities.RequiresPolling())
		assert.Equal(t, int64(262144), AWSCapabilities.MaxMessageSize)
		assert.Equal(t, 20*time.Second, AWSCapabilities.MaxReceiveWait)
	})

	t.Run("nats-jetstream", func(t *testing.T) {
		assert.Equal(t, "nats-jetstream", NATSJetStreamCapabilities.Name)
		assert.True(t, NATSJetStreamCapabilities.EmulatedTransactions)
		assert.Equal(t, int64(1048576), NATSJetStreamCapabilities.MaxMessageSize)
	})
}
