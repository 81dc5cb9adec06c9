package dynprop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSubtree(t *testing.T) {
	source := NewInMemorySource(WithLogger(quietLogger()))
	defer source.Close()

	require.NoError(t, source.UpsertProperty("server/host", "localhost"))
	require.NoError(t, source.UpsertProperty("server/port", "8080"))
	require.NoError(t, source.UpsertProperty("server/read_timeout", "30s"))
	require.NoError(t, source.UpsertProperty("server/tags", "a,b,c"))
	require.NoError(t, source.UpsertProperty("unrelated/key", "x"))

	type serverConfig struct {
		Host        string        `dynprop:"host"`
		Port        int           `dynprop:"port"`
		ReadTimeout time.Duration `dynprop:"read_timeout"`
		Tags        []string      `dynprop:"tags"`
	}

	var cfg serverConfig
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, DecodeSubtree(ctx, source, "server", &cfg))

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Tags)
}

func TestDecodeSubtreeNestedPaths(t *testing.T) {
	source := NewInMemorySource(WithLogger(quietLogger()))
	defer source.Close()

	require.NoError(t, source.UpsertProperty("app/db/primary/dsn", "postgres://primary"))
	require.NoError(t, source.UpsertProperty("app/db/replica/dsn", "postgres://replica"))

	type endpoint struct {
		DSN string `dynprop:"dsn"`
	}
	type dbConfig struct {
		Primary endpoint `dynprop:"primary"`
		Replica endpoint `dynprop:"replica"`
	}

	var cfg dbConfig
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, DecodeSubtree(ctx, source, "app/db", &cfg))

	assert.Equal(t, "postgres://primary", cfg.Primary.DSN)
	assert.Equal(t, "postgres://replica", cfg.Replica.DSN)
}
