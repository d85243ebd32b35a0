package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "does-not-exist.toml")
	t.Setenv("ELASTICSEARCH_USER", "elastic")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "govdoc-chat-docs", cfg.Search.Index)
	assert.Equal(t, ".multilingual-e5-small", cfg.Search.ModelID)
	assert.Equal(t, 384, cfg.Search.Dims)
	assert.Equal(t, 4, cfg.Search.TopK)
	assert.Equal(t, 1200, cfg.Search.MLWaitTimeoutSec)
	assert.Equal(t, 512, cfg.Chunker.ChunkSize)
	assert.Equal(t, 256, cfg.Chunker.ChunkOverlap)
	assert.Equal(t, []string{"http://127.0.0.1:9200"}, cfg.Elasticsearch.Addresses)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "does-not-exist.toml")
	t.Setenv("ELASTICSEARCH_URL", "https://es.internal:9200")
	t.Setenv("ELASTICSEARCH_API_KEY", "key123")
	t.Setenv("ES_INDEX", "gov-docs-v2")
	t.Setenv("ES_TOP_K", "8")
	t.Setenv("FILE", "/data/corpus.json")
	t.Setenv("LLM_TEMPERATURE", "0.7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://es.internal:9200"}, cfg.Elasticsearch.Addresses)
	assert.Equal(t, "key123", cfg.Elasticsearch.APIKey)
	assert.Equal(t, "gov-docs-v2", cfg.Search.Index)
	assert.Equal(t, 8, cfg.Search.TopK)
	assert.Equal(t, "/data/corpus.json", cfg.Corpus.File)
	assert.InDelta(t, 0.7, cfg.LLM.Temperature, 1e-9)
}

func TestLoadRejectsMissingClusterCredentials(t *testing.T) {
	t.Setenv("CONFIG_FILE", "does-not-exist.toml")
	t.Setenv("ELASTICSEARCH_USER", "")
	t.Setenv("ELASTICSEARCH_API_KEY", "")

	_, err := Load()
	require.ErrorIs(t, err, ErrNoClusterCredentials)
}

func TestValidateAcceptsAPIKeyOnly(t *testing.T) {
	cfg := defaultConfig()
	cfg.Elasticsearch.APIKey = "key123"
	require.NoError(t, cfg.Validate())
}

func TestMySQLDSN(t *testing.T) {
	cfg := defaultConfig()
	cfg.MySQL.User = "app"
	cfg.MySQL.Password = "secret"
	cfg.MySQL.Host = "db"
	cfg.MySQL.Port = 3307
	cfg.MySQL.DB = "chat"
	cfg.MySQL.Params = "parseTime=true"

	assert.Equal(t, "app:secret@tcp(db:3307)/chat?parseTime=true", cfg.MySQLDSN())
}
