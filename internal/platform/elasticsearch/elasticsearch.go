package elasticsearch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
)

type Config struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
	CACert    string
}

// New builds the cluster client and proves connectivity with a bounded Info
// call. Basic auth and API key are mutually exclusive; the client rejects
// both being set, so only one is forwarded.
func New(ctx context.Context, cfg Config) (*elasticsearch.Client, error) {
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
	}
	if cfg.APIKey != "" {
		esCfg.APIKey = cfg.APIKey
	} else {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}
	if cfg.CACert != "" {
		cert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read elasticsearch ca cert failed: %w", err)
		}
		esCfg.CACert = cert
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client failed: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := client.Info(client.Info.WithContext(pingCtx))
	if err != nil {
		return nil, fmt.Errorf("ping elasticsearch failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("ping elasticsearch failed with status %d", res.StatusCode)
	}

	return client, nil
}
