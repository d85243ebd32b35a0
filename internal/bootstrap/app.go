package bootstrap

import (
	"context"
	"fmt"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"govdoc-chat/internal/config"
	"govdoc-chat/internal/model"
	esClient "govdoc-chat/internal/platform/elasticsearch"
	mysqlClient "govdoc-chat/internal/platform/mysql"
	rabbitmqClient "govdoc-chat/internal/platform/rabbitmq"
	redisClient "govdoc-chat/internal/platform/redis"
	"govdoc-chat/internal/repository"
	"govdoc-chat/internal/worker"
)

// App owns the shared infrastructure of the server process: cluster clients,
// the archive consumer, and their shutdown.
type App struct {
	Config        *config.Config
	ES            *es.Client
	MySQL         *gorm.DB
	Redis         *redis.Client
	MQConn        *amqp.Connection
	ArchiveWorker *worker.ArchiveWorker

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	cluster, err := esClient.New(ctx, esClient.Config{
		Addresses: cfg.Elasticsearch.Addresses,
		Username:  cfg.Elasticsearch.Username,
		Password:  cfg.Elasticsearch.Password,
		APIKey:    cfg.Elasticsearch.APIKey,
		CACert:    cfg.Elasticsearch.CACert,
	})
	if err != nil {
		return nil, err
	}

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.AutoMigrate(&model.ArchivedMessage{}); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}

	redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	messageRepo := repository.NewMessageRepository(mysqlDB)
	archiveWorker := worker.NewArchiveWorker(mqConn, messageRepo, cfg.RabbitMQ.ArchiveQueue)
	if err := archiveWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start archive worker failed: %w", err)
	}

	return &App{
		Config:        cfg,
		ES:            cluster,
		MySQL:         mysqlDB,
		Redis:         redisCli,
		MQConn:        mqConn,
		ArchiveWorker: archiveWorker,
		StartedAt:     time.Now(),
	}, nil
}

func (a *App) Close() error {
	var closeErr error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.ArchiveWorker != nil {
		a.ArchiveWorker.Close()
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}
