package http

import (
	"time"

	"github.com/gin-gonic/gin"

	"govdoc-chat/internal/ai"
	"govdoc-chat/internal/app"
	"govdoc-chat/internal/bootstrap"
	"govdoc-chat/internal/history"
	"govdoc-chat/internal/platform/rabbitmq"
	"govdoc-chat/internal/repository"
	"govdoc-chat/internal/search"
	"govdoc-chat/internal/transport/http/handler"
)

func NewRouter(boot *bootstrap.App) *gin.Engine {
	gin.SetMode(boot.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(boot)
	router.GET("/healthz", healthHandler.Check)

	llm := ai.NewClient(ai.Config{
		BaseURL:     boot.Config.LLM.BaseURL,
		APIKey:      boot.Config.LLM.APIKey,
		Model:       boot.Config.LLM.Model,
		Temperature: boot.Config.LLM.Temperature,
	})
	store := search.NewStore(boot.ES, search.Config{
		Index:          boot.Config.Search.Index,
		ModelID:        boot.Config.Search.ModelID,
		Dims:           boot.Config.Search.Dims,
		TopK:           boot.Config.Search.TopK,
		MLWaitTimeout:  time.Duration(boot.Config.Search.MLWaitTimeoutSec) * time.Second,
		MLPollInterval: time.Duration(boot.Config.Search.MLPollIntervalSec) * time.Second,
	})
	chatHistory := history.NewStore(boot.Redis)
	publisher := rabbitmq.NewMessagePublisher(boot.MQConn, boot.Config.RabbitMQ.ArchiveQueue)
	messageRepo := repository.NewMessageRepository(boot.MySQL)

	qa := app.NewQAService(llm, store, chatHistory, publisher, boot.Config.Search.TopK)
	chatHandler := handler.NewChatHandler(qa, messageRepo)

	api := router.Group("/api")
	api.POST("/chat", chatHandler.Stream)
	api.GET("/chat/history", chatHandler.History)

	return router
}
