package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"relay-service/internal/auth"
	"relay-service/internal/bots"
	"relay-service/internal/bridge"
	"relay-service/internal/calls"
	"relay-service/internal/config"
	"relay-service/internal/db"
	"relay-service/internal/handlers"
	"relay-service/internal/middleware"
	"relay-service/internal/observability"
	"relay-service/internal/presence"
	"relay-service/internal/rabbitmq"
	"relay-service/internal/relay"
	"relay-service/internal/repositories"
	"relay-service/internal/telemetry"
	"relay-service/internal/ws"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := observability.InitTracer(ctx, observability.TraceConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		NodeID:      cfg.NodeID,
		Endpoint:    cfg.OTLPEndpoint,
	})

	database, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	if mode, reason := rabbitmq.Describe(publisher); reason != "" {
		log.Printf("event publisher mode=%s reason=%s", mode, reason)
	} else {
		log.Printf("event publisher mode=%s", mode)
	}
	observability.SetPublisher(publisher)
	auditEmitter := telemetry.NewAuditEmitter(publisher, telemetry.AuditRoutingKey, cfg.ServiceName, cfg.Environment)

	sessionRepo := repositories.NewSessionRepo(database)
	chatRepo := repositories.NewChatRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	groupRepo := repositories.NewGroupRepo(database)
	channelRepo := repositories.NewChannelRepo(database)
	callRepo := repositories.NewCallRepo(database)
	botRepo := repositories.NewBotRepo(database)
	pollRepo := repositories.NewPollRepo(database)

	hub := ws.NewHub()
	authenticator := auth.NewAuthenticator(sessionRepo)

	broker := newBroker(cfg)
	defer broker.Close()
	fanout := bridge.New(broker, hub, cfg.NodeID)
	seen := presence.NewManager(hub, messageRepo, fanout)
	fanout.Observe(seen)
	go fanout.Run(ctx)

	ice := calls.NewICEProvider(cfg.STUNURLs, cfg.TURNURLs, cfg.TURNSecret, cfg.TURNTTL)
	callEngine := calls.NewEngine(hub, callRepo, groupRepo, ice, auditEmitter)
	botRouter := bots.NewRouter(hub, botRepo, pollRepo, fanout, auditEmitter)

	service := relay.NewService(relay.Deps{
		Hub:      hub,
		Auth:     authenticator,
		Presence: seen,
		Calls:    callEngine,
		Bots:     botRouter,
		Fanout:   fanout,
		Audit:    auditEmitter,
		Sessions: sessionRepo,
		Chats:    chatRepo,
		Messages: messageRepo,
		Groups:   groupRepo,
		Channels: channelRepo,
	})

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.CallSweepSchedule, func() {
		if n, err := callEngine.SweepRinging(ctx, cfg.CallRingTimeout); err != nil {
			log.Printf("ringing sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("ringing sweep marked %d calls missed", n)
		}
	}); err != nil {
		log.Fatalf("invalid CALL_SWEEP_SCHEDULE %q: %v", cfg.CallSweepSchedule, err)
	}
	scheduler.Start()

	wsHandler := ws.NewHandler(hub, authenticator, service, ws.Options{
		SendBuffer:     cfg.WSSendBuffer,
		WriteTimeout:   cfg.WSWriteTimeout,
		PingInterval:   cfg.WSPingInterval,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	botHandler := handlers.NewBotHandler(botRouter)
	callHandler := handlers.NewCallHandler(callEngine)
	messageHandler := handlers.NewMessageHandler(seen)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(authenticator)

	router.GET("/ws", wsHandler.Handle)
	router.GET("/bots/updates", middleware.BotAuthMiddleware(botRouter), botHandler.GetUpdates)
	router.GET("/calls/:room_name", authMiddleware, callHandler.GetCall)
	router.GET("/messages/:message_id/seen", authMiddleware, messageHandler.GetSeenState)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node_id": cfg.NodeID})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, auditEmitter, hub, cfg.DebugRoutes)

	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatalf("failed to listen on grpc port: %v", err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Printf("grpc server error: %v", err)
		}
	}()

	go func() {
		log.Printf("relay node %s listening on :%s", cfg.NodeID, cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	<-scheduler.Stop().Done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	grpcServer.GracefulStop()
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Printf("tracer shutdown: %v", err)
	}
}

func newBroker(cfg config.Config) bridge.Broker {
	switch cfg.BrokerKind {
	case "redis":
		return bridge.NewRedisBroker(cfg.RedisAddr)
	case "amqp":
		return rabbitmq.NewBroker(cfg.AMQPURL, cfg.BrokerExchange)
	}
	log.Printf("fan-out broker disabled, running single node")
	return bridge.NoopBroker{}
}
