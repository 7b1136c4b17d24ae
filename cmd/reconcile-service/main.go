// cmd/reconcile-service/main.go
package main

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"

	"vigil/internal/pkg/bootstrap"
	"vigil/internal/pkg/httpclient"
	"vigil/internal/pkg/mq"
	"vigil/internal/pkg/redis"
	"vigil/internal/service/reconcile/application"
	"vigil/internal/service/reconcile/infrastructure"
	"vigil/internal/service/reconcile/infrastructure/adapter"
	"vigil/internal/service/reconcile/interfaces"
	"vigil/internal/zookeeper"
)

const serviceName = "reconcile-service"

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	tracer := otel.Tracer(serviceName)
	httpClient := httpclient.NewClient(tracer)

	// 出站适配器：支付网关与激活服务
	statusSvc := adapter.NewPaymentHTTPAdapter(httpClient, adapter.PaymentGatewayConfig{
		BaseURL:      cfg.Infra.Gateway.BaseURL,
		ClientID:     cfg.Infra.Gateway.ClientID,
		ClientSecret: cfg.Infra.Gateway.ClientSecret,
	})
	activationSvc := adapter.NewActivationHTTPAdapter(httpClient, cfg.Infra.Activation.BaseURL)

	coordCfg := application.CoordinatorConfig{
		Window:             time.Duration(cfg.App.Reconcile.WindowSeconds) * time.Second,
		PollInterval:       time.Duration(cfg.App.Reconcile.PollIntervalMs) * time.Millisecond,
		MaxPolls:           cfg.App.Reconcile.MaxPolls,
		StatusCheckTimeout: time.Duration(cfg.App.Reconcile.StatusCheckTimeoutMs) * time.Millisecond,
		ActivationTimeout:  time.Duration(cfg.App.Reconcile.ActivationTimeoutMs) * time.Millisecond,
	}

	opts := []application.ServiceOption{}

	// 进度事件：Kafka 总线 + Prometheus 指标
	eventsWriter := mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.EventsTopic)
	kafkaNotifier := adapter.NewNotifierKafkaAdapter(eventsWriter)
	opts = append(opts, application.WithNotifier(
		application.NewFanoutNotifier(kafkaNotifier, infrastructure.NewMetricsNotifier()),
	))

	// 崩溃恢复标记：Redis，TTL 比支付窗口多留一分钟
	redisClient, err := redis.NewClient(cfg.Infra.Redis.Addr)
	if err != nil {
		log.Fatalf("failed to initialize redis client: %v", err)
	}
	stateStore, err := adapter.NewStateStoreRedisAdapter(redisClient, coordCfg.Window+time.Minute)
	if err != nil {
		log.Fatalf("failed to initialize state store: %v", err)
	}
	opts = append(opts, application.WithStateStore(stateStore))

	// 终态归档：MySQL，未配置 DSN 时跳过
	if cfg.Infra.Mysql.DSN != "" {
		db, err := infrastructure.NewDB(cfg.Infra.Mysql.DSN)
		if err != nil {
			log.Fatalf("failed to initialize mysql: %v", err)
		}
		opts = append(opts, application.WithRepository(infrastructure.NewGormSessionRepository(db)))
	}

	// 激活策略：CEL 表达式，空串恒允许
	policy, err := adapter.NewPolicyCELAdapter(cfg.App.Reconcile.ActivationPolicy)
	if err != nil {
		log.Fatalf("invalid activation policy: %v", err)
	}
	opts = append(opts, application.WithActivationPolicy(policy))

	// 跨进程启动守卫：ZooKeeper，未启用时只做进程内互斥
	var zkConn *zookeeper.Conn
	if cfg.Infra.Zookeeper.Enabled {
		zkConn, err = zookeeper.Connect(cfg.Infra.Zookeeper.Addrs, 5*time.Second)
		if err != nil {
			log.Fatalf("failed to connect to zookeeper: %v", err)
		}
		opts = append(opts, application.WithStartGuard(adapter.NewStartGuardZkAdapter(zkConn)))
	}

	appService := application.NewReconcileApplicationService(
		coordCfg, tracer, statusSvc, activationSvc, opts...,
	)

	handler := interfaces.NewReconcileHandler(appService)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8084,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
		},
		OnShutdown: func(ctx context.Context) {
			appService.Shutdown(ctx)
			kafkaNotifier.Close()
			redisClient.Close()
			if zkConn != nil {
				zkConn.Close()
			}
		},
	})
}
