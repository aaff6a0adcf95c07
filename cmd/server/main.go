package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tradebridge/internal/config"
	"tradebridge/internal/exchange"
	"tradebridge/internal/health"
	"tradebridge/internal/registry"
	"tradebridge/internal/repository"
	"tradebridge/internal/service"
	"tradebridge/internal/supervisor"
	"tradebridge/internal/ws"
	"tradebridge/pkg/utils"

	_ "github.com/lib/pq"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Инициализация базы данных
	db, err := initDatabase(cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("connected to database",
		zap.String("dsn", cfg.Database.DSNWithoutPassword()))

	// Инициализация репозиториев
	botRepo := repository.NewBotRepository(db)
	tradeRepo := repository.NewTradeRepository(db)
	healthRepo := repository.NewHealthRepository(db)
	connectorRepo := repository.NewConnectorRepository(db)

	// Реестр биржевых клиентов; сетевые настройки применяются
	// единообразно ко всем подписывающим клиентам
	network := exchange.NetworkOptions{
		ProxyURL:  cfg.Network.ProxyURL,
		ForceIPv4: cfg.Network.ForceIPv4,
	}
	reg := registry.NewRegistry(network, logger)

	// WebSocket hub для событий дашборда
	hub := ws.NewHub(logger)
	go hub.Run()

	// Сервисы
	credService := service.NewCredentialService(
		connectorRepo,
		cfg.Security.EncryptionSecret,
		cfg.Security.EncryptionSalt,
		logger,
	)

	monitor := health.NewMonitor(botRepo, tradeRepo, healthRepo, reg, hub, health.Config{
		Interval:         cfg.Health.Interval,
		HeartbeatTimeout: cfg.Health.HeartbeatTimeout,
		TradeLookback:    cfg.Health.TradeLookback,
		StaleThreshold:   cfg.Health.StaleThreshold,
		StoppedThreshold: cfg.Health.StoppedThreshold,
	}, logger)

	botService := service.NewBotService(botRepo, tradeRepo, reg, monitor, hub, logger)

	// Супервизор ботов: сверяет желаемое состояние из базы с
	// фактически запущенными задачами стратегий
	sup := supervisor.New(botRepo, credService, reg, botService, cfg.Runner.Interval, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		monitor.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		sup.Run(ctx)
	}()

	// Операционный HTTP сервер: метрики, liveness, websocket поток.
	// Бизнесовый web API живёт снаружи и ходит в ту же базу.
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	router.HandleFunc("/ws/stream", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(hub, w, r)
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting ops server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("ops server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Супервизор и монитор завершаются по отменённому контексту;
	// супервизор дожидается teardown'а всех стратегий
	wg.Wait()

	// Закрываем соединения с биржами
	reg.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
