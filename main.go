package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"order-payment/config"
	"order-payment/consumers"
	"order-payment/controllers"
	"order-payment/database"
	"order-payment/middlewares"
	"order-payment/rabbitmq"
	"order-payment/repository"
	"order-payment/view"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Fatalf("order-payment: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "order-payment",
		Short:         "Storefront order view and payment reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the order view (and consume payment events when RabbitMQ is enabled)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "consume",
		Short: "Only consume payment events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return consume(cmd.Context(), cfg)
		},
	})
	return root
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.LoadConfig()
	if path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func openLedger(ctx context.Context, cfg *config.Config) (database.Ledger, *sql.DB, error) {
	if !cfg.DBEnabled {
		log.Printf("Database disabled, using in-memory payment ledger")
		return database.NewMemoryLedger(), nil, nil
	}
	db, err := database.InitDB(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return database.NewMySQLLedger(db), db, nil
}

func startRabbitMQ(cfg *config.Config, ledger database.Ledger) (*rabbitmq.RabbitMQ, error) {
	rmq, err := rabbitmq.NewRabbitMQ(cfg)
	if err != nil {
		return nil, err
	}
	if err := rmq.SetupQueues(); err != nil {
		rmq.Close()
		return nil, err
	}
	processor := &consumers.PaymentProcessor{Ledger: ledger, Timeout: cfg.HTTPTimeout}
	if err := consumers.StartPaymentConsumer(rmq.Channel, cfg, processor); err != nil {
		rmq.Close()
		return nil, err
	}
	return rmq, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	decimal.MarshalJSONWithoutQuotes = true

	ledger, db, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.CloseDB(db)

	var events view.Events
	if cfg.RabbitMQEnabled {
		rmq, err := startRabbitMQ(cfg, ledger)
		if err != nil {
			return err
		}
		defer rmq.Close()
		events = rmq
	}

	client := repository.NewClient(cfg.OrderAPIURL, cfg.HTTPTimeout)
	orderController, err := controllers.NewOrderController(cfg, client, ledger, events)
	if err != nil {
		return err
	}

	r := gin.Default()
	r.Use(middlewares.PrometheusMiddleware())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authGroup := r.Group("/")
	authGroup.Use(middlewares.AuthMiddleware(cfg.JWTSecret, cfg.LoginPath))
	orderController.RegisterRoutes(authGroup)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown failed: %v", err)
		}
	}()

	log.Printf("Order payment service starting on port %s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func consume(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, db, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.CloseDB(db)

	rmq, err := startRabbitMQ(cfg, ledger)
	if err != nil {
		return err
	}
	defer rmq.Close()

	log.Printf("Consuming payment events from %s", cfg.PaymentQueue)
	<-ctx.Done()
	return nil
}
