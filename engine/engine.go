// Package engine wires the billing services together and drives the
// scheduled renewal passes.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bookwell/billing-engine/auth"
	"github.com/bookwell/billing-engine/catalog"
	"github.com/bookwell/billing-engine/config/database"
	"github.com/bookwell/billing-engine/config/kafka"
	"github.com/bookwell/billing-engine/config/redis"
	"github.com/bookwell/billing-engine/models"
	"github.com/bookwell/billing-engine/payment"
	"github.com/bookwell/billing-engine/subscription"
	"github.com/bookwell/billing-engine/utils"
)

const (
	envEnv                           = "ENV"
	envBillingDatabaseMaxConnections = "BILLING_DATABASE_MAX_CONNECTIONS"
	envBillingKafkaBootstrapServers  = "BILLING_KAFKA_BOOTSTRAP_SERVERS"
	envBillingKafkaLifecycleTopic    = "BILLING_KAFKA_LIFECYCLE_EVENTS_TOPIC"
	envBillingKafkaPassword          = "BILLING_KAFKA_PASSWORD"
	envBillingKafkaScramAlgorithm    = "BILLING_KAFKA_SCRAM_ALGORITHM"
	envBillingKafkaTLS               = "BILLING_KAFKA_TLS"
	envBillingKafkaUsername          = "BILLING_KAFKA_USERNAME"
	envBillingPaymentGatewayAPIKey   = "BILLING_PAYMENT_GATEWAY_API_KEY"
	envBillingPaymentGatewayURL      = "BILLING_PAYMENT_GATEWAY_URL"
	envBillingPaymentTimeoutSeconds  = "BILLING_PAYMENT_TIMEOUT_SECONDS"
	envBillingRedisLeaseDB           = "BILLING_REDIS_LEASE_DB"
	envBillingRedisLeasePassword     = "BILLING_REDIS_LEASE_PASSWORD"
	envBillingRedisLeaseTLS          = "BILLING_REDIS_LEASE_TLS"
	envBillingRedisLeaseURL          = "BILLING_REDIS_LEASE_URL"
	envBillingRenewalBatchSize       = "BILLING_RENEWAL_BATCH_SIZE"
	envBillingRenewalConcurrency     = "BILLING_RENEWAL_CONCURRENCY"
	envBillingRenewalLeaseTTLSeconds = "BILLING_RENEWAL_LEASE_TTL_SECONDS"
	envBillingRenewalSchedule        = "BILLING_RENEWAL_SCHEDULE"
	envBillingTrialNoticeSchedule    = "BILLING_TRIAL_NOTICE_SCHEDULE"
	envBillingTrialNoticeWindowHours = "BILLING_TRIAL_NOTICE_WINDOW_HOURS"
	envDatabaseURL                   = "DATABASE_URL"
)

const (
	defaultRenewalSchedule     = "@every 1h"
	defaultTrialNoticeSchedule = "@every 6h"
	renewalLeasePrefix         = "billing:renewal_lease"
)

type Config struct {
	Logger       *slog.Logger
	UseTelemetry bool
}

func initLifecycleProducer(ctx context.Context, kafkaConfig kafka.ServerConfig) utils.Result[*kafka.Producer] {
	topic := os.Getenv(envBillingKafkaLifecycleTopic)
	if topic == "" {
		return utils.FailedResult[*kafka.Producer](fmt.Errorf("%s variable is required", envBillingKafkaLifecycleTopic))
	}

	producer, err := kafka.NewProducer(
		kafkaConfig,
		&kafka.ProducerConfig{
			Topic: topic,
		})
	if err != nil {
		return utils.FailedResult[*kafka.Producer](err)
	}

	err = producer.Ping(ctx)
	if err != nil {
		return utils.FailedResult[*kafka.Producer](err)
	}

	return utils.SuccessResult(producer)
}

func initLeaseStore(ctx context.Context) (*models.RenewalLeaseStore, error) {
	redisDb, err := utils.GetEnvAsInt(envBillingRedisLeaseDB, 0)
	if err != nil {
		return nil, err
	}

	ttlSeconds, err := utils.GetEnvAsInt(envBillingRenewalLeaseTTLSeconds, 900)
	if err != nil {
		return nil, err
	}

	redisConfig := redis.RedisConfig{
		Address:  os.Getenv(envBillingRedisLeaseURL),
		Password: os.Getenv(envBillingRedisLeasePassword),
		DB:       redisDb,
		UseTLS:   utils.GetEnvAsBool(envBillingRedisLeaseTLS, os.Getenv(envEnv) == "production"),
	}

	db, err := redis.NewRedisDB(ctx, redisConfig)
	if err != nil {
		return nil, err
	}

	return models.NewRenewalLeaseStore(ctx, db, renewalLeasePrefix, time.Duration(ttlSeconds)*time.Second), nil
}

func initPaymentClient() (*payment.Client, error) {
	gatewayURL := os.Getenv(envBillingPaymentGatewayURL)
	if gatewayURL == "" {
		return nil, fmt.Errorf("%s variable is required", envBillingPaymentGatewayURL)
	}

	timeoutSeconds, err := utils.GetEnvAsInt(envBillingPaymentTimeoutSeconds, 30)
	if err != nil {
		return nil, err
	}

	return payment.NewClient(payment.Config{
		BaseURL: gatewayURL,
		APIKey:  os.Getenv(envBillingPaymentGatewayAPIKey),
		Timeout: time.Duration(timeoutSeconds) * time.Second,
	}), nil
}

// Start connects every collaborator, schedules the renewal passes and blocks
// until the context is canceled.
func Start(ctx context.Context, cfg *Config) {
	logger := cfg.Logger

	serverBrokers := utils.ParseBrokersEnv(os.Getenv(envBillingKafkaBootstrapServers))
	if len(serverBrokers) == 0 {
		logger.Error("brokers not found")
		panic("brokers not found")
	}

	kafkaConfig := kafka.ServerConfig{
		ScramAlgorithm: os.Getenv(envBillingKafkaScramAlgorithm),
		TLS:            os.Getenv(envBillingKafkaTLS) == "true",
		Servers:        serverBrokers,
		UseTelemetry:   cfg.UseTelemetry,
		UserName:       os.Getenv(envBillingKafkaUsername),
		Password:       os.Getenv(envBillingKafkaPassword),
	}

	lifecycleProducerResult := initLifecycleProducer(ctx, kafkaConfig)
	if lifecycleProducerResult.Failure() {
		logger.Error(lifecycleProducerResult.ErrorMsg())
		utils.CaptureErrorResult(lifecycleProducerResult)
		panic(lifecycleProducerResult.ErrorMessage())
	}

	maxConns, err := utils.GetEnvAsInt(envBillingDatabaseMaxConnections, 200)
	if err != nil {
		logger.Error("Error converting max connections into integer", slog.String("error", err.Error()))
		utils.CaptureError(err)
		panic(err.Error())
	}

	dbConfig := database.DBConfig{
		Url:      os.Getenv(envDatabaseURL),
		MaxConns: int32(maxConns),
	}

	db, err := database.NewConnection(dbConfig)
	if err != nil {
		logger.Error("Error connecting to the database", slog.String("error", err.Error()))
		utils.CaptureError(err)
		panic(err.Error())
	}
	apiStore := models.NewApiStore(db)
	defer db.Close()

	leases, err := initLeaseStore(ctx)
	if err != nil {
		logger.Error("Error connecting to the lease store", slog.String("error", err.Error()))
		utils.CaptureError(err)
		panic(err.Error())
	}
	defer leases.Close()

	planCatalog, err := catalog.NewCatalog(catalog.CatalogConfig{
		Store:  apiStore,
		Logger: logger,
	})
	if err != nil {
		logger.Error("Error opening the plan catalog", slog.String("error", err.Error()))
		utils.CaptureError(err)
		panic(err.Error())
	}
	defer planCatalog.Close()

	snapshotResult := planCatalog.LoadSnapshot()
	if snapshotResult.Failure() {
		logger.Error("Error warming the plan catalog", slog.String("error", snapshotResult.ErrorMsg()))
		utils.CaptureErrorResult(snapshotResult)
	}

	paymentClient, err := initPaymentClient()
	if err != nil {
		logger.Error("Error building the payment client", slog.String("error", err.Error()))
		utils.CaptureError(err)
		panic(err.Error())
	}

	service := subscription.NewService(subscription.ServiceConfig{
		Logger:   logger,
		Store:    apiStore,
		Plans:    planCatalog,
		Payments: paymentClient,
		Auth:     auth.NewStaffAuthorizer(apiStore, logger),
		Events:   subscription.NewEventProducerService(lifecycleProducerResult.Value(), logger),
		Leases:   leases,
	})

	batchSize, err := utils.GetEnvAsInt(envBillingRenewalBatchSize, 500)
	if err != nil {
		logger.Error("Error converting batch size into integer", slog.String("error", err.Error()))
		utils.CaptureError(err)
		panic(err.Error())
	}

	concurrency, err := utils.GetEnvAsInt(envBillingRenewalConcurrency, 10)
	if err != nil {
		logger.Error("Error converting concurrency into integer", slog.String("error", err.Error()))
		utils.CaptureError(err)
		panic(err.Error())
	}

	processor := subscription.NewRenewalProcessor(subscription.RenewalProcessorConfig{
		Logger:      logger,
		Store:       apiStore,
		Service:     service,
		BatchSize:   batchSize,
		Concurrency: concurrency,
	})

	trialNoticeHours, err := utils.GetEnvAsInt(envBillingTrialNoticeWindowHours, 72)
	if err != nil {
		logger.Error("Error converting trial notice window into integer", slog.String("error", err.Error()))
		utils.CaptureError(err)
		panic(err.Error())
	}
	trialNoticeWindow := time.Duration(trialNoticeHours) * time.Hour

	renewalSchedule := os.Getenv(envBillingRenewalSchedule)
	if renewalSchedule == "" {
		renewalSchedule = defaultRenewalSchedule
	}
	trialNoticeSchedule := os.Getenv(envBillingTrialNoticeSchedule)
	if trialNoticeSchedule == "" {
		trialNoticeSchedule = defaultTrialNoticeSchedule
	}

	scheduler := cron.New()

	_, err = scheduler.AddFunc(renewalSchedule, func() {
		if result := processor.ProcessRenewals(ctx); result.Failure() {
			utils.CaptureErrorResult(result)
		}
		if result := processor.ProcessExpired(ctx); result.Failure() {
			utils.CaptureErrorResult(result)
		}
	})
	if err != nil {
		logger.Error("Error scheduling the renewal pass", slog.String("error", err.Error()))
		utils.CaptureError(err)
		panic(err.Error())
	}

	_, err = scheduler.AddFunc(trialNoticeSchedule, func() {
		if result := processor.ProcessTrialsEndingSoon(ctx, trialNoticeWindow); result.Failure() {
			utils.CaptureErrorResult(result)
		}
	})
	if err != nil {
		logger.Error("Error scheduling the trial notice pass", slog.String("error", err.Error()))
		utils.CaptureError(err)
		panic(err.Error())
	}

	scheduler.Start()
	logger.Info(
		"Billing engine started",
		slog.String("renewal_schedule", renewalSchedule),
		slog.String("trial_notice_schedule", trialNoticeSchedule),
	)

	<-ctx.Done()

	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("Billing engine stopped")
}
