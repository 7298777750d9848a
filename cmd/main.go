package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"policy-engine/internal/app"
	"policy-engine/internal/config"
	"policy-engine/internal/credentials"
	"policy-engine/internal/engine"
	"policy-engine/internal/engine/blocks"
	"policy-engine/internal/expression"
	"policy-engine/internal/keymanager"
	"policy-engine/internal/ledger"
	"policy-engine/internal/ports/http"
	"policy-engine/internal/ports/http/middleware/auth"
	"policy-engine/internal/repository/mongodb"
	"policy-engine/internal/scheduler"
	"policy-engine/internal/validator"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	logger, err := getLogger()
	if err != nil {
		log.Fatalln("setting up the logger failed: ", err)
		return
	}
	defer logger.Sync()

	logger.Info("application started")

	db, err := mongodb.NewConnection(logger, config.GetDbConnectionURI(), config.GetDatabaseName())
	if err != nil {
		logger.Error("failed to connect to the database: " + err.Error())
		return
	}
	defer db.Disconnect()

	keys, err := loadKeys(logger)
	if err != nil {
		logger.Error("failed to set up the signing keys: " + err.Error())
		return
	}

	client := ledger.NewClient(logger, config.GetLedgerRestAddr())
	listener := ledger.NewListener(logger, client, config.GetPollInterval())

	expressions, err := expression.NewEngine()
	if err != nil {
		logger.Error("failed to build the expression engine: " + err.Error())
		return
	}

	sched := scheduler.New(logger)
	sched.Start()
	defer sched.Stop()

	services := &engine.Services{
		Logger:      logger,
		Policies:    db,
		Documents:   db,
		Aggregate:   db,
		MultiSign:   db,
		State:       db,
		Users:       db,
		Artifacts:   db,
		Schemas:     db,
		Issuer:      credentials.NewService(db, keys.GetSigner()),
		Messages:    listener,
		Scheduler:   sched,
		Expressions: expressions,
	}

	registry := engine.NewRegistry()
	blocks.RegisterDefaults(registry)

	policyValidator := validator.New(logger, db, db, db)
	application := app.NewApp(logger, services, registry, policyValidator, db, db, config.GetSyncCronMask())

	if err := listener.Start(); err != nil {
		logger.Error("failed to start the topic listener: " + err.Error())
		return
	}

	ser := http.NewServer(logger, application, config.GetPort())
	if issuer := config.GetTokenIssuer(); issuer != "" {
		ser = ser.WithAuth(auth.NewTokenValidator(logger, auth.JwtTokenParams{Issuer: issuer}))
	}
	go func() {
		if err := ser.Run(); err != nil {
			logger.Error("failed to run the server: " + err.Error())
		}
	}()

	waitForShutdown(logger)

	if err := application.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown errors: " + err.Error())
	}
	if err := listener.Stop(); err != nil {
		logger.Error("failed to stop the topic listener: " + err.Error())
	}

	logger.Info("application finished")
}

func loadKeys(logger *zap.Logger) (keymanager.UserKeys, error) {
	manager := keymanager.NewKeyManager(logger)
	if seed := config.GetSigningKeySeed(); seed != "" {
		return manager.LoadKeys(seed)
	}
	logger.Warn("no signing key configured, generating an ephemeral one")
	return manager.GenerateKeys()
}

func waitForShutdown(logger *zap.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown signal received")
}

func getLogger() (*zap.Logger, error) {
	options := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zap.FatalLevel),
	}

	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	config.Development = true
	config.Level.SetLevel(zap.DebugLevel)

	logger, err := config.Build()
	return logger.WithOptions(options...), err
}
