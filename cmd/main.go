package main

import (
	"access_service/internal/config"
	"access_service/internal/database/mongo"
	"access_service/internal/events"
	"access_service/internal/handlers"
	"access_service/internal/repository"
	"access_service/internal/service"
	"access_service/pkg/discovery"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
)

func setupLogging() (*os.File, error) {
	logDir := filepath.Join("/evolvia", "log", "access_service")
	err := os.MkdirAll(logDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}

	currentTime := time.Now()
	logFileName := fmt.Sprintf("log_%s.log", currentTime.Format("2006-01-02"))
	logFile := filepath.Join(logDir, logFileName)

	file, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %v", err)
	}

	log.SetOutput(file)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	return file, nil
}

func rabbitURI() string {
	cfg := config.ServiceConfig
	if cfg.RabbitMQUser == "" || cfg.RabbitMQPassword == "" || cfg.RabbitMQPort == "" {
		return ""
	}
	return fmt.Sprintf("amqp://%s:%s@rabbitmq:%s/", cfg.RabbitMQUser, cfg.RabbitMQPassword, cfg.RabbitMQPort)
}

func main() {
	logFile, err := setupLogging()
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logFile.Close()

	eventPublisher, err := events.NewEventPublisher(rabbitURI())
	if err != nil {
		log.Fatalf("Failed to initialize event publisher: %v", err)
	}
	defer eventPublisher.Close()

	repos := repository.Repositories_instance

	credentialService := service.NewCredentialService(repos.UserAuthRepository, repos.LockoutRepository, eventPublisher)
	twoFactorService := service.NewTwoFactorService(repos.UserAuthRepository, repos.ChallengeRepository, eventPublisher)
	backupCodeService := service.NewBackupCodeService(repos.BackupCodeRepository, eventPublisher)
	sessionService := service.NewSessionService(repos.SessionRepository, eventPublisher)
	permissionService := service.NewPermissionService(repos.GrantRepository, repos.ProjectResourceRepository, eventPublisher)
	jwtService := service.NewJWTService()

	eventConsumer, err := events.NewEventConsumer(rabbitURI(), permissionService)
	if err != nil {
		log.Fatalf("Failed to initialize event consumer: %v", err)
	}
	if err := eventConsumer.Start(); err != nil {
		log.Fatalf("Failed to start event consumer: %v", err)
	}
	defer eventConsumer.Close()

	accessHandler := handlers.NewAccessHandler(credentialService, twoFactorService, backupCodeService, sessionService, jwtService)
	shareHandler := handlers.NewShareHandler(permissionService, credentialService)

	app := fiber.New(fiber.Config{})

	accessHandler.RegisterRoutes(app)
	shareHandler.RegisterRoutes(app, accessHandler.RequireSession)

	if err := discovery.ServiceDiscovery.Register(); err != nil {
		log.Printf("Warning: Failed to register with Consul: %v", err)
	}

	shutdownChan := make(chan os.Signal, 1)
	doneChan := make(chan bool, 1)

	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", config.ServiceConfig.Port)
		if err := app.Listen(":" + config.ServiceConfig.Port); err != nil {
			log.Fatalf("Error starting server: %v", err)
		}
		doneChan <- true
	}()

	<-shutdownChan
	log.Println("Shutting down server...")

	if err := discovery.ServiceDiscovery.Deregister(); err != nil {
		log.Printf("Error deregistering from Consul: %v", err)
	}

	if err := app.Shutdown(); err != nil {
		log.Printf("Error shutting down server: %v", err)
	}

	mongo.DisconnectMongo()

	<-doneChan
	log.Println("Server exited, goodbye!")
}
