package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"github.com/strata-dev/strata/core/backend"
	"github.com/strata-dev/strata/core/csql"
	"github.com/strata-dev/strata/core/logger"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Postgres         string        `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string        `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	Port             string        `env:"PORT,optional,default=3000" description:"the port to listen on"`
	LogLevel         string        `env:"LOG_LEVEL,optional,default=info" description:"the level used for logger, can be debug, warning, info, error"`
	MasterKey        string        `env:"MASTER_KEY,optional" description:"the key granting unrestricted access"`
	JWTSecret        string        `env:"JWT_SECRET,optional" description:"the secret verifying service identity tokens"`
	SessionLifetime  time.Duration `env:"SESSION_LIFETIME,optional" description:"validity of issued sessions, two weeks if unset"`
	KafkaBrokers     string        `env:"KAFKA_BROKERS,optional" description:"comma separated kafka brokers for the change stream"`
	KafkaTopic       string        `env:"KAFKA_TOPIC,optional" description:"the change stream topic"`
	ConfigFile       string        `env:"CONFIG_FILE,optional" description:"path to the class configuration JSON"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logLevel, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(logLevel)

	configuration := ""
	if service.ConfigFile != "" {
		data, err := os.ReadFile(service.ConfigFile)
		if err != nil {
			logger.Default().WithError(err).Fatalln("cannot read configuration")
		}
		configuration = string(data)
	}

	var kafkaBrokers []string
	if service.KafkaBrokers != "" {
		kafkaBrokers = strings.Split(service.KafkaBrokers, ",")
	}

	var jwtSecret []byte
	if service.JWTSecret != "" {
		jwtSecret = []byte(service.JWTSecret)
	}

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, "strata")
	defer db.Close()

	router := mux.NewRouter()
	b := backend.New(&backend.Builder{
		Config:          configuration,
		DB:              db,
		Router:          router,
		MasterKey:       service.MasterKey,
		JWTSecret:       jwtSecret,
		SessionLifetime: service.SessionLifetime,
		KafkaBrokers:    kafkaBrokers,
		KafkaTopic:      service.KafkaTopic,
	})
	defer b.Close()

	handler := handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Master-Key", "X-Session-Token"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedOrigins([]string{"*"}),
	)(router)

	server := &http.Server{
		Addr:         ":" + service.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Default().Infoln("listen on port :" + service.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Default().WithError(err).Fatalln("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownContext, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownContext)
	logger.Default().Infoln("shutdown complete")
}
