// Command eventlotd runs the lottery registration daemon: it connects the
// document store, starts the response-deadline sweeper, and serves health
// checks.
//
// # Configuration
//
// Environment variables (a YAML file named by EVENTLOT_CONFIG overrides the
// defaults, environment wins over both):
//
//	MONGO_URL        - MongoDB connection URL (default: "mongodb://localhost:27017")
//	MONGO_DATABASE   - database name (default: "eventlot")
//	REDIS_URL        - Redis address for the draw lock (optional; a
//	                   process-local lock is used when unset)
//	REDIS_PASSWORD   - Redis password (optional)
//	HEALTH_ADDR      - health check listen address (default: ":8081")
//	SWEEP_INTERVAL   - deadline sweeper interval (default: "1h")
//	DEBUG            - enable debug logging when set
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	"github.com/eventlot/eventlot/lottery"
	"github.com/eventlot/eventlot/notify"
	"github.com/eventlot/eventlot/store/mongo"
)

type config struct {
	MongoURL      string        `yaml:"mongo_url"`
	MongoDatabase string        `yaml:"mongo_database"`
	RedisURL      string        `yaml:"redis_url"`
	RedisPassword string        `yaml:"redis_password"`
	HealthAddr    string        `yaml:"health_addr"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if os.Getenv("DEBUG") != "" {
		ctx = log.Context(ctx, log.WithDebug())
	}
	if err := run(ctx); err != nil {
		log.Fatalf(ctx, err, "eventlotd exited")
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	mc, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(cfg.MongoURL))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}
	defer func() {
		if err := mc.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}()

	db, err := mongo.New(mongo.Options{Client: mc, Database: cfg.MongoDatabase})
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}

	var locker lottery.Locker = lottery.NewLocalLocker()
	pingers := []health.Pinger{db}
	if cfg.RedisURL != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(connectCtx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		locker = lottery.NewRedisLocker(rdb, lottery.DefaultLockTTL)
		log.Printf(ctx, "draw lock backed by redis", log.KV{K: "addr", V: cfg.RedisURL})
	}

	broadcaster := notify.New(db, notify.LogChannel{})
	engine := lottery.New(db,
		lottery.WithLocker(locker),
		lottery.WithNotifier(broadcaster),
	)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	sweeper := lottery.NewSweeper(engine, cfg.SweepInterval)
	go sweeper.Run(sweepCtx)
	log.Printf(ctx, "deadline sweeper started", log.KV{K: "interval", V: cfg.SweepInterval.String()})

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	mux.Handle("/livez", health.Handler(health.NewChecker()))
	srv := &http.Server{Addr: cfg.HealthAddr, Handler: mux}
	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "health server listening", log.KV{K: "addr", V: cfg.HealthAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		log.Printf(ctx, "shutting down", log.KV{K: "signal", V: sig.String()})
	case err := <-errc:
		return fmt.Errorf("health server: %w", err)
	}

	stopSweep()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func loadConfig() (config, error) {
	cfg := config{
		MongoURL:      "mongodb://localhost:27017",
		MongoDatabase: "eventlot",
		HealthAddr:    ":8081",
		SweepInterval: lottery.DefaultSweepInterval,
	}
	if path := os.Getenv("EVENTLOT_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.MongoURL = envOr("MONGO_URL", cfg.MongoURL)
	cfg.MongoDatabase = envOr("MONGO_DATABASE", cfg.MongoDatabase)
	cfg.RedisURL = envOr("REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = envOr("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.HealthAddr = envOr("HEALTH_ADDR", cfg.HealthAddr)
	cfg.SweepInterval = envDurationOr("SWEEP_INTERVAL", cfg.SweepInterval)
	return cfg, nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
