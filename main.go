package main

import (
	"context"
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"strata-core/api"
	"strata-core/cascade"
	"strata-core/domain"
	"strata-core/storage"
)

func main() {
	logger := log.New()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		logger.SetLevel(log.DebugLevel)
	}

	var redisClient *redis.Client
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		redisOpts, err := redis.ParseURL(redisConn)
		if err != nil {
			parts := strings.Split(redisConn, ",")
			redisOpts = &redis.Options{Addr: parts[0]}
			for _, p := range parts[1:] {
				kv := strings.SplitN(p, "=", 2)
				if len(kv) != 2 {
					continue
				}
				switch strings.ToLower(kv[0]) {
				case "password":
					redisOpts.Password = kv[1]
				case "ssl":
					if strings.ToLower(kv[1]) == "true" {
						redisOpts.TLSConfig = &tls.Config{}
					}
				}
			}
		}
		redisClient = redis.NewClient(redisOpts)
	}

	store := storage.NewMemoryStore()
	cache := storage.NewProgressCache(store, redisClient, envDur("PROGRESS_CACHE_TTL", 30*time.Second))

	dispatcher := cascade.NewDispatcher(&logPublisher{logger: logger}, cascade.DispatcherConfig{
		Workers:        envInt("SINK_WORKERS", 4),
		Buffer:         envInt("SINK_BUFFER", 1024),
		DeliverTimeout: envDur("SINK_DELIVER_TIMEOUT", 30*time.Second),
		RetryInitial:   envDur("SINK_RETRY_INITIAL", 250*time.Millisecond),
		RetryMax:       envDur("SINK_RETRY_MAX", 30*time.Second),
		MaxAttempts:    envInt("SINK_MAX_ATTEMPTS", 5),
	}, logger)
	defer dispatcher.Close()

	engine := cascade.New(store, store, dispatcher, logger)

	cfg := api.Config{}
	if v, err := strconv.ParseBool(os.Getenv("ENFORCE_BLOCKING")); err == nil {
		cfg.EnforceBlocking = v
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, store, engine, cache, cfg, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

// logPublisher is the default event transport: completion and reopen
// events land in the structured log. Real deployments swap in their
// notification or audit transport via cascade.Publisher.
type logPublisher struct {
	logger *log.Logger
}

func (p *logPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.logger.WithFields(log.Fields{
		"id":     ev.ID,
		"entity": ev.EntityID,
		"type":   ev.Type,
		"time":   ev.Time,
	}).Info("cascade event")
	return nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
