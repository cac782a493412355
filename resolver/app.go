package resolver

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
	_ "github.com/lib/pq"

	"github.com/pocketpay/spendflow/internal/mccfetch"
	"github.com/pocketpay/spendflow/internal/middleware"
	"github.com/pocketpay/spendflow/internal/rates"
	resolver8583 "github.com/pocketpay/spendflow/resolver/iso8583"
)

// App is the main application; it wires the resolver's collaborators and is
// responsible for starting and stopping them.
type App struct {
	srv               *http.Server
	wg                *sync.WaitGroup
	Addr              string
	ISO8583ServerAddr string
	logger            *slog.Logger
	iso8583Server     io.Closer
	notifier          Notifier
	config            *Config
}

func NewApp(logger *slog.Logger, config *Config) *App {
	logger = logger.With(slog.String("app", "spendflow"))

	if config == nil {
		config = DefaultConfig()
	}

	return &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
	}
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	router := chi.NewRouter()
	router.Use(middleware.NewStructuredLogger(a.logger))

	// Choose repository backend: pg for runtime; mem only when explicitly
	// enabled for tests.
	var repository *Repository
	backend := getenv("REPO_BACKEND", "pg")
	allowMem := getenv("ALLOW_MEM_BACKEND_FOR_TESTS", "false") == "true"
	switch backend {
	case "pg":
		dsn := getenv("DB_DSN", "")
		if dsn == "" {
			return fmt.Errorf("DB_DSN is required for pg backend")
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(10)
		if err := db.Ping(); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		repository = NewPGRepository(db)
	case "mem":
		if !allowMem {
			return fmt.Errorf("mem repository is disabled at runtime; set ALLOW_MEM_BACKEND_FOR_TESTS=true only in tests")
		}
		repository = NewRepository()
	default:
		return fmt.Errorf("unsupported REPO_BACKEND=%s", backend)
	}

	var cache *redis.Client
	if a.config.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: a.config.RedisAddr})
	}
	fetcher := mccfetch.New(a.config.WhitelistTimeout, cache, a.config.WhitelistCacheTTL)

	var notifier Notifier = NopNotifier{}
	if a.config.NATSURL != "" {
		n, err := NewNATSNotifier(a.config.NATSURL, a.logger)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		notifier = n
	}
	a.notifier = notifier

	platform, err := a.config.Platform()
	if err != nil {
		return fmt.Errorf("building platform config: %w", err)
	}
	table, err := a.config.RateTable()
	if err != nil {
		return fmt.Errorf("building rate table: %w", err)
	}

	panKey := []byte(getenv("PAN_HASH_KEY", "dev-secret-pepper"))
	service := NewService(Deps{
		Repo:     repository,
		Fetcher:  fetcher,
		Rates:    rates.NewStatic(table),
		Notifier: notifier,
		Logger:   a.logger,
	}, platform, a.config.LockWait, panKey)

	iso8583Server := resolver8583.NewServer(a.logger, a.config.ISO8583Addr, service)
	if err := iso8583Server.Start(); err != nil {
		return fmt.Errorf("starting iso8583 server: %w", err)
	}
	a.ISO8583ServerAddr = iso8583Server.Addr
	a.iso8583Server = iso8583Server

	api := NewAPI(service, repository)
	api.AppendRoutes(router)

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := repository.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler: router,
	}

	a.wg.Add(1)
	go func() {
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}

		a.wg.Done()
	}()

	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	a.srv.Shutdown(context.Background())

	if err := a.iso8583Server.Close(); err != nil {
		a.logger.Error("closing iso8583 server", "err", err)
	}

	if n, ok := a.notifier.(*NATSNotifier); ok {
		n.Close()
	}

	a.wg.Wait()

	a.logger.Info("app stopped")
}
