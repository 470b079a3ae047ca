package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slyhq/sly/internal/auth"
	"github.com/slyhq/sly/internal/config"
	"github.com/slyhq/sly/internal/db"
	"github.com/slyhq/sly/internal/eventbus"
	"github.com/slyhq/sly/internal/gateway"
	"github.com/slyhq/sly/internal/health"
	"github.com/slyhq/sly/internal/metrics"
	"github.com/slyhq/sly/internal/payments"
	"github.com/slyhq/sly/internal/registry"
	"github.com/slyhq/sly/internal/rpc"
	"github.com/slyhq/sly/internal/task"
	"github.com/slyhq/sly/internal/tracing"
	"github.com/slyhq/sly/internal/webhook"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	shutdownTracing, err := tracing.InitTracing(ctx, "slyd")
	if err != nil {
		log.Printf("tracing init: %v (continuing without traces)", err)
	} else {
		defer shutdownTracing()
	}

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	store := task.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("task schema: %v", err)
	}
	reg := registry.NewPostgresRegistry(pool)
	if err := reg.EnsureSchema(ctx); err != nil {
		log.Fatalf("registry schema: %v", err)
	}

	bus := eventbus.New(task.TerminalEventFilter)
	tasks := task.NewService(store, bus)
	gate := payments.NewGate(tasks, reg, reg)

	// Mirror terminal events onto NSQ for external audit consumers.
	if cfg.NSQ.EventsTopic != "" {
		prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			log.Fatalf("nsq producer: %v", err)
		}
		defer prod.Stop()

		sub := bus.SubscribeTerminal(func(ev eventbus.Event) {
			body, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if err := prod.Publish(cfg.NSQ.EventsTopic, body); err != nil {
				log.Printf("events publish: %v", err)
			}
		})
		defer sub.Unsubscribe()
	}

	webhooks := webhook.NewDispatcher(tasks,
		webhook.WithMaxAttempts(cfg.Webhook.MaxAttempts),
		webhook.WithRetryDelays(cfg.Webhook.RetryDelays),
		webhook.WithHTTPClient(&http.Client{Timeout: cfg.Webhook.Timeout}),
		webhook.WithUserAgent(cfg.Webhook.UserAgent),
	)

	// Tasks created with a callbackUrl get their terminal snapshot
	// POSTed back to the caller.
	notifier := webhook.NewCompletionNotifier(tasks, webhooks)
	notifierSub := notifier.Subscribe(bus)
	defer notifierSub.Unsubscribe()

	dispatcher := rpc.NewDispatcher(tasks, gate, reg, webhooks)
	var rpcHandler http.Handler = rpc.NewHandler(dispatcher)

	if !cfg.Auth.Disabled {
		validator, err := buildValidator(cfg.Auth)
		if err != nil {
			log.Fatalf("auth setup: %v", err)
		}
		rpcHandler = validator.HTTPMiddleware(rpcHandler)
	} else {
		log.Println("WARNING: auth disabled, /rpc is unauthenticated")
	}

	// Gateway discovery is cross-tenant by design and stays open.
	gw := gateway.New(reg)
	gwHandler := rpc.NewHandlerFunc(func(r *http.Request, req *rpc.Request) *rpc.Response {
		return gw.Handle(r.Context(), req)
	})

	promReg := prometheus.NewRegistry()
	metrics.MustRegister(promReg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.Handle("/rpc", rpcHandler)
	mux.Handle("/gateway", gwHandler)

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}
	go func() {
		log.Printf("slyd listening on %s", cfg.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	_ = httpSrv.Shutdown(context.Background())
	notifier.Drain()
	log.Println("slyd stopped")
}

// buildValidator prefers an inline PEM key and falls back to fetching
// the key from a JWKS endpoint.
func buildValidator(cfg config.Auth) (*auth.JWTValidator, error) {
	if cfg.PublicKeyPEM != "" {
		return auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
	}
	key, err := auth.FetchJWKS(cfg.JWKSURL)
	if err != nil {
		return nil, err
	}
	return auth.NewJWTValidatorFromKey(key, cfg.Issuer, cfg.Audience), nil
}
