package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slyhq/sly/internal/config"
	"github.com/slyhq/sly/internal/db"
	"github.com/slyhq/sly/internal/eventbus"
	"github.com/slyhq/sly/internal/health"
	"github.com/slyhq/sly/internal/metrics"
	"github.com/slyhq/sly/internal/registry"
	"github.com/slyhq/sly/internal/task"
	"github.com/slyhq/sly/internal/tracing"
	"github.com/slyhq/sly/internal/webhook"
	"github.com/slyhq/sly/internal/worker"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitTracing(ctx, "worker")
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

	opts := []webhook.Option{
		webhook.WithMaxAttempts(cfg.Webhook.MaxAttempts),
		webhook.WithRetryDelays(cfg.Webhook.RetryDelays),
		webhook.WithHTTPClient(&http.Client{Timeout: cfg.Webhook.Timeout}),
		webhook.WithUserAgent(cfg.Webhook.UserAgent),
	}
	if cfg.NSQ.PublishDLQ {
		pub, err := webhook.NewDeadLetterPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DLQTopic)
		if err != nil {
			log.Fatalf("dlq publisher: %v", err)
		}
		defer pub.Stop()
		opts = append(opts, webhook.WithDeadLetterPublisher(pub))
	}
	webhooks := webhook.NewDispatcher(tasks, opts...)

	// Terminal transitions land on this process's bus, so completion
	// callbacks are delivered from here.
	notifier := webhook.NewCompletionNotifier(tasks, webhooks)
	notifierSub := notifier.Subscribe(bus)
	defer notifierSub.Unsubscribe()

	w := worker.New(os.Getenv("WORKER_ID"), tasks, reg, webhooks, &echoProcessor{tasks: tasks}, cfg.Worker)

	// Health and metrics sidecar so the scheduler can probe the worker.
	promReg := prometheus.NewRegistry()
	metrics.MustRegister(promReg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		log.Printf("worker %s HTTP listening on %s", w.ID(), cfg.Worker.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP serve: %v", err)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	log.Println("signal received, draining worker")
	cancel()
	if err := <-done; err != nil {
		log.Printf("worker stopped with error: %v", err)
	}
	_ = httpSrv.Shutdown(context.Background())
	notifier.Drain()
	log.Println("worker stopped")
}

// echoProcessor is the built-in managed processor: it answers with the
// task's latest user text and completes the task. Real deployments
// swap in a domain processor via worker.New.
type echoProcessor struct {
	tasks *task.Service
}

func (p *echoProcessor) ProcessTask(ctx context.Context, taskID string) error {
	t, err := p.tasks.Get(ctx, taskID, 0)
	if err != nil {
		return err
	}

	reply := "task received"
	for i := len(t.History) - 1; i >= 0; i-- {
		if t.History[i].Role != task.RoleUser {
			continue
		}
		if text := messageText(t.History[i]); text != "" {
			reply = text
			break
		}
	}

	if _, err := p.tasks.AppendMessage(ctx, taskID, task.RoleAgent, []task.Part{task.TextPart(reply)}, nil); err != nil {
		return fmt.Errorf("append reply: %w", err)
	}
	if _, err := p.tasks.UpdateState(ctx, taskID, task.StateUpdate{
		State:         task.StateCompleted,
		StatusMessage: "processed by managed worker",
	}); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

func messageText(m task.Message) string {
	var parts []string
	for _, p := range m.Parts {
		if p.Kind == task.PartKindText && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}
