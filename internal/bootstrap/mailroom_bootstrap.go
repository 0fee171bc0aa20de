// Package bootstrap wires the service together and supervises the triage
// loop.
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	inhttp "mailroom/adapter/in/http"
	"mailroom/adapter/in/realtime"
	"mailroom/adapter/in/worker"
	"mailroom/adapter/out/carddav"
	"mailroom/adapter/out/jmap"
	"mailroom/config"
	"mailroom/core/domain"
	"mailroom/core/service/screener"
	"mailroom/internal/metrics"
	"mailroom/internal/setup"
)

// MaxConsecutiveFailures is how many cycles may fail back to back before
// the process gives up and exits for an external supervisor to restart.
const MaxConsecutiveFailures = 10

// Service is the fully wired triage process.
type Service struct {
	cfg      *config.Config
	log      zerolog.Logger
	health   *domain.HealthState
	registry *prometheus.Registry

	mail     *jmap.Client
	contacts *carddav.Client
	workflow *screener.Service
	listener *realtime.Listener
	app      *fiber.App
}

// New runs the startup sequence: connect both stores, resolve mailboxes,
// validate groups, and build the workflow. Any failure is fatal.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Service, error) {
	health := domain.NewHealthState()
	registry := prometheus.NewRegistry()
	collector := metrics.NewPrometheusCollector(registry)

	mail := jmap.NewClient(cfg.JMAPHostname, cfg.Credentials.JMAPToken, log)
	if err := mail.Connect(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: mail session: %w", err)
	}

	contacts := carddav.NewClient(cfg.CardDAVHostname, cfg.Credentials.CardDAVUsername, cfg.Credentials.CardDAVPassword, log)
	if err := contacts.Connect(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: contact store: %w", err)
	}

	mailboxIDs, err := mail.ResolveMailboxes(ctx, cfg.RequiredMailboxes())
	if err != nil {
		return nil, fmt.Errorf("bootstrap: resolve mailboxes: %w", err)
	}
	if _, err := contacts.ValidateGroups(ctx, cfg.ContactGroups()); err != nil {
		return nil, fmt.Errorf("bootstrap: validate groups: %w", err)
	}

	workflow := screener.NewService(cfg, mail, contacts, mailboxIDs, collector, log)

	var listener *realtime.Listener
	if url := mail.EventSourceURL(); url != "" {
		listener = realtime.NewListener(url, cfg.Credentials.JMAPToken, health, collector, log)
	} else {
		log.Warn().Msg("server offers no event stream, running on polling fallback only")
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})
	pollInterval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	inhttp.NewHealthHandler(health, pollInterval, registry).Register(app)

	return &Service{
		cfg:      cfg,
		log:      log.With().Str("component", "supervisor").Logger(),
		health:   health,
		registry: registry,
		mail:     mail,
		contacts: contacts,
		workflow: workflow,
		listener: listener,
		app:      app,
	}, nil
}

// Run drives the triage loop until ctx is canceled. It returns an error
// when the health port cannot be bound or too many consecutive cycles
// fail.
func (s *Service) Run(ctx context.Context) error {
	// Bind before entering the loop so a taken port fails startup instead
	// of leaving the process running without a health endpoint.
	addr := fmt.Sprintf(":%d", s.cfg.HealthPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bootstrap: bind health server on %s: %w", addr, err)
	}
	go func() {
		if err := s.app.Listener(ln); err != nil {
			s.log.Error().Err(err).Str("addr", addr).Msg("health server stopped")
		}
	}()
	defer func() {
		if err := s.app.Shutdown(); err != nil {
			s.log.Warn().Err(err).Msg("health server shutdown")
		}
	}()

	var tokens <-chan string
	if s.listener != nil {
		go s.listener.Run(ctx)
		tokens = s.listener.Tokens()
	}

	pollInterval := time.Duration(s.cfg.PollIntervalSeconds) * time.Second
	debounce := time.Duration(s.cfg.DebounceSeconds) * time.Second
	dispatcher := worker.NewDispatcher(tokens, pollInterval, debounce, s.log)

	s.log.Info().
		Dur("poll_interval", pollInterval).
		Dur("debounce", debounce).
		Int("categories", len(s.cfg.Categories)).
		Msg("mailroom running")

	return supervise(ctx, dispatcher, s.workflow, s.health, s.log)
}

// cycleRunner is the slice of the screener workflow the supervisor drives.
type cycleRunner interface {
	Poll(ctx context.Context, trigger string) (int, error)
}

// supervise runs triage cycles until the dispatcher reports shutdown. A
// signal stops the loop but lets the cycle in flight finish, so the
// workflow runs on an uncancelable child context.
func supervise(ctx context.Context, dispatcher *worker.Dispatcher, workflow cycleRunner, health *domain.HealthState, log zerolog.Logger) error {
	cycleCtx := context.WithoutCancel(ctx)

	failures := 0
	for {
		trigger, ok := dispatcher.Wait(ctx)
		if !ok {
			log.Info().Msg("shutting down")
			return nil
		}

		if _, err := workflow.Poll(cycleCtx, string(trigger)); err != nil {
			failures++
			log.Error().Err(err).Int("consecutive_failures", failures).Msg("triage cycle failed")
			if failures >= MaxConsecutiveFailures {
				return fmt.Errorf("bootstrap: %d consecutive cycles failed, giving up: %w", failures, err)
			}
			continue
		}
		failures = 0
		health.RecordPollSuccess(time.Now())
	}
}

// NewProvisioner connects both stores and returns the setup provisioner.
// Mailboxes and groups are not required to exist yet.
func NewProvisioner(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*setup.Provisioner, error) {
	mail := jmap.NewClient(cfg.JMAPHostname, cfg.Credentials.JMAPToken, log)
	if err := mail.Connect(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: mail session: %w", err)
	}
	contacts := carddav.NewClient(cfg.CardDAVHostname, cfg.Credentials.CardDAVUsername, cfg.Credentials.CardDAVPassword, log)
	if err := contacts.Connect(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: contact store: %w", err)
	}
	return setup.NewProvisioner(cfg, mail, contacts, log), nil
}
