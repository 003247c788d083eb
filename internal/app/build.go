// Package app wires configuration into a runnable interpretation server.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/mruggi/parley/internal/config"
	"github.com/mruggi/parley/internal/httpapi"
	"github.com/mruggi/parley/internal/interp"
	"github.com/mruggi/parley/internal/journal"
	"github.com/mruggi/parley/internal/langs"
	"github.com/mruggi/parley/internal/observability"
	"github.com/mruggi/parley/internal/profile"
	"github.com/mruggi/parley/internal/session"
	"github.com/mruggi/parley/internal/speech"
	"github.com/mruggi/parley/internal/translate"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Hub      *interp.Hub
	Journal  journal.Store
	Metrics  *observability.Metrics

	// Cleanup releases external resources (DB, redis) on shutdown.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	registry, err := resolveRegistry(cfg)
	if err != nil {
		return nil, err
	}

	profiles, err := profile.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("profile store init failed: %w", err)
	}

	jstore, err := journal.NewStore(cfg.RedisURL, cfg.JournalLimit, cfg.JournalTTL)
	if err != nil {
		_ = profiles.Close()
		return nil, fmt.Errorf("journal store init failed: %w", err)
	}

	translator, err := resolveTranslator(cfg)
	if err != nil {
		_ = profiles.Close()
		_ = jstore.Close()
		return nil, err
	}

	recognizer, synth, err := resolveSpeech(cfg)
	if err != nil {
		_ = profiles.Close()
		_ = jstore.Close()
		return nil, err
	}

	sessions := session.NewManager(cfg.SessionTimeout)
	sessions.SetEndedRetention(cfg.SessionRetention)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	hub, err := interp.NewHub(interp.HubParams{
		Sessions:        sessions,
		Profiles:        profiles,
		Journal:         jstore,
		Translator:      translator,
		Recognizer:      recognizer,
		Synth:           synth,
		Registry:        registry,
		Metrics:         metrics,
		DefaultLanguage: cfg.DefaultLanguage,
		BufferConfig: interp.BufferConfig{
			MaxDelay:       cfg.MaxDelay,
			HighConfidence: cfg.HighConfidence,
			Retention:      cfg.SegmentRetention,
		},
		AdapterConfig: interp.AdapterConfig{
			EnableInterim:       cfg.EnableInterim,
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			SilenceGap:          cfg.SilenceGap,
		},
		CallTimeout: cfg.TranslateTimeout,
	})
	if err != nil {
		_ = profiles.Close()
		_ = jstore.Close()
		return nil, fmt.Errorf("hub init failed: %w", err)
	}

	api := httpapi.New(cfg, sessions, hub, jstore, registry, metrics)

	cleanup := func() error {
		var errs []string
		if err := jstore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := profiles.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Hub:      hub,
		Journal:  jstore,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}

func resolveRegistry(cfg config.Config) (*langs.Registry, error) {
	if cfg.LangsFile == "" {
		return langs.Builtin(), nil
	}
	registry, err := langs.Load(cfg.LangsFile)
	if err != nil {
		return nil, fmt.Errorf("language registry init failed: %w", err)
	}
	return registry, nil
}

func resolveTranslator(cfg config.Config) (translate.Service, error) {
	switch cfg.TranslateBackend {
	case "mock":
		return translate.NewMockBackend(), nil
	case "http":
		primary := translate.NewHTTPBackend(cfg.TranslateURL, cfg.TranslateTimeout)
		if cfg.TranslateFallbackURL == "" {
			return primary, nil
		}
		fallback := translate.NewHTTPBackend(cfg.TranslateFallbackURL, cfg.TranslateTimeout)
		return translate.NewFailover(primary, fallback), nil
	default:
		return nil, fmt.Errorf("unknown translate backend %q", cfg.TranslateBackend)
	}
}

func resolveSpeech(cfg config.Config) (interp.Recognizer, interp.Synthesizer, error) {
	switch cfg.SpeechBackend {
	case "mock":
		return interp.NewMockRecognizer(), interp.NewMockSynthesizer(), nil
	case "local":
		recognizer := speech.NewLocalRecognizer(cfg.STTURL, 0, cfg.SilenceGap)
		synth := speech.NewLocalSynthesizer(cfg.TTSURL, 0)
		return recognizer, synth, nil
	default:
		return nil, nil, fmt.Errorf("unknown speech backend %q", cfg.SpeechBackend)
	}
}
