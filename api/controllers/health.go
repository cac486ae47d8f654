package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/jmcastellano/outpost-backend/api/responses"
	"github.com/jmcastellano/outpost-backend/pkg/config"
	pkgerrors "github.com/jmcastellano/outpost-backend/pkg/errors"
	"github.com/jmcastellano/outpost-backend/pkg/logger"
)

const readinessTimeout = 5 * time.Second

// Pinger is any dependency that can report its own connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessDeps are the backing services the API needs before accepting
// traffic. Nil entries are skipped.
type ReadinessDeps struct {
	DB     Pinger
	Redis  Pinger
	PubSub Pinger
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Outpost-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

func HealthReady(cfg *config.Config, logg *logger.Logger, deps ReadinessDeps) http.HandlerFunc {
	checks := []struct {
		name   string
		pinger Pinger
	}{
		{"database", deps.DB},
		{"redis", deps.Redis},
		{"pubsub", deps.PubSub},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Outpost-Env", cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		failures := map[string]string{}
		for _, check := range checks {
			if check.pinger == nil {
				continue
			}
			if err := check.pinger.Ping(ctx); err != nil {
				failures[check.name] = err.Error()
			}
		}

		if len(failures) > 0 {
			err := pkgerrors.New(pkgerrors.CodeDependency, "dependencies unavailable").
				WithDetails(failures)
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
