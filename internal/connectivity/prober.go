package connectivity

import (
	"context"
	"net/http"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

// Reporter receives probe results.
type Reporter interface {
	Report(online bool)
}

// Prober periodically checks whether the remote API answers HTTP at all.
// Any HTTP response counts as reachable; only transport failures mean offline.
type Prober struct {
	client   *http.Client
	url      string
	interval time.Duration
	reporter Reporter
	logger   *zerolog.Logger
}

func NewProber(cfg config.ConnectivityConfig, reporter Reporter, logger *zerolog.Logger) *Prober {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	interval := time.Duration(cfg.ProbeIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Duration(models.DefaultProbeInterval) * time.Second
	}
	timeout := time.Duration(cfg.ProbeTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(models.DefaultProbeTimeout) * time.Second
	}

	return &Prober{
		client:   &http.Client{Timeout: timeout},
		url:      cfg.ProbeURL,
		interval: interval,
		reporter: reporter,
		logger:   logger,
	}
}

// Start probes immediately and then on every interval until ctx is done.
// Without a probe URL the monitor keeps its initial state.
func (p *Prober) Start(ctx context.Context) {
	if p.url == "" {
		p.logger.Info().Msg("Connectivity probe disabled, keeping initial state")
		return
	}

	p.logger.Info().Str("url", p.url).Dur("interval", p.interval).Msg("Connectivity prober started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.reporter.Report(p.Probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reporter.Report(p.Probe(ctx))
		}
	}
}

// Probe performs one HEAD request, retrying as GET when HEAD is not allowed.
func (p *Prober) Probe(ctx context.Context) bool {
	status, err := p.do(ctx, http.MethodHead)
	if err == nil && status == http.StatusMethodNotAllowed {
		status, err = p.do(ctx, http.MethodGet)
	}
	if err != nil {
		p.logger.Debug().Err(err).Msg("Connectivity probe failed")
		return false
	}
	p.logger.Debug().Int("status", status).Msg("Connectivity probe succeeded")
	return true
}

func (p *Prober) do(ctx context.Context, method string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.url, http.NoBody)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
