// Package synthetic probes the running service from the outside the way a
// user would: logging in, opening a relay connection and calling the API.
package synthetic

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/designconnect/internal/config"
	"github.com/Tyrowin/designconnect/internal/metrics"
	"github.com/Tyrowin/designconnect/internal/notify"
)

// Check names.
const (
	CheckLogin = "LOGIN"
	CheckChat  = "CHAT"
	CheckAPI   = "API"
)

const checkTimeout = 10 * time.Second

type check struct {
	name string
	run  func(ctx context.Context) error
}

// Prober runs the checks on a schedule and records their results.
type Prober struct {
	cfg     config.SyntheticConfig
	http    *resty.Client
	dialer  *websocket.Dialer
	checks  []check
	store   Store
	alerter notify.Alerter
	now     func() time.Time
	logger  zerolog.Logger
}

// NewProber creates a Prober against cfg.BaseURL. alerter may be nil.
func NewProber(cfg config.SyntheticConfig, store Store, alerter notify.Alerter, logger zerolog.Logger) *Prober {
	p := &Prober{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetTimeout(checkTimeout),
		dialer:  &websocket.Dialer{HandshakeTimeout: checkTimeout},
		store:   store,
		alerter: alerter,
		now:     time.Now,
		logger:  logger.With().Str("component", "synthetic").Logger(),
	}
	p.checks = []check{
		{name: CheckLogin, run: p.checkLogin},
		{name: CheckChat, run: p.checkChat},
		{name: CheckAPI, run: p.checkAPI},
	}
	return p
}

func (p *Prober) checkLogin(ctx context.Context) error {
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": p.cfg.Email, "password": p.cfg.Password}).
		Post("/api/auth/login")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("login returned %s", resp.Status())
	}
	return nil
}

// checkChat completes a relay handshake and closes it again.
func (p *Prober) checkChat(ctx context.Context) error {
	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(p.cfg.BaseURL, "/"), "http") + "/ws"
	conn, resp, err := p.dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

func (p *Prober) checkAPI(ctx context.Context) error {
	resp, err := p.http.R().SetContext(ctx).Get("/api/health")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("health returned %s", resp.Status())
	}
	return nil
}

// RunOnce runs every check concurrently, stores and exports the results and
// raises an alert for each failure. Results keep the check order.
func (p *Prober) RunOnce(ctx context.Context) []Result {
	results := make([]Result, len(p.checks))

	var g errgroup.Group
	for i, c := range p.checks {
		i, c := i, c
		g.Go(func() error {
			results[i] = p.run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	if err := p.store.Add(ctx, results...); err != nil {
		p.logger.Error().Err(err).Msg("failed to store synthetic results")
	}

	for _, r := range results {
		metrics.SyntheticStatus.WithLabelValues(r.Check).Set(float64(r.Status))
		metrics.SyntheticLatency.WithLabelValues(r.Check).Set(float64(r.LatencyMs))

		if r.Status == 1 {
			continue
		}
		p.logger.Warn().Str("check", r.Check).Str("error", r.Error).Int64("latency_ms", r.LatencyMs).Msg("synthetic check failed")
		if p.alerter != nil {
			p.alerter.NotifyAlert(ctx,
				fmt.Sprintf("Synthetic check %s failed", r.Check),
				fmt.Sprintf("%s (latency %dms)", r.Error, r.LatencyMs),
				notify.SeverityCritical)
		}
	}
	return results
}

func (p *Prober) run(ctx context.Context, c check) Result {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := p.now()
	err := c.run(ctx)
	r := Result{
		Check:     c.name,
		Status:    1,
		LatencyMs: p.now().Sub(start).Milliseconds(),
		Timestamp: p.now().UTC(),
	}
	if err != nil {
		r.Status = 0
		r.Error = err.Error()
	}
	return r
}

// Start runs the checks every cfg.Interval until ctx is done.
func (p *Prober) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", p.cfg.Interval).Str("base_url", p.cfg.BaseURL).Msg("synthetic prober started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("synthetic prober stopped")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// Metrics renders the most recent results in Prometheus text form, newest first.
func (p *Prober) Metrics(ctx context.Context) (string, error) {
	results, err := p.store.Recent(ctx, HistorySize)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "synthetic_status{check=%q} %d\n", r.Check, r.Status)
		fmt.Fprintf(&b, "synthetic_latency_ms{check=%q} %d\n", r.Check, r.LatencyMs)
	}
	return b.String(), nil
}
