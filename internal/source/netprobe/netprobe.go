// Package netprobe measures connectivity with speedtest-go and publishes
// the result as an ambient observation: download, upload, ping, and a
// bounded packet-loss sample.
package netprobe

import (
	"context"
	"sync/atomic"
	"time"

	"daybrief/internal/config"
	"daybrief/internal/source"
	"daybrief/pkg/logx"
)

// ID is the source ID this adapter registers under.
const ID = "netprobe"

// Adapter implements source.Adapter.
type Adapter struct {
	cfg config.NetprobeSource
	log logx.Logger

	probe func(ctx context.Context, cfg probeConfig) (probeResult, error)
	check func(ctx context.Context) error

	connected atomic.Bool
}

func New(cfg config.NetprobeSource, log logx.Logger) *Adapter {
	return &Adapter{
		cfg:   cfg,
		log:   log.With(logx.String("source", ID)),
		probe: runProbe,
		check: probeHealth,
	}
}

// Connect needs no credentials; the adapter just marks itself live.
func (a *Adapter) Connect(ctx context.Context) error {
	a.connected.Store(true)
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	if !a.connected.Load() {
		return source.NewError(ID, source.KindUnknown, source.ErrNotConnected)
	}
	if err := a.check(ctx); err != nil {
		return source.Classify(ID, err)
	}
	return nil
}

// Fetch runs one full probe. The range only gates validity; a probe always
// measures "now".
func (a *Adapter) Fetch(ctx context.Context, tr source.TimeRange) (source.Record, error) {
	if !tr.Valid() {
		return source.Record{}, source.Errorf(ID, source.KindMalformed, "invalid range %s..%s", tr.Start, tr.End)
	}
	if !a.connected.Load() {
		return source.Record{}, source.NewError(ID, source.KindUnknown, source.ErrNotConnected)
	}

	started := time.Now()
	res, err := a.probe(ctx, probeConfig{
		SavingMode:     a.savingMode(),
		MaxConnections: a.cfg.MaxConnections,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return source.Record{}, source.Classify(ID, ctxErr)
		}
		return source.Record{}, source.NewError(ID, source.KindNetwork, err)
	}
	a.log.Debug("probe finished",
		logx.Duration("took", time.Since(started)),
		logx.Float64("download_mbps", res.DownloadMbps),
		logx.Float64("upload_mbps", res.UploadMbps),
		logx.Float64("ping_ms", res.PingMs))

	obs := &source.Observation{
		DownloadMbps: source.Ptr(res.DownloadMbps),
		UploadMbps:   source.Ptr(res.UploadMbps),
		PingMs:       source.Ptr(res.PingMs),
	}
	if res.LossSampled {
		obs.PacketLossPct = source.Ptr(res.PacketLossPct)
	}
	return source.Record{Source: ID, FetchedAt: time.Now().UTC(), Ambient: obs}, nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.connected.Store(false)
	return nil
}

// savingMode defaults to true: this daemon shares its host with everything
// else the user runs.
func (a *Adapter) savingMode() bool {
	if a.cfg.SavingMode == nil {
		return true
	}
	return *a.cfg.SavingMode
}
