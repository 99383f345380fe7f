package netprobe

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

type probeConfig struct {
	SavingMode     bool
	MaxConnections int

	// Candidates caps how many nearest servers get a latency test.
	Candidates int
	// FullTests caps how many of the lowest-latency servers run the full
	// download/upload pass. Full tests run sequentially to bound memory.
	FullTests int

	PingConcurrency  int
	PacketLossWindow time.Duration
}

func (c probeConfig) withDefaults() probeConfig {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	if c.Candidates <= 0 {
		c.Candidates = 5
	}
	if c.FullTests <= 0 {
		c.FullTests = 1
	}
	if c.FullTests > c.Candidates {
		c.FullTests = c.Candidates
	}
	if c.PingConcurrency <= 0 {
		c.PingConcurrency = 4
	}
	if c.PacketLossWindow <= 0 {
		c.PacketLossWindow = 3 * time.Second
	}
	return c
}

type probeResult struct {
	DownloadMbps  float64
	UploadMbps    float64
	PingMs        float64
	PacketLossPct float64
	// LossSampled is false when the loss probe could not run; zero loss
	// and "no sample" must stay distinguishable.
	LossSampled bool
}

// runProbe executes one staged measurement: server list, distance filter,
// concurrent latency tests, then a sequential full test on the best
// server(s) and a bounded packet-loss sample against the winner.
//
// A fresh client per run keeps speedtest-go's internal state from
// accumulating across runs; Snapshots().Clean() and Reset() drop the
// per-test buffers before the client is released.
func runProbe(ctx context.Context, cfg probeConfig) (probeResult, error) {
	if err := ctx.Err(); err != nil {
		return probeResult{}, err
	}
	cfg = cfg.withDefaults()

	stc := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     cfg.SavingMode,
		MaxConnections: cfg.MaxConnections,
	}))
	stc.SetNThread(cfg.MaxConnections)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return probeResult{}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return probeResult{}, fmt.Errorf("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	if len(servers) > cfg.Candidates {
		servers = servers[:cfg.Candidates]
	}

	pinged := pingCandidates(ctx, servers, cfg.PingConcurrency)
	if len(pinged) == 0 {
		if err := ctx.Err(); err != nil {
			return probeResult{}, err
		}
		return probeResult{}, fmt.Errorf("latency test failed for all %d candidates", len(servers))
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })
	if len(pinged) > cfg.FullTests {
		pinged = pinged[:cfg.FullTests]
	}

	var (
		sumDown, sumUp float64
		sumPing        time.Duration
		tested         int
		best           *st.Server
	)
	for _, s := range pinged {
		if err := ctx.Err(); err != nil {
			return probeResult{}, err
		}
		if err := s.DownloadTestContext(ctx); err != nil {
			continue
		}
		if err := s.UploadTestContext(ctx); err != nil {
			continue
		}
		sumDown += s.DLSpeed.Mbps()
		sumUp += s.ULSpeed.Mbps()
		sumPing += s.Latency
		tested++
		if best == nil {
			best = s
		}

		// Drop per-test buffers before the next server.
		stc.Snapshots().Clean()
		stc.Reset()
	}
	if tested == 0 {
		if err := ctx.Err(); err != nil {
			return probeResult{}, err
		}
		return probeResult{}, fmt.Errorf("full test failed for all servers")
	}

	out := probeResult{
		DownloadMbps: sumDown / float64(tested),
		UploadMbps:   sumUp / float64(tested),
		PingMs:       float64(sumPing.Milliseconds()) / float64(tested),
	}

	if host := best.Host; host != "" {
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		lossCtx, cancel := context.WithTimeout(ctx, cfg.PacketLossWindow)
		if pct, ok := samplePacketLoss(lossCtx, host); ok {
			out.PacketLossPct = pct
			out.LossSampled = true
		}
		cancel()
	}
	return out, nil
}

// pingCandidates latency-tests the candidates with bounded concurrency and
// returns those that answered.
func pingCandidates(ctx context.Context, servers st.Servers, maxConcurrent int) []*st.Server {
	sem := make(chan struct{}, maxConcurrent)
	out := make(chan *st.Server, len(servers))
	var wg sync.WaitGroup
	for _, s := range servers {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()
			if err := s.PingTestContext(ctx, nil); err != nil {
				return
			}
			if s.Latency <= 0 {
				return
			}
			out <- s
		}()
	}
	wg.Wait()
	close(out)

	pinged := make([]*st.Server, 0, len(servers))
	for s := range out {
		pinged = append(pinged, s)
	}
	return pinged
}

func samplePacketLoss(ctx context.Context, host string) (float64, bool) {
	pla := st.NewPacketLossAnalyzer(nil)
	pl, err := pla.RunMultiWithContext(ctx, []string{host})
	if err != nil || pl == nil {
		return 0, false
	}
	return pl.LossPercent(), true
}

// probeHealth confirms speedtest.net is reachable without moving payload.
func probeHealth(ctx context.Context) error {
	stc := st.New()
	if _, err := stc.FetchUserInfoContext(ctx); err != nil {
		return fmt.Errorf("fetch user info: %w", err)
	}
	return nil
}
