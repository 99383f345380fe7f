package app

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"daybrief/internal/config"
	"daybrief/internal/job/runner"
	"daybrief/internal/pipeline"
	logx "daybrief/pkg/logx"
)

func TestBuildHandler(t *testing.T) {
	t.Parallel()

	deps := pipeline.Deps{Log: logx.Nop()}
	for name := range knownPipelines {
		h, err := buildHandler(name, deps, false)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if h == nil {
			t.Fatalf("%s: nil handler", name)
		}
	}
	if _, err := buildHandler("mystery", deps, false); err == nil {
		t.Fatal("expected error for unknown pipeline")
	}
}

func TestRequireAll(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("boom")
	inner := func(ctx context.Context, rctx runner.RunContext) (runner.Report, error) {
		return runner.Report{Failed: []string{"whoop"}}, sentinel
	}
	rep, err := requireAll(inner)(context.Background(), runner.RunContext{})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if !rep.Required {
		t.Fatal("Required not set")
	}
	if !reflect.DeepEqual(rep.Failed, []string{"whoop"}) {
		t.Fatalf("Failed = %v", rep.Failed)
	}
}

func TestMakeBinding(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	jc := config.JobConfig{
		Name:        "sync",
		Pipeline:    "data_sync",
		Schedule:    "every:15m",
		Channels:    []string{"vault"},
		MaxAttempts: 1,
		Required:    true,
	}
	b, err := makeBinding(cfg, jc, pipeline.Deps{Log: logx.Nop()})
	if err != nil {
		t.Fatalf("makeBinding: %v", err)
	}
	job, opts := b.current()
	if job.ID != "sync" || job.Handler == nil {
		t.Fatalf("job = %+v", job)
	}
	if !reflect.DeepEqual(job.Channels, []string{"vault"}) {
		t.Fatalf("channels = %v", job.Channels)
	}
	if opts.MaxAttempts != 1 {
		t.Fatalf("opts = %+v", opts)
	}

	jc.Pipeline = "mystery"
	if _, err := makeBinding(cfg, jc, pipeline.Deps{Log: logx.Nop()}); err == nil {
		t.Fatal("expected error for unknown pipeline")
	}
}

func TestBuildRegistryGroups(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.Sources.Whoop.Enabled = true
	cfg.Sources.Whoop.AccessToken = "tok"
	cfg.Sources.Garmin.Enabled = true
	cfg.Sources.Garmin.Token = "tok"
	cfg.Sources.GCal.Enabled = true
	cfg.Sources.GCal.Token = "tok"
	cfg.Sources.Vault.Enabled = true
	cfg.Sources.Vault.Dir = t.TempDir()
	cfg.Sources.Netprobe.Enabled = true

	reg, grp := buildRegistry(cfg, nil, logx.Nop())

	wantIDs := []string{"garmin", "gcal", "netprobe", "vault", "whoop"}
	if got := reg.IDs(); !reflect.DeepEqual(got, wantIDs) {
		t.Fatalf("IDs = %v, want %v", got, wantIDs)
	}
	if !reflect.DeepEqual(grp.Health, []string{"whoop", "garmin"}) {
		t.Fatalf("Health = %v", grp.Health)
	}
	if !reflect.DeepEqual(grp.Calendar, []string{"gcal"}) {
		t.Fatalf("Calendar = %v", grp.Calendar)
	}
	if !reflect.DeepEqual(grp.Tasks, []string{"vault"}) {
		t.Fatalf("Tasks = %v", grp.Tasks)
	}
	if !reflect.DeepEqual(grp.Ambient, []string{"netprobe"}) {
		t.Fatalf("Ambient = %v", grp.Ambient)
	}

	all := grp.All()
	if len(all) != 5 {
		t.Fatalf("All = %v", all)
	}
}

func TestBuildRegistryDisabled(t *testing.T) {
	t.Parallel()

	reg, grp := buildRegistry(&Config{}, nil, logx.Nop())
	if got := reg.IDs(); len(got) != 0 {
		t.Fatalf("IDs = %v, want none", got)
	}
	if len(grp.All()) != 0 {
		t.Fatalf("All = %v, want none", grp.All())
	}
}
