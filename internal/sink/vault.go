package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"daybrief/internal/config"
	"daybrief/pkg/logx"
)

// Vault appends artifacts as sections to the daily note of an Obsidian-style
// vault. Notes are plain Markdown files named YYYY-MM-DD.md; existing content
// is never rewritten, only appended to.
type Vault struct {
	cfg config.VaultSink
	loc *time.Location
	log logx.Logger
}

func NewVault(cfg config.VaultSink, loc *time.Location, log logx.Logger) (*Vault, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("vault sink dir is empty")
	}
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Vault{
		cfg: cfg,
		loc: loc,
		log: log.With(logx.String("component", "sink.vault")),
	}, nil
}

func (v *Vault) Name() string { return "vault" }

func (v *Vault) noteDir() string {
	if v.cfg.DailyNoteDir == "" {
		return v.cfg.Dir
	}
	return filepath.Join(v.cfg.Dir, v.cfg.DailyNoteDir)
}

func (v *Vault) Deliver(_ context.Context, a Artifact) error {
	date := a.Meta["date"]
	if date == "" {
		date = time.Now().In(v.loc).Format("2006-01-02")
	}
	title := a.Title
	if title == "" {
		title = a.Kind
	}

	dir := v.noteDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("vault note dir: %w", err)
	}
	path := filepath.Join(dir, date+".md")

	fresh := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fresh = true
	} else if err != nil {
		return fmt.Errorf("vault note: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("vault note: %w", err)
	}

	var sb strings.Builder
	if fresh {
		sb.WriteString("# " + date + "\n")
	}
	sb.WriteString("\n## " + title + "\n\n")
	sb.WriteString(strings.TrimRight(a.Body, "\n") + "\n")

	if _, err := f.WriteString(sb.String()); err != nil {
		f.Close()
		return fmt.Errorf("vault note write: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("vault note close: %w", err)
	}

	v.log.Debug("note appended",
		logx.String("path", path),
		logx.String("section", title))
	return nil
}
