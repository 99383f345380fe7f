// Package vault reads checkbox tasks out of a local markdown vault. Each
// day's note lives at <dir>/<YYYY-MM-DD>.md; lines shaped like "- [ ] text"
// or "- [x] text" become tasks. No network is involved.
package vault

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"daybrief/internal/config"
	"daybrief/internal/source"
	"daybrief/pkg/logx"
)

// ID is the source ID this adapter registers under.
const ID = "vault"

// maxRangeDays bounds how many daily notes one fetch will open.
const maxRangeDays = 62

var reCheckbox = regexp.MustCompile(`^\s*[-*] \[([ xX])\] (.+)$`)

// Adapter implements source.Adapter.
type Adapter struct {
	cfg config.VaultSource
	log logx.Logger

	connected atomic.Bool
}

func New(cfg config.VaultSource, log logx.Logger) *Adapter {
	return &Adapter{
		cfg: cfg,
		log: log.With(logx.String("source", ID)),
	}
}

// Connect verifies the vault directory exists.
func (a *Adapter) Connect(ctx context.Context) error {
	dir := a.noteDir()
	fi, err := os.Stat(dir)
	if err != nil {
		return source.Errorf(ID, source.KindMalformed, "vault dir: %v", err)
	}
	if !fi.IsDir() {
		return source.Errorf(ID, source.KindMalformed, "vault dir %s is not a directory", dir)
	}
	a.connected.Store(true)
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	if !a.connected.Load() {
		return source.NewError(ID, source.KindUnknown, source.ErrNotConnected)
	}
	if _, err := os.Stat(a.noteDir()); err != nil {
		return source.Errorf(ID, source.KindMalformed, "vault dir: %v", err)
	}
	return nil
}

// Fetch scans the daily note of every day tr touches. A missing note is a
// day without tasks, not an error.
func (a *Adapter) Fetch(ctx context.Context, tr source.TimeRange) (source.Record, error) {
	if !tr.Valid() {
		return source.Record{}, source.Errorf(ID, source.KindMalformed, "invalid range %s..%s", tr.Start, tr.End)
	}
	if !a.connected.Load() {
		return source.Record{}, source.NewError(ID, source.KindUnknown, source.ErrNotConnected)
	}

	var tasks []source.Task
	days := 0
	for day := dateFloor(tr.Start); day.Before(tr.End); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return source.Record{}, source.Classify(ID, err)
		}
		if days++; days > maxRangeDays {
			return source.Record{}, source.Errorf(ID, source.KindMalformed, "range spans more than %d days", maxRangeDays)
		}
		name := day.Format("2006-01-02") + ".md"
		scanned, err := scanNote(filepath.Join(a.noteDir(), name), name)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return source.Record{}, source.Errorf(ID, source.KindMalformed, "note %s: %v", name, err)
		}
		tasks = append(tasks, scanned...)
	}
	return source.Record{Source: ID, FetchedAt: time.Now().UTC(), Tasks: tasks}, nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.connected.Store(false)
	return nil
}

func (a *Adapter) noteDir() string {
	if a.cfg.DailyNoteDir == "" {
		return a.cfg.Dir
	}
	return filepath.Join(a.cfg.Dir, a.cfg.DailyNoteDir)
}

func scanNote(path, name string) ([]source.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tasks []source.Task
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		m := reCheckbox.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		text := strings.TrimSpace(m[2])
		if text == "" {
			continue
		}
		tasks = append(tasks, source.Task{
			Text: text,
			Done: m[1] != " ",
			Note: name,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", lineNo, err)
	}
	return tasks, nil
}

func dateFloor(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
