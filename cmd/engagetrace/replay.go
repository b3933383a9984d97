package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/vincentbai/engagetrace/internal/agent"
	"github.com/vincentbai/engagetrace/internal/config"
	"github.com/vincentbai/engagetrace/internal/database"
	"github.com/vincentbai/engagetrace/internal/identity"
	"github.com/vincentbai/engagetrace/internal/page"
	"github.com/vincentbai/engagetrace/internal/vitals"
)

var replayParallel int

var replayCmd = &cobra.Command{
	Use:   "replay [script.yaml]",
	Short: "Drive the agent through scripted page sessions",
	Long: `Loads a YAML script of page loads and replays each one's signals through
a live agent that delivers to the configured endpoint.

Example script:

  pages:
    - url: https://blog.example.com/post
      user_agent: Mozilla/5.0
      html: |
        <html><body><a id="pdf" href="/guide.pdf">Guide</a></body></html>
      signals:
        - scroll: {top: 1200, height: 4000, client: 800}
        - wait: 150ms
        - click: {selector: "#pdf"}
        - vitals:
            - {entry_type: largest-contentful-paint, start_time: 1800}
        - hidden: true
        - pagehide: true`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().IntVarP(&replayParallel, "parallel", "p", 4, "Pages replayed concurrently")
}

// Script is a replay file.
type Script struct {
	Pages []PageScript `yaml:"pages"`
}

type PageScript struct {
	URL       string `yaml:"url"`
	Referrer  string `yaml:"referrer"`
	UserAgent string `yaml:"user_agent"`
	HTML      string `yaml:"html"`
	// HTMLFile is read relative to the script when HTML is empty.
	HTMLFile string   `yaml:"html_file"`
	Signals  []Signal `yaml:"signals"`
}

// Signal is one host notification. Exactly one field is expected to be set.
type Signal struct {
	Wait         time.Duration  `yaml:"wait"`
	Scroll       *ScrollSignal  `yaml:"scroll"`
	Click        *ClickSignal   `yaml:"click"`
	Focus        string         `yaml:"focus"`
	Blur         string         `yaml:"blur"`
	Change       string         `yaml:"change"`
	ConsoleError *ConsoleSignal `yaml:"console_error"`
	Vitals       []vitals.Entry `yaml:"vitals"`
	Hidden       *bool          `yaml:"hidden"`
	PageHide     bool           `yaml:"pagehide"`
}

type ScrollSignal struct {
	Top    float64 `yaml:"top"`
	Height float64 `yaml:"height"`
	Client float64 `yaml:"client"`
}

type ClickSignal struct {
	Selector string  `yaml:"selector"`
	X        float64 `yaml:"x"`
	Y        float64 `yaml:"y"`
}

type ConsoleSignal struct {
	Message string `yaml:"message"`
	Source  string `yaml:"source"`
	Line    int    `yaml:"line"`
}

// PageResult summarises one replayed page load.
type PageResult struct {
	URL       string
	State     agent.State
	SessionID string
}

func loadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("failed to parse script %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range script.Pages {
		p := &script.Pages[i]
		if p.URL == "" {
			return nil, fmt.Errorf("page %d: url is required", i)
		}
		if p.HTML == "" && p.HTMLFile != "" {
			html, err := os.ReadFile(filepath.Join(base, p.HTMLFile))
			if err != nil {
				return nil, fmt.Errorf("page %d: %w", i, err)
			}
			p.HTML = string(html)
		}
	}
	return &script, nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	script, err := loadScript(args[0])
	if err != nil {
		return err
	}

	var db *database.Database
	if cfg.StoragePath != "" {
		db, err = database.NewDatabase(cfg.StoragePath)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	results, err := replay(ctx, cfg, script, db, replayParallel, logger)
	if err != nil {
		return err
	}
	for _, result := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-36s %s\n", result.State, result.SessionID, result.URL)
	}
	return nil
}

// replay runs every page of the script, at most parallel at a time. Results
// keep script order.
func replay(ctx context.Context, cfg config.Config, script *Script, db *database.Database, parallel int, logger *zap.Logger) ([]PageResult, error) {
	if parallel <= 0 {
		parallel = 1
	}
	client := &http.Client{Timeout: 10 * time.Second}
	results := make([]PageResult, len(script.Pages))

	group, groupContext := errgroup.WithContext(ctx)
	group.SetLimit(parallel)
	for i, pageScript := range script.Pages {
		group.Go(func() error {
			result, err := replayPage(groupContext, cfg, pageScript, db, client, logger)
			if err != nil {
				return fmt.Errorf("page %s: %w", pageScript.URL, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func replayPage(ctx context.Context, cfg config.Config, script PageScript, db *database.Database, client *http.Client, logger *zap.Logger) (PageResult, error) {
	p, err := page.FromString(script.URL, script.Referrer, script.UserAgent, script.HTML)
	if err != nil {
		return PageResult{}, err
	}

	var storage identity.Storage
	if db != nil {
		storage = db.Origin(p.Origin())
	}
	feed := vitals.NewFeed()
	pageLogger := logger.With(zap.String("page", script.URL))

	a, err := agent.New(agent.Options{
		Config:     cfg,
		Page:       p,
		Storage:    storage,
		Vitals:     feed,
		HTTPClient: client,
		Logger:     pageLogger,
	})
	if err != nil {
		return PageResult{}, err
	}

	pageContext, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		a.Wait()
	}()

	state := a.Start(pageContext)
	result := PageResult{URL: script.URL, State: state, SessionID: a.SessionID()}
	if state != agent.StateActive {
		return result, nil
	}

	hidden, unloaded := false, false
	for i, sig := range script.Signals {
		if err := applySignal(pageContext, a, p, feed, sig); err != nil {
			return result, fmt.Errorf("signal %d: %w", i, err)
		}
		if sig.Hidden != nil {
			hidden = *sig.Hidden
		}
		if sig.PageHide {
			unloaded = true
		}
	}
	if !hidden {
		a.OnVisibilityChange(pageContext, true)
	}
	if !unloaded {
		a.OnPageHide(pageContext)
	}
	pageLogger.Debug("page replayed", zap.Int("signals", len(script.Signals)))
	return result, nil
}

var errNoTarget = errors.New("selector matched nothing")

func applySignal(ctx context.Context, a *agent.Agent, p *page.Page, feed *vitals.Feed, sig Signal) error {
	switch {
	case sig.Wait > 0:
		timer := time.NewTimer(sig.Wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	case sig.Scroll != nil:
		a.OnScroll(sig.Scroll.Top, sig.Scroll.Height, sig.Scroll.Client)
	case sig.Click != nil:
		target := p.Find(sig.Click.Selector)
		if target.Length() == 0 {
			return fmt.Errorf("%w: %s", errNoTarget, sig.Click.Selector)
		}
		a.OnClick(ctx, target.First(), sig.Click.X, sig.Click.Y)
	case sig.Focus != "":
		return withTarget(p, sig.Focus, a.OnFocusIn)
	case sig.Blur != "":
		return withTarget(p, sig.Blur, a.OnFocusOut)
	case sig.Change != "":
		return withTarget(p, sig.Change, a.OnChange)
	case sig.ConsoleError != nil:
		a.OnConsoleError(sig.ConsoleError.Message, sig.ConsoleError.Source, sig.ConsoleError.Line)
	case len(sig.Vitals) > 0:
		feed.Push(sig.Vitals...)
	case sig.Hidden != nil:
		a.OnVisibilityChange(ctx, *sig.Hidden)
	case sig.PageHide:
		a.OnPageHide(ctx)
	}
	return nil
}

func withTarget(p *page.Page, selector string, fn func(*goquery.Selection)) error {
	target := p.Find(selector)
	if target.Length() == 0 {
		return fmt.Errorf("%w: %s", errNoTarget, selector)
	}
	fn(target.First())
	return nil
}
