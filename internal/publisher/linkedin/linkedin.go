// Package linkedin publishes through the LinkedIn web UI with a headless
// browser. There is no programmatic posting API available here; the adapter
// drives the same composer a human would.
package linkedin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/postpilot/postpilot/internal/common"
	"github.com/postpilot/postpilot/internal/publisher"
)

const (
	loginURL = "https://www.linkedin.com/login"
	feedURL  = "https://www.linkedin.com/feed/"
)

// Composer selectors, English and French variants as the account locale may
// be either.
var postButtonSelectors = []string{
	`//button[.//span[normalize-space(text())="Post"]]`,
	`//button[.//span[normalize-space(text())="Publier"]]`,
	`//button[contains(@aria-label, "Post")]`,
	`//button[contains(@aria-label, "Publier")]`,
}

var composerButtonSelectors = []string{
	`//button[contains(@class, "share-box-feed-entry__trigger")]`,
	`//button[.//strong[contains(text(), "Start a post")]]`,
	`//button[.//strong[contains(text(), "Commencer un post")]]`,
}

const editorSelector = `div.ql-editor[contenteditable="true"]`

// Scheduler selectors. The schedule entry point sits next to the Post
// button; the modal has a Date field opening a calendar and a time field
// opening a dropdown of 15-minute slots.
var scheduleButtonSelectors = []string{
	`//button[contains(@aria-label, "Schedule")]`,
	`//button[contains(@aria-label, "programmer")]`,
	`//button[.//span[contains(text(), "Schedule")]]`,
	`//button[.//span[contains(text(), "Programmer pour plus tard")]]`,
}

var dateFieldSelectors = []string{
	`//input[contains(@aria-label, "Date")]`,
	`//input[contains(@placeholder, "Date")]`,
}

var timeFieldSelectors = []string{
	`//input[contains(@aria-label, "Time")]`,
	`//input[contains(@aria-label, "Heure")]`,
	`//input[contains(@placeholder, "Heure")]`,
}

var scheduleConfirmSelectors = []string{
	`//button[.//span[normalize-space(text())="Schedule"]]`,
	`//button[.//span[normalize-space(text())="Programmer"]]`,
	`//button[contains(@aria-label, "Schedule")]`,
	`//button[contains(@aria-label, "Programmer")]`,
}

type Config struct {
	Email       string
	Password    string
	Headless    bool
	NavTimeout  time.Duration
	FeedTimeout time.Duration
}

// Automation is a chromedp-backed publisher.Publisher. Each call runs a
// fresh browser session and tears it down before returning, success or not.
type Automation struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Automation {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = 15 * time.Second
	}
	return &Automation{cfg: cfg, log: logger}
}

// session starts a browser and returns its context plus a teardown func.
func (a *Automation) session(ctx context.Context) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", a.cfg.Headless),
		chromedp.Flag("disable-notifications", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	return browserCtx, func() {
		cancelBrowser()
		cancelAlloc()
	}
}

// Publish logs in, opens the composer, enters the content and clicks Post.
func (a *Automation) Publish(ctx context.Context, content string) (publisher.Receipt, error) {
	start := time.Now()
	a.log.Info("publisher.publish.start",
		"row_id", common.RowIDFromContext(ctx),
		"chars", len(content), "headless", a.cfg.Headless)

	browserCtx, teardown := a.session(ctx)
	defer teardown()

	if err := a.login(browserCtx); err != nil {
		return publisher.Receipt{}, err
	}
	if err := a.openComposer(browserCtx); err != nil {
		return publisher.Receipt{}, err
	}
	if err := a.enterText(browserCtx, content); err != nil {
		return publisher.Receipt{}, err
	}
	if err := a.clickPost(browserCtx); err != nil {
		return publisher.Receipt{}, err
	}

	receipt := publisher.NewReceipt(content)
	a.log.Info("publisher.publish.ok",
		"prefix", receipt.ContentPrefix,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return receipt, nil
}

// Schedule enters the content, opens the native scheduler and queues the
// post for the given time. LinkedIn's time dropdown offers 15-minute slots,
// so the requested minute is rounded down to the nearest slot. A scheduled
// post is not in the feed until its slot, which means VerifyPublished
// cannot confirm it; callers should treat a successful return as final.
func (a *Automation) Schedule(ctx context.Context, content string, at time.Time) (publisher.Receipt, error) {
	start := time.Now()
	a.log.Info("publisher.schedule.start",
		"row_id", common.RowIDFromContext(ctx),
		"chars", len(content), "at", at.Format(time.RFC3339))

	browserCtx, teardown := a.session(ctx)
	defer teardown()

	if err := a.login(browserCtx); err != nil {
		return publisher.Receipt{}, err
	}
	if err := a.openComposer(browserCtx); err != nil {
		return publisher.Receipt{}, err
	}
	if err := a.enterText(browserCtx, content); err != nil {
		return publisher.Receipt{}, err
	}
	if err := a.openScheduler(browserCtx); err != nil {
		return publisher.Receipt{}, err
	}
	if err := a.setScheduleSlot(browserCtx, at); err != nil {
		return publisher.Receipt{}, err
	}
	if err := a.confirmSchedule(browserCtx); err != nil {
		return publisher.Receipt{}, err
	}

	receipt := publisher.NewReceipt(content)
	receipt.PublishedAt = at
	a.log.Info("publisher.schedule.ok",
		"prefix", receipt.ContentPrefix,
		"at", at.Format(time.RFC3339),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return receipt, nil
}

func (a *Automation) openScheduler(ctx context.Context) error {
	for _, sel := range scheduleButtonSelectors {
		err := a.run(ctx, a.cfg.NavTimeout,
			chromedp.WaitVisible(sel),
			chromedp.Click(sel),
			chromedp.Sleep(2*time.Second),
		)
		if err == nil {
			a.log.Debug("publisher.scheduler.open", "selector", sel)
			return nil
		}
		a.log.Debug("schedule selector missed", "selector", sel, "error", err)
	}
	return fmt.Errorf("schedule button not found: %w", publisher.ErrElementNotFound)
}

// setScheduleSlot drives the scheduler modal: the Date field opens a
// calendar where the target day is clicked, the time field opens a dropdown
// where the rounded slot is clicked.
func (a *Automation) setScheduleSlot(ctx context.Context, at time.Time) error {
	dateOpened := false
	for _, sel := range dateFieldSelectors {
		if err := a.run(ctx, a.cfg.NavTimeout,
			chromedp.WaitVisible(sel),
			chromedp.Click(sel),
		); err == nil {
			dateOpened = true
			break
		}
	}
	if !dateOpened {
		return fmt.Errorf("schedule date field not found: %w", publisher.ErrElementNotFound)
	}
	daySel := fmt.Sprintf(`//td//*[normalize-space(text())="%d"] | //button[normalize-space(text())="%d"]`, at.Day(), at.Day())
	if err := a.run(ctx, a.cfg.NavTimeout,
		chromedp.WaitVisible(daySel),
		chromedp.Click(daySel),
	); err != nil {
		return fmt.Errorf("calendar day %d not found: %w", at.Day(), publisher.ErrElementNotFound)
	}

	timeOpened := false
	for _, sel := range timeFieldSelectors {
		if err := a.run(ctx, a.cfg.NavTimeout,
			chromedp.WaitVisible(sel),
			chromedp.Click(sel),
		); err == nil {
			timeOpened = true
			break
		}
	}
	if !timeOpened {
		return fmt.Errorf("schedule time field not found: %w", publisher.ErrElementNotFound)
	}
	slot := at.Truncate(15 * time.Minute)
	slotSel := fmt.Sprintf(`//*[normalize-space(text())="%s"]`, slot.Format("15:04"))
	if err := a.run(ctx, a.cfg.NavTimeout,
		chromedp.WaitVisible(slotSel),
		chromedp.Click(slotSel),
	); err != nil {
		return fmt.Errorf("time slot %s not found: %w", slot.Format("15:04"), publisher.ErrElementNotFound)
	}
	a.log.Debug("publisher.scheduler.slot", "day", at.Day(), "time", slot.Format("15:04"))
	return nil
}

func (a *Automation) confirmSchedule(ctx context.Context) error {
	for _, sel := range scheduleConfirmSelectors {
		err := a.run(ctx, a.cfg.NavTimeout,
			chromedp.WaitVisible(sel),
			chromedp.Click(sel),
			chromedp.Sleep(3*time.Second),
		)
		if err == nil {
			a.log.Debug("publisher.schedule.confirmed", "selector", sel)
			return nil
		}
		a.log.Debug("confirm selector missed", "selector", sel, "error", err)
	}
	return fmt.Errorf("schedule confirm button not found: %w", publisher.ErrElementNotFound)
}

// VerifyPublished reloads the feed and looks for the receipt's content
// prefix among the visible posts.
func (a *Automation) VerifyPublished(ctx context.Context, receipt publisher.Receipt) (bool, error) {
	if strings.TrimSpace(receipt.ContentPrefix) == "" {
		return false, nil
	}
	a.log.Info("publisher.verify.start", "prefix", receipt.ContentPrefix)

	browserCtx, teardown := a.session(ctx)
	defer teardown()

	if err := a.login(browserCtx); err != nil {
		return false, err
	}

	var feedText string
	err := a.run(browserCtx, a.cfg.FeedTimeout,
		chromedp.Navigate(feedURL),
		chromedp.WaitVisible(`main`, chromedp.ByQuery),
		chromedp.Text(`main`, &feedText, chromedp.ByQuery),
	)
	if err != nil {
		return false, err
	}
	normalized := strings.Join(strings.Fields(feedText), " ")
	found := strings.Contains(normalized, receipt.ContentPrefix)
	a.log.Info("publisher.verify.done", "found", found)
	return found, nil
}

func (a *Automation) login(ctx context.Context) error {
	err := a.run(ctx, a.cfg.NavTimeout,
		chromedp.Navigate(loginURL),
		chromedp.WaitVisible(`#username`, chromedp.ByID),
		chromedp.SendKeys(`#username`, a.cfg.Email, chromedp.ByID),
		chromedp.SendKeys(`#password`, a.cfg.Password, chromedp.ByID),
		chromedp.Click(`button[type="submit"]`, chromedp.ByQuery),
	)
	if err != nil {
		return err
	}

	// Landing anywhere but the feed means the credentials were rejected or
	// a checkpoint/challenge page intervened.
	var location string
	if err := a.run(ctx, a.cfg.NavTimeout,
		chromedp.WaitReady(`body`, chromedp.ByQuery),
		chromedp.Location(&location),
	); err != nil {
		return err
	}
	if strings.Contains(location, "/checkpoint") || strings.Contains(location, "/login") {
		a.log.Error("publisher.login.rejected", "location", location)
		return fmt.Errorf("login landed on %s: %w", location, publisher.ErrAuthenticationFailed)
	}
	a.log.Debug("publisher.login.ok", "location", location)
	return nil
}

func (a *Automation) openComposer(ctx context.Context) error {
	for _, sel := range composerButtonSelectors {
		err := a.run(ctx, a.cfg.NavTimeout,
			chromedp.Navigate(feedURL),
			chromedp.WaitVisible(sel),
			chromedp.Click(sel),
			chromedp.WaitVisible(editorSelector, chromedp.ByQuery),
		)
		if err == nil {
			a.log.Debug("publisher.composer.open", "selector", sel)
			return nil
		}
		a.log.Debug("composer selector missed", "selector", sel, "error", err)
	}
	return fmt.Errorf("composer did not open: %w", publisher.ErrElementNotFound)
}

func (a *Automation) enterText(ctx context.Context, content string) error {
	err := a.run(ctx, a.cfg.NavTimeout,
		chromedp.Click(editorSelector, chromedp.ByQuery),
		chromedp.SendKeys(editorSelector, content, chromedp.ByQuery),
	)
	if err != nil {
		return err
	}
	return nil
}

func (a *Automation) clickPost(ctx context.Context) error {
	for _, sel := range postButtonSelectors {
		err := a.run(ctx, a.cfg.NavTimeout,
			chromedp.WaitVisible(sel),
			chromedp.Click(sel),
			// Give the upload a moment; the composer closing confirms the
			// click registered.
			chromedp.Sleep(3*time.Second),
		)
		if err == nil {
			a.log.Debug("publisher.post.clicked", "selector", sel)
			return nil
		}
		a.log.Debug("post selector missed", "selector", sel, "error", err)
	}
	return fmt.Errorf("post button not found: %w", publisher.ErrElementNotFound)
}

// run executes chromedp tasks under a timeout and maps timeouts to the
// transient element-not-found class.
func (a *Automation) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("browser step timed out after %s: %w", timeout, publisher.ErrElementNotFound)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("browser step failed: %v: %w", err, publisher.ErrNetwork)
	}
	return nil
}
