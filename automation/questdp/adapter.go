// Package questdp implements automation.Adapter against the Quest portal
// using a headless Chromium instance driven over the DevTools protocol.
package questdp

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/questgate/questgate/automation"
	"github.com/questgate/questgate/internal/errors"
)

const (
	landingURL = "https://quest.pecs.uwaterloo.ca/psc/AS/ACADEMIC/SA/c/NUI_FRAMEWORK.PT_LANDINGPAGE.GBL"

	stepTimeout   = 15 * time.Second
	searchTimeout = 30 * time.Second
)

// extractSections pulls the class search result rows out of the results
// table. Row ids follow the portal's MTG_* naming.
const extractSections = `(() => {
	const out = {};
	for (let i = 0; ; i++) {
		const name = document.getElementById("MTG_CLASSNAME$" + i);
		if (!name) break;
		const parts = name.innerText.split("\n")[0].split("-");
		const key = parts[1] + " " + parts[0];
		out[key] = [
			document.getElementById("MTG_ROOM$" + i).innerText,
			document.getElementById("MTG_INSTR$" + i).innerText,
		];
	}
	return out;
})()`

type Adapter struct {
	id           string
	browserCtx   context.Context
	cancel       context.CancelFunc
	cancelAlloc  context.CancelFunc
	secondFactor time.Duration
	logger       zerolog.Logger
}

var _ automation.Adapter = (*Adapter)(nil)

type Factory struct {
	Headless            bool
	ProfileDir          string
	SecondFactorTimeout time.Duration
}

var _ automation.Factory = (*Factory)(nil)

// New launches a browser instance. The profile directory is keyed by the
// adapter id so portal cookies for remembered sessions survive restarts.
func (f *Factory) New(_ context.Context, id string) (automation.Adapter, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.Headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.UserDataDir(filepath.Join(f.ProfileDir, id)),
		chromedp.WindowSize(1920, 1080),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	// Launch the browser eagerly so a broken chromium install surfaces
	// here rather than mid-login.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		cancelAlloc()
		return nil, errors.Wrapf(errors.ErrAutomationFault, "[questdp.New] launching browser: %v", err)
	}

	a := &Adapter{
		id:           id,
		browserCtx:   browserCtx,
		cancel:       cancel,
		cancelAlloc:  cancelAlloc,
		secondFactor: f.SecondFactorTimeout,
		logger:       log.With().Str("adapter", id).Logger(),
	}
	a.logger.Info().Msg("browser instance created")
	return a, nil
}

func (a *Adapter) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(a.browserCtx, timeout)
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(runCtx, actions...)
		cancel()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The browser interaction runs to its own timeout; only the
		// caller gives up.
		return ctx.Err()
	}
}

func (a *Adapter) Login(ctx context.Context, creds automation.Credentials) (string, error) {
	a.logger.Info().Str("user", creds.Username).Msg("signing in")

	if err := a.run(ctx, stepTimeout,
		chromedp.Navigate(landingURL),
		chromedp.WaitVisible(`#userNameInput`, chromedp.ByID),
		chromedp.SendKeys(`#userNameInput`, creds.Username, chromedp.ByID),
		chromedp.Click(`#nextButton`, chromedp.ByID),
		chromedp.WaitVisible(`#passwordInput`, chromedp.ByID),
		chromedp.SendKeys(`#passwordInput`, creds.Password, chromedp.ByID),
		chromedp.Click(`#submitButton`, chromedp.ByID),
	); err != nil {
		// The sign-in form never appearing can mean cookies already
		// authenticate this profile; probe the title before judging.
		var title string
		terr := a.run(ctx, stepTimeout, chromedp.Title(&title))
		if terr == nil && title == "Homepage" {
			a.logger.Info().Msg("second factor passed by cookie")
			return "", nil
		}
		return "", loginFailure(ctx, terr)
	}

	var title string
	if err := a.run(ctx, stepTimeout, chromedp.Title(&title)); err != nil {
		return "", errors.Wrapf(errors.ErrAutomationFault, "[Adapter.Login] reading page title: %v", err)
	}
	if title == "Homepage" {
		return "", nil
	}

	// Second-factor panel: relay the displayed verification code.
	var challenge string
	if err := a.run(ctx, stepTimeout,
		chromedp.WaitVisible(`.verification-code`, chromedp.ByQuery),
		chromedp.Text(`.verification-code`, &challenge, chromedp.ByQuery),
	); err != nil {
		return "", errors.Wrapf(errors.ErrAutomationFault, "[Adapter.Login] reading verification code: %v", err)
	}
	a.logger.Info().Str("challenge", challenge).Msg("second factor required")
	return challenge, nil
}

// loginFailure classifies a failed sign-in attempt. A rejection verdict
// requires the portal to still be answering: an abandoned call or an
// unreachable page is an automation fault, not bad credentials.
func loginFailure(ctx context.Context, titleErr error) error {
	if ctx.Err() != nil {
		return errors.Wrapf(errors.ErrAutomationFault, "[Adapter.Login] abandoned: %v", ctx.Err())
	}
	if titleErr != nil {
		return errors.Wrapf(errors.ErrAutomationFault, "[Adapter.Login] portal unreachable: %v", titleErr)
	}
	return errors.Wrapf(errors.ErrCredentialRejected, "[Adapter.Login] sign in failed, check username and password")
}

func (a *Adapter) SubmitSecondFactor(ctx context.Context, code string) error {
	a.logger.Info().Msg("waiting for second factor approval")

	trustButton := `#trust-browser-button`
	if err := a.run(ctx, a.secondFactor,
		chromedp.WaitVisible(trustButton, chromedp.ByID),
		chromedp.Click(trustButton, chromedp.ByID),
		waitForTitle("Homepage"),
	); err != nil {
		return errors.Wrapf(errors.ErrSecondFactorFailed, "[Adapter.SubmitSecondFactor] approval timed out")
	}
	a.logger.Info().Msg("sign in successful")
	return nil
}

func (a *Adapter) Search(ctx context.Context, q automation.Query) (automation.SearchResult, error) {
	a.logger.Info().
		Str("term", q.Term).
		Str("subject", q.Subject).
		Str("class", q.ClassNumber).
		Msg("searching classes")

	var result automation.SearchResult
	err := a.run(ctx, searchTimeout,
		navigateToTile("Class Schedule"),
		chromedp.Click(`#PSTAB > table > tbody > tr > td:nth-child(3) > a`, chromedp.ByQuery),
		chromedp.SetValue(`#CLASS_SRCH_WRK2_STRM\$35\$`, q.Term, chromedp.ByQuery),
		chromedp.SendKeys(`#SSR_CLSRCH_WRK_SUBJECT\$0`, q.Subject, chromedp.ByQuery),
		chromedp.SendKeys(`#SSR_CLSRCH_WRK_CATALOG_NBR\$1`, q.ClassNumber, chromedp.ByQuery),
		chromedp.Click(`#CLASS_SRCH_WRK2_SSR_PB_CLASS_SRCH`, chromedp.ByQuery),
		chromedp.WaitVisible(`#DERIVED_REGFRM1_TITLE1`, chromedp.ByID),
		chromedp.Evaluate(extractSections, &result),
	)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrAutomationFault, "[Adapter.Search] %v", err)
	}
	if len(result) == 0 {
		return nil, errors.Wrapf(errors.ErrNoSections, "[Adapter.Search] %s %s %s", q.Term, q.Subject, q.ClassNumber)
	}
	a.logger.Info().Int("sections", len(result)).Msg("search complete")
	return result, nil
}

func (a *Adapter) IsAlive(ctx context.Context) bool {
	var signedOn bool
	err := a.run(ctx, stepTimeout,
		chromedp.Evaluate(`!!document.querySelector("#PT_ACTION_MENU\\$PIMG")`, &signedOn),
	)
	if err != nil {
		a.logger.Warn().Err(err).Msg("liveness probe failed")
		return false
	}
	return signedOn
}

func (a *Adapter) Close(_ context.Context) error {
	a.logger.Info().Msg("closing browser instance")
	a.cancel()
	a.cancelAlloc()
	return nil
}

// navigateToTile returns to the portal homepage and opens the named tile,
// mirroring the portal's back-button navigation quirks.
func navigateToTile(title string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var current string
		if err := chromedp.Title(&current).Do(ctx); err != nil {
			return err
		}
		if current == title {
			return nil
		}
		if current != "Homepage" {
			if err := chromedp.Click(`#PT_WORK_PT_BUTTON_BACK`, chromedp.ByID).Do(ctx); err != nil {
				return err
			}
		}
		return chromedp.Run(ctx,
			waitForTitle("Homepage"),
			chromedp.Click(fmt.Sprintf(`//span[.=%q]`, title), chromedp.BySearch),
		)
	})
}

func waitForTitle(want string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for {
			var title string
			if err := chromedp.Title(&title).Do(ctx); err != nil {
				return err
			}
			if title == want {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(250 * time.Millisecond):
			}
		}
	})
}
