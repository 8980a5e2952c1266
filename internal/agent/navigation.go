package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/surfari/surfari/internal/config"
	"github.com/surfari/surfari/internal/distill"
	"github.com/surfari/surfari/internal/google"
	"github.com/surfari/surfari/internal/llm"
	"github.com/surfari/surfari/internal/mcp"
	"github.com/surfari/surfari/internal/observability"
	"github.com/surfari/surfari/internal/replay"
	"github.com/surfari/surfari/internal/resolver"
	"github.com/surfari/surfari/internal/security"
	"github.com/surfari/surfari/internal/tools"
)

const unknownSiteName = "Unknown Site"

// pdfViewerPlaceholder stands in for page text when Chrome's built-in PDF
// viewer swallows the document.
const pdfViewerPlaceholder = `
=== Embedded PDF Viewer Detected ===
This page is showing a PDF document inside Chrome's built-in viewer.
The PDF file has been downloaded successfully.
You can safely close this tab.
`

// DelegationSite is one destination the agent may hand a sub-task to.
type DelegationSite struct {
	SiteName string `json:"site_name"`
	URL      string `json:"url"`
	Purpose  string `json:"purpose,omitempty"`
}

// otpCodeFetcher retrieves one-time codes during 2FA steps.
type otpCodeFetcher interface {
	GetOTPCode(ctx context.Context, opts google.OTPOptions) (string, error)
}

// Options configure one NavigationAgent.
type Options struct {
	Model    string
	SiteID   int
	SiteName string
	URL      string
	Name     string

	DisableDataMasking  bool
	MultiActionPerTurn  bool
	RecordAndReplay     bool
	UseParameterization bool
	UseScreenshot       bool
	SaveScreenshot      bool

	// Tools are native tools offered to the model alongside any tools
	// discovered from MCPManager's sessions.
	Tools      []tools.Tool
	MCPManager *mcp.Manager

	DelegationSites []DelegationSite

	// OTPFetcher solves OTP fill steps automatically when set.
	OTPFetcher otpCodeFetcher

	// NewPage opens a tab for delegated sub-agents. Required when
	// DelegationSites is non-empty.
	NewPage func(ctx context.Context) (playwright.Page, error)
}

// NavigationAgent drives one task on one site: it reads the distilled page
// layout each turn, asks the model for the next step, and executes it.
type NavigationAgent struct {
	baseAgent
	opts Options
	url  string

	extractor *distill.Extractor
	runner    *actionRunner
	registry  *tools.Registry
	executor  *tools.Executor
	toolSpecs []tools.Spec

	recorder       *replay.Manager
	usingRecording bool

	chatHistory []llm.Message
	totalErrors int
	pdfDetected atomic.Bool

	mu         sync.Mutex
	tabs       []playwright.Page
	currentTab playwright.Page
}

// NewNavigationAgent builds an agent for one site. A known site name is
// resolved to its stored URL and credentials by fuzzy lookup.
func NewNavigationAgent(ctx context.Context, cfg *config.Config, logger *observability.Logger, client *llm.Client, creds *security.CredentialManager, opts Options) *NavigationAgent {
	if opts.SiteName == "" {
		opts.SiteName = unknownSiteName
	}
	if opts.SiteID == 0 {
		opts.SiteID = 9999
	}
	if opts.Name == "" {
		opts.Name = "NavigationAgent-" + opts.SiteName
	}

	if opts.SiteName != unknownSiteName && creds != nil {
		if info, err := creds.FindSiteByName(ctx, opts.SiteName, 0); err == nil && info != nil {
			opts.URL = info.URL
			opts.SiteID = info.SiteID
		}
	}

	a := &NavigationAgent{
		baseAgent: newBaseAgent(opts.Name, cfg, logger, client, creds, !opts.DisableDataMasking),
		opts:      opts,
		url:       opts.URL,
		extractor: distill.NewExtractor(cfg, logger),
		runner:    newActionRunner(cfg, logger),
	}
	if opts.Model != "" {
		a.model = opts.Model
	}
	a.siteID = opts.SiteID
	a.siteName = opts.SiteName
	return a
}

// mergeTools combines native tools with proxies for every MCP session
// tool. Registration is last-wins, so MCP tools shadow natives that share
// a name.
func (a *NavigationAgent) mergeTools(ctx context.Context) {
	a.registry = tools.NewRegistry()
	for _, t := range a.opts.Tools {
		a.registry.Register(t)
	}
	if a.opts.MCPManager != nil {
		timeout := time.Duration(a.cfg.App.ToolCallTimeout) * time.Second
		n := mcp.RegisterProxies(a.opts.MCPManager, a.registry, timeout)
		a.logger.Debug(ctx, "registered remote tool proxies", "count", n)
	}
	a.executor = tools.NewExecutor(a.registry, a.logger)
	a.toolSpecs = tools.Specs(a.registry.List())
}

// Run performs the task and returns the agent's final answer.
func (a *NavigationAgent) Run(ctx context.Context, page playwright.Page, taskGoal string) (string, error) {
	a.addDonotMaskTerms(taskGoal)
	a.mergeTools(ctx)

	if a.opts.RecordAndReplay {
		recorder, err := replay.NewManager(ctx, a.cfg.ProjectRoot, a.client, a.logger, replay.Options{
			TaskDescription:     taskGoal,
			SiteID:              a.siteID,
			SiteName:            a.siteName,
			Model:               a.model,
			UseParameterization: a.opts.UseParameterization,
		})
		if err != nil {
			a.logger.Error(ctx, "failed to initialize record and replay", "error", err)
		} else {
			a.recorder = recorder
			loaded, err := recorder.AttemptLoad(ctx)
			if err != nil {
				a.logger.Warn(ctx, "failed to load recording", "error", err)
			}
			a.usingRecording = loaded
		}
	}

	if a.siteName != unknownSiteName && a.url == "" {
		taskGoal = a.siteName + ": " + taskGoal
	}
	a.resolveURLForTask(ctx, taskGoal)
	if a.url == "" {
		a.logger.Error(ctx, "no URL available to navigate to")
		return "No URL available to navigate to.", nil
	}

	if _, err := page.Goto(a.url, playwright.PageGotoOptions{Timeout: playwright.Float(60000)}); err != nil {
		return "", fmt.Errorf("navigate to %s: %w", a.url, err)
	}
	a.setupDownloadListener(ctx, page)
	a.setupPopupListener(ctx, page)
	a.mu.Lock()
	a.tabs = []playwright.Page{page}
	a.currentTab = page
	a.mu.Unlock()

	a.chatHistory = []llm.Message{{Role: "user", Content: "Task Goal: " + taskGoal}}

	taskSuccessful := false
	answer := ""
	defer func() {
		a.insertRunStats(ctx)
		if a.recorder != nil && !a.usingRecording {
			if !a.cfg.App.SaveSuccessfulTaskOnly || taskSuccessful {
				a.logger.Info(ctx, "saving task recording")
				a.recorder.SetRecording(a.chatHistory, a.recorder.CurrentVariables())
				if _, err := a.recorder.SaveRecording(ctx); err != nil {
					a.logger.Error(ctx, "failed to save recording", "error", err)
				}
			}
		}
		a.logger.Info(ctx, "run finished", "total_errors", a.totalErrors, "answer", answer)
	}()

	systemPrompt := buildNavigationSystemPrompt(a.opts.MultiActionPerTurn, len(a.toolSpecs) > 0, a.opts.DelegationSites)

	var configured resolver.Resolver
	if a.cfg.ValueResolver != nil {
		r, err := resolver.FromConfig(a.cfg.ValueResolver)
		if err != nil {
			a.logger.Warn(ctx, "failed to build configured value resolver", "error", err)
		} else {
			configured = r
		}
	}
	var secretRes resolver.Resolver
	if a.creds != nil {
		if sr, err := resolver.NewSecretResolver(ctx, a.creds, a.siteID, a.logger); err == nil {
			secretRes = sr
		}
	}
	chain := resolver.NewChain(secretRes, configured, a.logger)
	resolverCtx := map[string]any{"site_id": a.siteID, "site_name": a.siteName, "task_goal": taskGoal}

	maxTurns := a.cfg.App.MaxNumberOfTurns
	boxDuration := a.cfg.App.ShowReasoningBoxDuration
	reasoning := ""

	for turn := 1; turn <= maxTurns; turn++ {
		a.mu.Lock()
		if a.currentTab == nil {
			a.mu.Unlock()
			break
		}
		if page != a.currentTab {
			page = a.currentTab
			a.chatHistory = append(a.chatHistory, llm.Message{Role: "user", Content: "I switched to the tab with URL: " + page.URL()})
			a.logger.Info(ctx, "switched tab", "url", page.URL())
		}
		a.mu.Unlock()

		a.runner.waitForPageLoad(ctx, page, 10*time.Second,
			time.Duration(a.cfg.App.WaitTimeHeuristic)*time.Second)
		currentURL := page.URL()
		resolverCtx["current_url"] = currentURL
		a.logger.Info(ctx, "turn", "n", turn, "max", maxTurns, "url", currentURL)

		pageLayout := a.generateTextRepresentation(ctx, page)

		var response map[string]any
		if a.usingRecording {
			a.logger.Info(ctx, "using recorded history for model response", "turn", turn)
			response = a.nextRecordedAssistant(ctx)
			if response != nil && response["step_execution"] == "SUCCESS" {
				a.logger.Info(ctx, "recording reports success, finishing with a live review")
				a.usingRecording = false
				a.recorder.SetRecording(nil, nil)
				continue
			}
		}

		if response == nil {
			a.logger.Info(ctx, "calling model in real time", "turn", turn)
			resp, err := a.realTimeResponse(ctx, page, systemPrompt, buildNavigationUserPrompt(pageLayout), "", "")
			if err != nil {
				a.logger.Error(ctx, "model call failed", "error", err)
				answer = "Error occurred. Please check the logs for details."
				return answer, err
			}
			response = resp
			// Replay can resume after a live turn handled a divergence.
			if a.recorder != nil && a.recorder.Remaining() > 0 {
				a.usingRecording = true
			}
		}
		if response == nil {
			response = map[string]any{}
		}

		// Recorded as-is so replay sees the same masked content the
		// model produced.
		raw, _ := json.Marshal(response)
		a.chatHistory = append(a.chatHistory, llm.Message{Role: "assistant", Content: string(raw)})

		response, _ = a.unmaskJSON(response).(map[string]any)
		if response == nil {
			response = map[string]any{}
		}

		if _, ok := response["tool_calls"]; ok {
			a.executeToolCalls(ctx, response)
			continue
		}

		stepExecution, _ := response["step_execution"].(string)
		if stepExecution == "" {
			stepExecution = "SEQUENCE"
		}
		reasoning, _ = response["reasoning"].(string)
		if reasoning == "" {
			reasoning = "No reasoning provided."
		}
		answer, _ = response["answer"].(string)

		if a.handlePageLevelAction(ctx, page, stepExecution, reasoning, boxDuration) {
			continue
		}

		if stepExecution == "SUCCESS" {
			if a.verifyTaskSuccess(ctx, page, pageLayout) {
				taskSuccessful = true
				break
			}
			continue
		}

		var steps []map[string]any
		involveUser := false

		if stepExecution == "DELEGATE_TO_USER" {
			if a.overruleUserDelegation(ctx, page, pageLayout) {
				continue
			}
			involveUser = true
		} else {
			response = chain.Resolve(ctx, response, resolverCtx)
			if se, _ := response["step_execution"].(string); se == "DELEGATE_TO_USER" {
				a.logger.Debug(ctx, "value resolution requires delegating to user")
				if r, _ := response["reasoning"].(string); r != "" {
					reasoning = r
				}
				involveUser = true
			} else {
				steps = resolver.ExtractSteps(response)
			}
		}

		if !involveUser {
			if len(steps) == 0 {
				a.totalErrors++
				a.logger.Info(ctx, "no valid steps in model response", "total_errors", a.totalErrors)
				continue
			}
			if stepExecution == "DELEGATE_TO_AGENT" {
				a.handleDelegateToAgent(ctx, steps)
				continue
			}
			applied, updated, err := a.checkStepsForOTP(ctx, steps)
			if err != nil {
				a.logger.Error(ctx, "error during OTP application, delegating for manual resolution", "error", err)
				reasoning = "Please clear the second factor authentication manually."
				involveUser = true
			} else if applied > 0 {
				a.logger.Debug(ctx, "applied OTP to fill steps", "count", applied)
				steps = updated
			}
		}

		if involveUser {
			if err := injectControlBar(page, reasoning); err != nil {
				a.logger.Warn(ctx, "failed to inject control bar", "error", err)
			}
			if !a.waitForUserResume(ctx, page) {
				answer = "Timeout waiting for user to take actions."
				return answer, nil
			}
			a.chatHistory = append(a.chatHistory, llm.Message{Role: "user", Content: "I have completed the required actions and reviewed/updated the information on the page.  You can move on to the next step."})
			continue
		}

		if a.scrollPagePerformed(ctx, page, steps, reasoning, boxDuration) {
			continue
		}

		a.resolveLocators(ctx, page, steps)

		if len(steps) > 0 && steps[0]["locator"] != nil {
			results := a.runner.takeActions(ctx, page, steps, len(steps), reasoning)
			a.processLocatorActionResults(ctx, results)
		}
	}

	if answer != "" {
		answer = reasoning + ": " + answer
	} else {
		answer = reasoning
	}
	return answer, nil
}

// resolveLocators attaches locators to the steps, stopping early on an
// expandable element or a failure. A first-step failure is reported to the
// model; during replay it is retried against a fresh layout first.
func (a *NavigationAgent) resolveLocators(ctx context.Context, page playwright.Page, steps []map[string]any) {
	for idx, step := range steps {
		target, _ := step["target"].(string)

		locator, expandable, err := a.extractor.GetLocatorFromText(ctx, page, target)
		if err != nil {
			a.logger.Error(ctx, "error getting locator from text", "error", err)
		}
		if locator == nil && idx == 0 && a.usingRecording {
			locator, expandable = a.retryReplayLocator(ctx, page, target)
		}
		if locator != nil {
			step["locator"] = locator
			if expandable {
				a.logger.Debug(ctx, "locator is expandable, skipping the rest")
				step["is_expandable_element"] = true
				return
			}
			continue
		}

		if idx == 0 {
			a.notifyFirstTargetNotFound(ctx, step)
			a.totalErrors++
			a.logger.Info(ctx, "first locator failed to resolve", "target", target, "total_errors", a.totalErrors)
		} else {
			a.logger.Warn(ctx, "subsequent locator failed to resolve, skipping the rest", "target", target)
		}
		return
	}
}

// retryReplayLocator re-extracts the page and retries the locator a few
// times, but only when the recording says this step once succeeded.
// Otherwise replay is disabled for the rest of the run.
func (a *NavigationAgent) retryReplayLocator(ctx context.Context, page playwright.Page, target string) (playwright.Locator, bool) {
	a.logger.Debug(ctx, "replay: first locator not found, checking recorded user actions")

	recorded := a.nextRecordedUser(ctx)
	if recorded == nil || recorded["result"] != "success" {
		return nil, false
	}

	const maxRetries = 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return nil, false
		}
		a.generateTextRepresentation(ctx, page)
		locator, expandable, err := a.extractor.GetLocatorFromText(ctx, page, target)
		if err != nil {
			a.logger.Error(ctx, "error getting locator from text", "error", err)
			continue
		}
		if locator != nil {
			a.logger.Debug(ctx, "locator resolved on retry", "attempt", attempt)
			return locator, expandable
		}
	}

	a.logger.Error(ctx, "replay: locator still missing after retries, disabling replay")
	a.usingRecording = false
	return nil, false
}

// nextRecordedAssistant pops recorded messages until the next assistant
// turn and returns its parsed content.
func (a *NavigationAgent) nextRecordedAssistant(ctx context.Context) map[string]any {
	if a.recorder == nil || a.recorder.Remaining() == 0 {
		a.logger.Warn(ctx, "recorded history has become empty")
		a.usingRecording = false
		return nil
	}
	for {
		msg, ok := a.recorder.Next()
		if !ok {
			a.logger.Warn(ctx, "no assistant message found in recorded history")
			return nil
		}
		if msg.Role != "assistant" {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(msg.Content), &parsed); err != nil {
			return nil
		}
		return parsed
	}
}

// nextRecordedUser pops the next recorded message and returns it parsed
// when it is a user turn. Action results are recorded as a JSON array of
// steps; the first step carries the outcome.
func (a *NavigationAgent) nextRecordedUser(ctx context.Context) map[string]any {
	if a.recorder == nil || a.recorder.Remaining() == 0 {
		a.logger.Warn(ctx, "recorded history has become empty")
		return nil
	}
	msg, ok := a.recorder.Next()
	if !ok || msg.Role != "user" {
		return nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(msg.Content), &parsed); err != nil {
		return nil
	}
	switch v := parsed.(type) {
	case map[string]any:
		return v
	case []any:
		if len(v) > 0 {
			if first, ok := v[0].(map[string]any); ok {
				return first
			}
		}
	}
	return nil
}

// executeToolCalls runs the model's structured calls and appends one tool
// message per result, preserving call order.
func (a *NavigationAgent) executeToolCalls(ctx context.Context, response map[string]any) {
	rawCalls, _ := response["tool_calls"].([]any)
	calls := make([]tools.ToolCall, 0, len(rawCalls))
	for _, item := range rawCalls {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		id, _ := m["id"].(string)
		calls = append(calls, tools.ToolCall{ID: id, Name: name, Arguments: m["arguments"]})
	}

	timeout := time.Duration(a.cfg.App.ToolCallTimeout) * time.Second
	start := time.Now()
	results := a.executor.Execute(ctx, calls, tools.ExecuteOptions{Timeout: timeout})
	a.logger.Debug(ctx, "tool calls executed", "count", len(calls), "elapsed_ms", time.Since(start).Milliseconds())

	for i, result := range results {
		var payload any
		if result.OK {
			payload = result.Result
		} else {
			payload = map[string]any{"error": result.Error}
		}
		content, _ := json.Marshal(payload)
		msg := llm.Message{Role: "tool", Name: calls[i].Name, Content: string(content)}
		if result.ID != "" {
			msg.CallID = result.ID
		}
		a.chatHistory = append(a.chatHistory, msg)
	}
}

// handlePageLevelAction executes BACK, DISMISS_MODAL, WAIT, and
// CLOSE_CURRENT_TAB, which act on the page as a whole.
func (a *NavigationAgent) handlePageLevelAction(ctx context.Context, page playwright.Page, stepExecution, reasoning string, boxDuration int) bool {
	showBox := func() {
		if !a.cfg.App.ShowReasoningBox {
			return
		}
		a.runner.showReasoningBox(ctx, page, nil, reasoning, boxDuration)
		select {
		case <-time.After(time.Duration(boxDuration) * time.Millisecond):
		case <-ctx.Done():
		}
	}

	switch stepExecution {
	case "BACK":
		showBox()
		a.logger.Info(ctx, "going back to the previous page")
		if _, err := page.GoBack(playwright.PageGoBackOptions{Timeout: playwright.Float(60000)}); err != nil {
			a.logger.Error(ctx, "go back failed", "error", err)
		}
		a.chatHistory = append(a.chatHistory, llm.Message{Role: "user", Content: "I went back to the previous page."})
		return true

	case "DISMISS_MODAL":
		showBox()
		a.logger.Info(ctx, "dismissing modal")
		if err := page.Mouse().Click(1, 1); err != nil {
			a.logger.Error(ctx, "dismiss click failed", "error", err)
		}
		a.chatHistory = append(a.chatHistory, llm.Message{Role: "user", Content: "I dismissed the modal."})
		return true

	case "WAIT":
		showBox()
		a.logger.Info(ctx, "waiting, page might still be loading")
		waitSeconds := 2.0
		select {
		case <-time.After(time.Duration(waitSeconds * float64(time.Second))):
		case <-ctx.Done():
		}
		a.chatHistory = append(a.chatHistory, llm.Message{Role: "user", Content: fmt.Sprintf("I waited %.2f more seconds for the page to load.", waitSeconds)})
		return true

	case "CLOSE_CURRENT_TAB":
		showBox()
		a.logger.Info(ctx, "closing current tab")
		a.mu.Lock()
		for i, tab := range a.tabs {
			if tab == page {
				a.tabs = append(a.tabs[:i], a.tabs[i+1:]...)
				break
			}
		}
		if len(a.tabs) > 0 {
			a.currentTab = a.tabs[len(a.tabs)-1]
		} else {
			a.currentTab = nil
		}
		a.mu.Unlock()
		if err := page.Close(); err != nil {
			a.logger.Error(ctx, "tab close failed", "error", err)
		}
		a.chatHistory = append(a.chatHistory, llm.Message{Role: "user", Content: "I closed the tab."})
		return true
	}
	return false
}

// verifyTaskSuccess asks the reviewer model whether the goal was really
// met. A rejection is fed back into the history.
func (a *NavigationAgent) verifyTaskSuccess(ctx context.Context, page playwright.Page, pageLayout string) bool {
	decision, feedback := a.reviewNavigationExecution(ctx, page, reviewSuccessSystemPrompt, buildNavigationUserPrompt(pageLayout))
	if decision == "Goal Met" {
		a.logger.Info(ctx, "review confirms the task completed successfully")
		return true
	}
	a.logger.Info(ctx, "review says the goal has not been met")
	a.chatHistory = append(a.chatHistory, llm.Message{Role: "user", Content: "After review, the goal has not been met: " + feedback})
	return false
}

// overruleUserDelegation lets the reviewer model turn a DELEGATE_TO_USER
// into a concrete suggestion. Returns true when the agent should continue
// on its own.
func (a *NavigationAgent) overruleUserDelegation(ctx context.Context, page playwright.Page, pageLayout string) bool {
	decision, feedback := a.reviewNavigationExecution(ctx, page, reviewUserDelegationSystemPrompt, buildNavigationUserPrompt(pageLayout))
	if decision == "Suggestion" {
		a.logger.Info(ctx, "review provided a suggestion instead of delegating to user")
		a.chatHistory = append(a.chatHistory, llm.Message{Role: "user", Content: "After review, instead of delegating to user, here is a suggestion: " + feedback})
		return true
	}
	a.logger.Info(ctx, "review confirmed user action is required")
	return false
}

func (a *NavigationAgent) reviewNavigationExecution(ctx context.Context, page playwright.Page, systemPrompt, userPrompt string) (string, string) {
	reviewer := a.cfg.App.ReviewerModel
	if reviewer == "" {
		reviewer = a.model
	}
	a.logger.Debug(ctx, "reviewing navigation execution", "model", reviewer)

	response, err := a.realTimeResponse(ctx, page, systemPrompt, userPrompt, reviewer, "ReviewNavigationExecution-"+a.siteName)
	if err != nil {
		a.logger.Error(ctx, "review call failed", "error", err)
		return "Goal Not Met", "No feedback provided."
	}
	decision, _ := response["review_decision"].(string)
	if decision == "" {
		decision = "Goal Not Met"
	}
	feedback, _ := response["review_feedback"].(string)
	if feedback == "" {
		feedback = "No feedback provided."
	}
	return decision, feedback
}

// realTimeResponse runs one model turn with the current chat history and
// an optional page screenshot.
func (a *NavigationAgent) realTimeResponse(ctx context.Context, page playwright.Page, systemPrompt, userPrompt, model, purpose string) (map[string]any, error) {
	useScreenshot := a.opts.UseScreenshot || a.cfg.App.UseScreenshot
	saveScreenshot := a.opts.SaveScreenshot || a.cfg.App.SaveScreenshot
	format := a.cfg.App.ScreenshotFormat
	if format == "" {
		format = "jpeg"
	}

	var image *llm.Image
	if useScreenshot || saveScreenshot {
		opts := playwright.PageScreenshotOptions{
			FullPage: playwright.Bool(a.cfg.App.ScreenshotFullPage),
		}
		if format == "jpeg" {
			opts.Type = playwright.ScreenshotTypeJpeg
			opts.Quality = playwright.Int(a.cfg.App.ScreenshotQuality)
		} else {
			opts.Type = playwright.ScreenshotTypePng
		}
		if saveScreenshot {
			name := fmt.Sprintf("%s-site_id-%d_screenshot.%s", time.Now().Format("15:04:05"), a.siteID, format)
			opts.Path = playwright.String(filepath.Join(a.cfg.ScreenshotsDir(), name))
		}
		data, err := page.Screenshot(opts)
		if err != nil {
			a.logger.Warn(ctx, "screenshot failed", "error", err)
		} else if useScreenshot {
			image = &llm.Image{DataBase64: base64.StdEncoding.EncodeToString(data), Format: format}
		}
	}
	if image != nil {
		userPrompt += "\n[Screenshot of the page is also provided for reference]"
	}

	if model == "" {
		model = a.model
	}
	if purpose == "" {
		purpose = a.name
	}
	raw, err := a.client.GenerateJSON(ctx, llm.Request{
		Model:        model,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		History:      a.chatHistory,
		Image:        image,
		Tools:        a.toolSpecs,
		Purpose:      purpose,
		SiteID:       a.siteID,
	})
	if err != nil {
		return nil, err
	}
	response, _ := raw.(map[string]any)
	return response, nil
}

// resolveURLForTask asks the model for a starting URL when none is known,
// validates it, and falls back to Google.
func (a *NavigationAgent) resolveURLForTask(ctx context.Context, taskGoal string) {
	if a.url != "" {
		return
	}
	a.logger.Info(ctx, "resolving URL for task", "task_goal", taskGoal)
	input, _ := json.Marshal(map[string]any{"task_goal": taskGoal})

	raw, err := a.client.GenerateJSON(ctx, llm.Request{
		Model:        a.model,
		SystemPrompt: urlResolutionSystemPrompt,
		UserPrompt:   string(input),
		Purpose:      "ResolveURLForTask-" + a.siteName,
		SiteID:       a.siteID,
	})
	if err != nil {
		a.logger.Error(ctx, "URL resolution call failed", "error", err)
	} else if response, ok := raw.(map[string]any); ok {
		candidate, _ := response["url"].(string)
		a.url = validateURL(ctx, a.logger, candidate)
	}

	if a.url == "" {
		a.logger.Error(ctx, "failed to resolve or validate URL, using google")
		a.url = "https://www.google.com"
	} else {
		a.logger.Info(ctx, "resolved URL", "url", a.url)
	}
}

// validateURL returns the URL when it is reachable, else empty. HEAD is
// tried first with a GET fallback for servers that reject HEAD.
func validateURL(ctx context.Context, logger *observability.Logger, rawURL string) string {
	logger.Info(ctx, "validating suggested URL", "url", rawURL)
	parsed, err := url.Parse(rawURL)
	if rawURL == "" || err != nil || !strings.HasPrefix(parsed.Scheme, "http") {
		return ""
	}

	client := &http.Client{Timeout: 5 * time.Second}
	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			return ""
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36")
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
		req.Header.Set("Connection", "keep-alive")

		resp, err := client.Do(req)
		if err != nil {
			return ""
		}
		resp.Body.Close()
		if resp.StatusCode < 400 || resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusTooManyRequests {
			return rawURL
		}
	}
	return ""
}

// waitForUserResume polls the control bar's mode flag once a second until
// the user resumes automation or the poll budget runs out.
func (a *NavigationAgent) waitForUserResume(ctx context.Context, page playwright.Page) bool {
	a.logger.Info(ctx, "delegated to human, user action is required to continue")
	remaining := a.cfg.App.HILPollingTimes

	for remaining > 0 {
		remaining--
		mode, err := page.Evaluate("window.surfariMode")
		if err != nil {
			if strings.Contains(err.Error(), "Execution context was destroyed") {
				a.logger.Debug(ctx, "page navigated, assuming automation should continue")
				_ = page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{State: playwright.LoadStateDomcontentloaded})
				return true
			}
			a.logger.Error(ctx, "error polling automation mode", "error", err)
			return false
		}
		if mode == nil {
			a.logger.Debug(ctx, "automation mode disappeared, assuming user has taken action")
			return true
		}
		if enabled, ok := mode.(bool); ok && enabled {
			a.logger.Debug(ctx, "automation manually re-enabled by the user")
			if err := removeControlBar(page); err != nil {
				a.logger.Warn(ctx, "failed to remove control bar", "error", err)
			}
			return true
		}

		if remaining%10 == 0 {
			a.logger.Debug(ctx, "waiting for user to take actions", "seconds_left", remaining)
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return false
		}
	}
	a.logger.Error(ctx, "timeout waiting for user to take actions")
	return false
}

var otpDigitTarget = regexp.MustCompile(`^\{_(\d+)\}$`)

// checkStepsForOTP substitutes a fetched one-time code into fill steps:
// value "OTP" takes the whole code, and {_n} targets with value "*" take
// one digit each when the boxes form a complete 1..n sequence matching the
// code length.
func (a *NavigationAgent) checkStepsForOTP(ctx context.Context, steps []map[string]any) (int, []map[string]any, error) {
	type digitStep struct{ digitIndex, stepIndex int }
	var digitSteps []digitStep
	var fullIndices []int

	for i, step := range steps {
		if action, _ := step["action"].(string); action != "fill" {
			continue
		}
		target, _ := step["target"].(string)
		value, _ := step["value"].(string)

		if value == "OTP" {
			fullIndices = append(fullIndices, i)
		} else if m := otpDigitTarget.FindStringSubmatch(target); m != nil && value == "*" {
			idx := 0
			fmt.Sscanf(m[1], "%d", &idx)
			digitSteps = append(digitSteps, digitStep{digitIndex: idx, stepIndex: i})
		}
	}
	if len(fullIndices) == 0 && len(digitSteps) == 0 {
		return 0, steps, nil
	}

	if a.opts.OTPFetcher == nil {
		return 0, steps, fmt.Errorf("no OTP fetcher configured")
	}
	code, err := a.opts.OTPFetcher.GetOTPCode(ctx, google.DefaultOTPOptions())
	if err != nil {
		return 0, steps, err
	}
	if code == "" {
		a.logger.Debug(ctx, "no OTP code fetched, unable to proceed")
		return 0, steps, nil
	}

	updated := make([]map[string]any, len(steps))
	for i, step := range steps {
		clone := make(map[string]any, len(step))
		for k, v := range step {
			clone[k] = v
		}
		updated[i] = clone
	}
	replacements := 0

	for _, idx := range fullIndices {
		updated[idx]["value"] = code
		replacements++
	}

	if len(digitSteps) > 0 {
		sort.Slice(digitSteps, func(i, j int) bool { return digitSteps[i].digitIndex < digitSteps[j].digitIndex })
		valid := len(code) == len(digitSteps)
		for i, ds := range digitSteps {
			if ds.digitIndex != i+1 {
				valid = false
				break
			}
		}
		if !valid {
			a.logger.Debug(ctx, "invalid OTP digit field sequence or length mismatch, skipping per-digit substitution")
		} else {
			for i, ds := range digitSteps {
				step := updated[ds.stepIndex]
				if step["value"] == "*" {
					step["value"] = string(code[i])
					replacements++
				}
			}
		}
	}
	return replacements, updated, nil
}

// scrollPagePerformed handles the one action that targets the page itself.
func (a *NavigationAgent) scrollPagePerformed(ctx context.Context, page playwright.Page, steps []map[string]any, reasoning string, boxDuration int) bool {
	for _, step := range steps {
		action, _ := step["action"].(string)
		target, _ := step["target"].(string)
		if action != "scroll" || target != "page" {
			continue
		}
		if a.cfg.App.ShowReasoningBox {
			a.runner.showReasoningBox(ctx, page, nil, reasoning, boxDuration)
		}
		direction, _ := step["value"].(string)
		scrolled := false
		switch direction {
		case "up":
			scrolled = a.runner.scrollMainScrollable(ctx, page, true)
		case "down":
			scrolled = a.runner.scrollMainScrollable(ctx, page, false)
		}
		result := "Scroll " + direction + " successful"
		if !scrolled {
			result = fmt.Sprintf("Warning: no more content to scroll %s.", direction)
		}
		a.chatHistory = append(a.chatHistory, llm.Message{Role: "user", Content: result})
		return true
	}
	return false
}

// handleDelegateToAgent runs a child agent on another site in a fresh tab
// of the same browser context, so cookies and sessions carry over.
func (a *NavigationAgent) handleDelegateToAgent(ctx context.Context, steps []map[string]any) {
	siteIndex := make(map[string]DelegationSite, len(a.opts.DelegationSites))
	for _, site := range a.opts.DelegationSites {
		siteIndex[strings.ToLower(strings.TrimSpace(site.SiteName))] = site
	}

	for _, step := range steps {
		target, _ := step["target"].(string)
		value, _ := step["value"].(string)

		if target == "" || value == "" {
			a.logger.Warn(ctx, "invalid delegation step, missing target or value")
			a.chatHistory = append(a.chatHistory, llm.Message{Role: "user", Content: "Invalid delegation step; missing target or value."})
			continue
		}

		site, ok := siteIndex[strings.ToLower(strings.TrimSpace(target))]
		if !ok || site.URL == "" {
			a.logger.Warn(ctx, "site not found for delegation", "target", target)
			allowed := make([]string, 0, len(siteIndex))
			for name := range siteIndex {
				if name != "" {
					allowed = append(allowed, name)
				}
			}
			sort.Strings(allowed)
			list := strings.Join(allowed, ", ")
			if list == "" {
				list = "N/A"
			}
			a.chatHistory = append(a.chatHistory, llm.Message{Role: "user",
				Content: fmt.Sprintf("Site not found for delegation: %s. It must match one of the provided sites: %s", target, list)})
			continue
		}

		a.logger.Info(ctx, "delegating", "target", target, "value", value)
		if a.opts.NewPage == nil {
			a.chatHistory = append(a.chatHistory, llm.Message{Role: "user",
				Content: fmt.Sprintf("Delegation to %s failed: no browser available for a new tab", target)})
			continue
		}
		page, err := a.opts.NewPage(ctx)
		if err != nil {
			a.logger.Error(ctx, "delegation failed to open a tab", "target", target, "error", err)
			a.chatHistory = append(a.chatHistory, llm.Message{Role: "user",
				Content: fmt.Sprintf("Delegation to %s failed: %v", target, err)})
			continue
		}

		childOpts := a.opts
		childOpts.SiteName = site.SiteName
		childOpts.URL = site.URL
		childOpts.SiteID = 0
		childOpts.Name = ""
		childOpts.Model = a.model
		childOpts.DelegationSites = nil
		child := NewNavigationAgent(ctx, a.cfg, a.logger, a.client, a.creds, childOpts)

		result, err := child.Run(ctx, page, value)
		if err != nil {
			a.logger.Error(ctx, "delegation failed", "target", target, "error", err)
			a.chatHistory = append(a.chatHistory, llm.Message{Role: "user",
				Content: fmt.Sprintf("Delegation to %s failed: %v", target, err)})
		} else {
			a.chatHistory = append(a.chatHistory, llm.Message{Role: "user",
				Content: fmt.Sprintf("Delegated to %s: %s", target, result)})
		}
		if err := page.Close(); err != nil {
			a.logger.Debug(ctx, "failed to close delegated page", "error", err)
		}
	}
}

// notifyFirstTargetNotFound restores the masked originals on the failed
// step and tells the model why the target could not be used.
func (a *NavigationAgent) notifyFirstTargetNotFound(ctx context.Context, step map[string]any) {
	origTarget, _ := step["orig_target"].(string)
	if v, ok := step["orig_value"]; ok {
		step["value"] = v
		delete(step, "orig_value")
	}
	if t, ok := step["orig_target"]; ok {
		step["target"] = t
		delete(step, "orig_target")
	}

	interactable := strings.HasPrefix(origTarget, "[") || strings.HasPrefix(origTarget, "{")
	for _, symbol := range []string{"☐", "✅", "🔘", "🟢"} {
		if strings.Contains(origTarget, symbol) {
			interactable = true
			break
		}
	}
	if !interactable {
		step["result"] = fmt.Sprintf("Error: I can not interact with %s. An interactable element must start with [ or { or is a radio button or checkbox.", origTarget)
	} else {
		step["result"] = fmt.Sprintf("Error: I can not interact with %s. Do you see the EXACT target in the page? Please double check and make sure correct [ or { are used", origTarget)
	}

	raw, _ := json.Marshal(step)
	a.chatHistory = append(a.chatHistory, llm.Message{Role: "user", Content: string(raw)})
}

// processLocatorActionResults strips locators, restores masked originals,
// truncates long results, counts errors, and feeds the outcome back to the
// model as the turn's user message.
func (a *NavigationAgent) processLocatorActionResults(ctx context.Context, steps []map[string]any) {
	for _, step := range steps {
		delete(step, "locator")

		if v, ok := step["orig_value"]; ok {
			step["value"] = v
			delete(step, "orig_value")
		} else {
			delete(step, "value")
		}
		if t, ok := step["orig_target"]; ok {
			step["target"] = t
			delete(step, "orig_target")
		} else {
			delete(step, "target")
		}

		if raw, ok := step["result"]; ok {
			result, _ := raw.(string)
			if len(result) > 200 {
				result = result[:200] + "..."
			}
			step["result"] = result
			if strings.Contains(result, "Error:") {
				a.totalErrors++
				a.logger.Error(ctx, "locator action resulted in error", "result", result, "total_errors", a.totalErrors)
			}
		}
	}
	raw, _ := json.Marshal(steps)
	a.chatHistory = append(a.chatHistory, llm.Message{Role: "user", Content: string(raw)})
}

// generateTextRepresentation distills the page into the annotated layout
// the model reads: extract, retry once if empty, arrange into layout rows,
// then mask.
func (a *NavigationAgent) generateTextRepresentation(ctx context.Context, page playwright.Page) string {
	a.logger.Debug(ctx, "extracting text representation", "site_id", a.siteID)
	secrets := a.secretsToMask(ctx)

	text, legend, err := a.extractor.GetFullText(ctx, page, secrets)
	if err != nil {
		a.logger.Error(ctx, "text extraction failed", "error", err)
	}
	if text == "" && !a.pdfDetected.Load() {
		a.logger.Debug(ctx, "empty extraction, retrying after 5 seconds", "site_id", a.siteID)
		page.WaitForTimeout(5000)
		text, legend, err = a.extractor.GetFullText(ctx, page, secrets)
		if err != nil {
			a.logger.Error(ctx, "text extraction retry failed", "error", err)
		}
	}
	a.writeDebugText(ctx, "content", text)

	duplicates := a.extractor.GetDuplicateTexts()
	legendStr := distill.FilterLegend(legend)

	if a.pdfDetected.Load() {
		a.pdfDetected.Store(false)
		if text == "" {
			text = pdfViewerPlaceholder
		} else {
			text = distill.RearrangeTexts(text, 0, 0, legendStr)
		}
	} else {
		text = distill.RearrangeTexts(text, 0, 0, legendStr)
	}
	a.writeDebugText(ctx, "layout", text)

	if a.masker != nil {
		text = a.maskText(text, duplicates)
		a.writeDebugText(ctx, "masked_layout", text)
	}
	return text
}

// writeDebugText snapshots a distillation stage for offline inspection.
func (a *NavigationAgent) writeDebugText(ctx context.Context, kind, text string) {
	name := fmt.Sprintf("site_%d_%s_%s.txt", a.siteID, a.name, kind)
	path := filepath.Join(a.cfg.DebugFilesDir(), name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		a.logger.Debug(ctx, "failed to write debug text", "path", path, "error", err)
	}
}

// setupDownloadListener saves downloads into a per-site folder and
// captures inline PDFs that Chrome renders instead of downloading.
func (a *NavigationAgent) setupDownloadListener(ctx context.Context, page playwright.Page) {
	siteFolder := filepath.Join(a.cfg.DownloadsDir(), strings.ReplaceAll(a.siteName, " ", "_"))

	page.OnDownload(func(download playwright.Download) {
		a.logger.Debug(ctx, "download started", "filename", download.SuggestedFilename())
		if err := os.MkdirAll(siteFolder, 0o755); err != nil {
			a.logger.Error(ctx, "failed to create download folder", "error", err)
			return
		}
		dest := filepath.Join(siteFolder, download.SuggestedFilename())
		if err := download.SaveAs(dest); err != nil {
			a.logger.Error(ctx, "failed to save download", "error", err)
			return
		}
		a.logger.Debug(ctx, "download saved", "path", dest)
	})

	page.OnResponse(func(response playwright.Response) {
		headers := response.Headers()
		ctype := strings.ToLower(headers["content-type"])
		dispo := strings.ToLower(headers["content-disposition"])
		if !strings.Contains(ctype, "application/pdf") || strings.Contains(dispo, "attachment") {
			return
		}
		body, err := response.Body()
		if err != nil {
			a.logger.Error(ctx, "failed to read PDF response", "url", response.URL(), "error", err)
			return
		}
		// Some servers label HTML error pages as PDF.
		if !strings.HasPrefix(string(body[:min(4, len(body))]), "%PDF") {
			a.logger.Debug(ctx, "skipping non-PDF masquerading as PDF", "url", response.URL())
			return
		}

		a.pdfDetected.Store(true)
		filename := pdfFilenameFromURL(response.URL())
		if err := os.MkdirAll(siteFolder, 0o755); err != nil {
			a.logger.Error(ctx, "failed to create download folder", "error", err)
			return
		}
		dest := filepath.Join(siteFolder, filename)
		if err := os.WriteFile(dest, body, 0o644); err != nil {
			a.logger.Error(ctx, "failed to save PDF", "url", response.URL(), "error", err)
			return
		}
		a.logger.Debug(ctx, "PDF saved", "path", dest)
	})
}

// pdfFilenameFromURL uses the URL's basename when it ends in .pdf, else a
// timestamped fallback.
func pdfFilenameFromURL(rawURL string) string {
	if strings.HasSuffix(strings.ToLower(rawURL), ".pdf") {
		if parsed, err := url.Parse(rawURL); err == nil {
			base := filepath.Base(parsed.Path)
			if unescaped, err := url.PathUnescape(base); err == nil {
				return unescaped
			}
			return base
		}
	}
	return "downloaded_" + time.Now().Format("20060102_150405") + ".pdf"
}

// setupPopupListener tracks new tabs the page opens and makes the newest
// one current, with its own listeners armed.
func (a *NavigationAgent) setupPopupListener(ctx context.Context, page playwright.Page) {
	page.OnPopup(func(popup playwright.Page) {
		a.mu.Lock()
		a.tabs = append(a.tabs, popup)
		a.currentTab = popup
		a.mu.Unlock()
		a.setupDownloadListener(ctx, popup)
		a.setupPopupListener(ctx, popup)
		a.logger.Info(ctx, "popup detected, switched to new tab", "url", popup.URL())
	})
}
