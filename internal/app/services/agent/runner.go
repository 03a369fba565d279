// Package agent runs purchasing sessions: a bounded loop in which a decision
// oracle reasons, browses the marketplace, buys data within a budget and
// rates what it bought.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/infomart/internal/app/domain/market"
	"github.com/R3E-Network/infomart/internal/app/domain/session"
	"github.com/R3E-Network/infomart/internal/app/events"
	"github.com/R3E-Network/infomart/internal/app/metrics"
	"github.com/R3E-Network/infomart/internal/app/services/budget"
	"github.com/R3E-Network/infomart/internal/app/services/feeds"
	"github.com/R3E-Network/infomart/internal/app/services/payment"
	"github.com/R3E-Network/infomart/pkg/logger"
)

// ErrNoSession is returned for sessions the runner does not know.
var ErrNoSession = errors.New("no such agent session")

// Error codes carried by session error events.
const (
	CodeCancelled = "CANCELLED"
	CodeAgent     = "AGENT_ERROR"
)

// Marketplace is the part of the marketplace service the agent uses.
type Marketplace interface {
	List(ctx context.Context) ([]market.ProductListing, error)
	GetFull(ctx context.Context, id string) (market.Product, error)
	SettleSale(ctx context.Context, productID, buyerID, receiptID string) (market.Product, error)
	Rate(ctx context.Context, productID string, rating int, reason string) (market.RatingResult, error)
}

// Config tunes the agent loop.
type Config struct {
	Budget        decimal.Decimal
	MaxIterations int
	MinDelay      time.Duration
	PayerID       string
	Network       string
	History       int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Budget:        decimal.RequireFromString("0.10"),
		MaxIterations: 8,
		MinDelay:      800 * time.Millisecond,
		PayerID:       "agent",
		Network:       payment.DefaultNetwork,
		History:       512,
	}
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Market  Marketplace
	Feeds   *feeds.Registry
	Budget  *budget.Controller
	Gateway payment.Gateway
	Oracle  Oracle
	Logger  *logger.Logger
}

// Result is the outcome of a finished session.
type Result struct {
	Session    session.Session
	Answer     string
	Iterations int
}

type run struct {
	bus        *events.Bus[session.Event]
	cancel     context.CancelFunc
	done       chan struct{}
	finishedAt time.Time
	result     Result
}

// Runner owns every agent session of the process.
type Runner struct {
	cfg     Config
	market  Marketplace
	feeds   *feeds.Registry
	budget  *budget.Controller
	gateway payment.Gateway
	oracle  Oracle
	log     *logger.Logger
	tools   map[ToolName]toolHandler

	mu      sync.Mutex
	runs    map[string]*run
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a runner.
func New(cfg Config, deps Deps) *Runner {
	def := DefaultConfig()
	if !cfg.Budget.IsPositive() {
		cfg.Budget = def.Budget
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.PayerID == "" {
		cfg.PayerID = def.PayerID
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewDefault("agent")
	}
	oracle := deps.Oracle
	if oracle == nil {
		oracle = KeywordOracle{}
	}

	baseCtx, stop := context.WithCancel(context.Background())
	r := &Runner{
		cfg:     cfg,
		market:  deps.Market,
		feeds:   deps.Feeds,
		budget:  deps.Budget,
		gateway: deps.Gateway,
		oracle:  oracle,
		log:     log,
		runs:    make(map[string]*run),
		baseCtx: baseCtx,
		stop:    stop,
	}
	r.tools = r.toolTable()
	return r
}

// Name implements system.Service.
func (r *Runner) Name() string { return "agent" }

// Start implements system.Service.
func (r *Runner) Start(context.Context) error { return nil }

// Stop cancels every running session and waits for them to wind down.
func (r *Runner) Stop(ctx context.Context) error {
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rn := range r.runs {
		rn.bus.Close()
	}
	return nil
}

// Config returns the effective configuration.
func (r *Runner) Config() Config { return r.cfg }

// Launch creates a session and runs it in the background. sessionID may be
// empty; budget defaults to the configured budget when not positive.
func (r *Runner) Launch(query, sessionID string, amount decimal.Decimal) (session.Session, error) {
	if r.baseCtx.Err() != nil {
		return session.Session{}, errors.New("agent runner is stopped")
	}
	ctx, sess, rn, err := r.open(r.baseCtx, query, sessionID, amount)
	if err != nil {
		return session.Session{}, err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer rn.cancel()
		r.execute(ctx, sess.ID, query, rn)
	}()
	return sess, nil
}

// Run creates a session and runs it to completion on the caller's goroutine.
func (r *Runner) Run(ctx context.Context, query, sessionID string, amount decimal.Decimal) (Result, error) {
	runCtx, sess, rn, err := r.open(ctx, query, sessionID, amount)
	if err != nil {
		return Result{}, err
	}
	defer rn.cancel()
	r.execute(runCtx, sess.ID, query, rn)
	return rn.result, nil
}

// open creates the session and registers its stream. The returned context is
// cancelled by Cancel.
func (r *Runner) open(parent context.Context, query, sessionID string, amount decimal.Decimal) (context.Context, session.Session, *run, error) {
	if strings.TrimSpace(query) == "" {
		return nil, session.Session{}, nil, fmt.Errorf("query is required")
	}
	if !amount.IsPositive() {
		amount = r.cfg.Budget
	}
	sess, err := r.budget.CreateWithID(parent, sessionID, amount)
	if err != nil {
		return nil, session.Session{}, nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	rn := &run{
		cancel: cancel,
		bus: events.New[session.Event](
			events.WithHistory(r.cfg.History),
			events.WithLogger(r.log),
			events.WithDropHook(func() { metrics.EventDropped("session") }),
		),
		done: make(chan struct{}),
	}
	r.mu.Lock()
	r.runs[sess.ID] = rn
	r.mu.Unlock()
	return ctx, sess, rn, nil
}

// Subscribe attaches to a session stream. Events already emitted are
// returned for replay; the subscription carries the rest.
func (r *Runner) Subscribe(sessionID string, buffer int) (*events.Subscription[session.Event], []session.Event, error) {
	r.mu.Lock()
	rn, ok := r.runs[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	sub, replay := rn.bus.SubscribeFiltered(buffer, nil, r.cfg.History)
	return sub, replay, nil
}

// Cancel stops a running session.
func (r *Runner) Cancel(sessionID string) error {
	r.mu.Lock()
	rn, ok := r.runs[sessionID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	rn.cancel()
	return nil
}

// Wait blocks until the session finishes and returns its result.
func (r *Runner) Wait(ctx context.Context, sessionID string) (Result, error) {
	r.mu.Lock()
	rn, ok := r.runs[sessionID]
	r.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	select {
	case <-rn.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return rn.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Prune drops the streams of sessions that finished before cutoff.
func (r *Runner) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rn := range r.runs {
		if rn.finishedAt.IsZero() || !rn.finishedAt.Before(cutoff) {
			continue
		}
		rn.bus.Close()
		delete(r.runs, id)
		n++
	}
	return n
}

// runState is the per-session view handed to tool handlers.
type runState struct {
	sessionID string
	bus       *events.Bus[session.Event]
	log       *logrus.Entry
}

func (st *runState) emit(evt session.Event) {
	evt.SessionID = st.sessionID
	evt.Timestamp = time.Now().UTC()
	st.bus.Publish(evt)
}

func (st *runState) logStep(step session.Step, status session.LogStatus, thought string) {
	st.log.WithFields(map[string]interface{}{
		"step":   step,
		"status": status,
	}).Debug(thought)
	st.emit(session.Event{Kind: session.EventLog, Log: &session.LogPayload{Step: step, Thought: thought, Status: status}})
}

func (st *runState) emitBudget(sess session.Session) {
	st.emit(session.Event{Kind: session.EventBudget, Budget: &session.BudgetPayload{
		Total:     sess.Budget,
		Spent:     sess.Spent,
		Remaining: sess.Remaining(),
	}})
}

// execute drives the loop and always leaves the session terminal.
func (r *Runner) execute(ctx context.Context, sessionID, query string, rn *run) {
	log := r.log.WithField("session_id", sessionID)
	st := &runState{sessionID: sessionID, bus: rn.bus, log: log}

	answer, iterations, err := r.loop(ctx, st, query)

	// Finalization must not be skipped because ctx is done.
	final := context.WithoutCancel(ctx)
	var sess session.Session
	status := "complete"
	if err != nil {
		status = "error"
		code := CodeAgent
		if ctx.Err() != nil {
			code = CodeCancelled
			status = "cancelled"
		}
		if n, relErr := r.budget.ReleaseAll(final, sessionID); relErr != nil {
			log.WithError(relErr).Warn("release reservations failed")
		} else if n > 0 {
			log.WithField("released", n).Info("released open reservations")
		}
		sess, _ = r.budget.Fail(final, sessionID, err.Error())
		st.emit(session.Event{Kind: session.EventError, Error: &session.ErrorPayload{Message: err.Error(), Code: code}})
		log.WithError(err).Warn("agent session failed")
	} else {
		sess, err = r.budget.Finalize(final, sessionID)
		if err != nil {
			log.WithError(err).Warn("finalize session failed")
		}
		st.emit(session.Event{Kind: session.EventAnswer, Answer: &session.AnswerPayload{Content: answer, Complete: true}})
	}
	if sess.ID == "" {
		sess, _ = r.budget.Get(final, sessionID)
	}

	st.logStep(session.StepFinal, session.LogComplete, fmt.Sprintf("Session complete. Spent $%s of $%s budget. %d purchases made.",
		sess.Spent.StringFixed(2), sess.Budget.StringFixed(2), len(sess.Transactions)))
	metrics.RecordSession(status, iterations)
	log.WithFields(map[string]interface{}{
		"status":     sess.Status,
		"spent":      sess.Spent.StringFixed(2),
		"iterations": iterations,
	}).Info("agent session finished")

	r.mu.Lock()
	rn.result = Result{Session: sess, Answer: answer, Iterations: iterations}
	rn.finishedAt = time.Now()
	r.mu.Unlock()
	close(rn.done)
}

func (r *Runner) loop(ctx context.Context, st *runState, query string) (string, int, error) {
	sess, err := r.budget.SetStatus(ctx, st.sessionID, session.StatusThinking)
	if err != nil {
		return "", 0, err
	}
	st.emitBudget(sess)

	listings, err := r.market.List(ctx)
	if err != nil {
		st.log.WithError(err).Warn("marketplace unavailable, continuing with vendors only")
		listings = nil
	}
	var vendors []feeds.Summary
	if r.feeds != nil {
		vendors = r.feeds.Summaries()
	}

	messages := []Message{
		{Role: RoleSystem, Content: SystemPrompt(sess.Budget, listings, vendors)},
		{Role: RoleUser, Content: query},
	}
	specs := ToolSpecs()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if r.cfg.MinDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(r.cfg.MinDelay), 1)
	}

	for iteration := 1; iteration <= r.cfg.MaxIterations; iteration++ {
		if err := limiter.Wait(ctx); err != nil {
			return "", iteration - 1, err
		}

		started := time.Now()
		decision, err := r.oracle.Decide(ctx, messages, specs)
		metrics.RecordOracleCall(time.Since(started), err)
		if err != nil {
			if ctx.Err() != nil {
				return "", iteration, ctx.Err()
			}
			return "", iteration, fmt.Errorf("decision oracle: %w", err)
		}

		messages = append(messages, Message{Role: RoleAssistant, Content: decision.Content, ToolCalls: decision.ToolCalls})
		if decision.Final() {
			return decision.Content, iteration, nil
		}

		for _, call := range decision.ToolCalls {
			result, err := r.dispatch(ctx, st, call)
			if err != nil {
				if ctx.Err() != nil {
					return "", iteration, ctx.Err()
				}
				return "", iteration, fmt.Errorf("tool %s: %w", call.Name, err)
			}
			messages = append(messages, Message{Role: RoleTool, Content: result, ToolCallID: call.ID})
		}
		if err := ctx.Err(); err != nil {
			return "", iteration, err
		}
	}

	summary, err := r.summarize(ctx, st.sessionID)
	return summary, r.cfg.MaxIterations, err
}

func (r *Runner) dispatch(ctx context.Context, st *runState, call ToolCall) (string, error) {
	handler, ok := r.tools[call.Name]
	if !ok {
		st.log.WithField("tool", call.Name).Warn("oracle requested unknown tool")
		return toolFailure("tool %q does not exist; available tools: %s", call.Name, toolNames()), nil
	}
	if len(call.Arguments) > 0 && !json.Valid(call.Arguments) {
		return toolFailure("arguments for %s are not valid JSON", call.Name), nil
	}
	return handler(ctx, st, call.Arguments)
}

func toolNames() string {
	specs := ToolSpecs()
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, string(s.Name))
	}
	return strings.Join(names, ", ")
}

// summarize builds the answer used when the iteration cap is hit.
func (r *Runner) summarize(ctx context.Context, sessionID string) (string, error) {
	sess, err := r.budget.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Reached the limit of %d reasoning steps before a final answer.", r.cfg.MaxIterations)
	if len(sess.Transactions) == 0 {
		b.WriteString(" No purchases were made.")
		return b.String(), nil
	}
	fmt.Fprintf(&b, " Purchases so far (%d, $%s of $%s):", len(sess.Transactions), sess.Spent.StringFixed(2), sess.Budget.StringFixed(2))
	for _, tx := range sess.Transactions {
		fmt.Fprintf(&b, "\n- %s from %s for $%s (receipt %s)", tx.ProductTitle, tx.SellerName, tx.Amount.StringFixed(2), tx.ReceiptID)
	}
	return b.String(), nil
}
