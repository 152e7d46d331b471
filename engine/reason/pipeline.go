// Package reason implements the bounded-retry reasoning state machine.
// A request enters at context retrieval, flows through response generation,
// and loops through the error handler at most MaxRetries times. The machine
// always terminates with a response: either the model's reply or a fixed
// apology. The two terminal failure kinds are surfaced as typed errors so
// transports can decide between "processed, do not redeliver" and
// "crashed, redeliver".
package reason

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// MaxRetries bounds the number of failed attempts before the machine gives up.
const MaxRetries = 3

const fallbackResponse = "No response generated."

const systemPromptPrefix = "You are Penrose, an analytical reasoning assistant. " +
	"Use the following conversation context to inform your reply.\n\nContext:\n"

// Node names. The empty string is the terminal marker.
const (
	nodeRetrieve = "retrieve_context"
	nodeGenerate = "generate_response"
	nodeError    = "error_handler"
	nodeEnd      = ""
)

// Memory is the slice of the dual-store memory the machine depends on.
type Memory interface {
	Search(ctx context.Context, userID, query string) ([]string, error)
	Save(ctx context.Context, userID, role, content string) error
}

// Chatter maps a prompt message list to a reply.
type Chatter interface {
	Chat(ctx context.Context, msgs []Message) (string, error)
}

type nodeFunc func(context.Context, *State)

type routerFunc func(*State) string

// Pipeline runs the state machine. It owns nothing durable: every Invoke
// builds a fresh State, so one Pipeline is safe for concurrent use as long
// as its Memory and Chatter are.
type Pipeline struct {
	memory  Memory
	llm     Chatter
	logger  *slog.Logger
	nodes   map[string]nodeFunc
	routers map[string]routerFunc

	// onContext, when set, observes the number of retrieved context chunks.
	onContext func(context.Context, int)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithContextObserver registers a callback invoked with the retrieved
// context size on every successful retrieval.
func WithContextObserver(f func(context.Context, int)) Option {
	return func(p *Pipeline) { p.onContext = f }
}

// New assembles the machine: three nodes keyed by name, three pure routers.
func New(memory Memory, llm Chatter, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		memory: memory,
		llm:    llm,
		logger: logger,
	}
	p.nodes = map[string]nodeFunc{
		nodeRetrieve: p.retrieveContext,
		nodeGenerate: p.generateResponse,
		nodeError:    p.errorHandler,
	}
	p.routers = map[string]routerFunc{
		nodeRetrieve: routeAfterRetrieve,
		nodeGenerate: routeAfterGenerate,
		nodeError:    routeAfterError,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// --- Nodes ---

// retrieveContext fills State.Context from semantic memory. It never fails
// the machine: a search error empties the context and bumps ErrorCount so
// routing sends the state through the error handler.
func (p *Pipeline) retrieveContext(ctx context.Context, st *State) {
	hits, err := p.memory.Search(ctx, st.UserID, st.lastMessage().Content)
	if err != nil {
		p.logger.Warn("context retrieval failed", "user_id", st.UserID, "err", err)
		st.Context = []string{}
		st.ErrorCount++
		return
	}
	st.Context = hits
	if p.onContext != nil {
		p.onContext(ctx, len(hits))
	}
}

// generateResponse builds the prompt and calls the model. On failure it
// leaves HasResponse unset; the router takes it from there.
func (p *Pipeline) generateResponse(ctx context.Context, st *State) {
	contextText := "No prior context."
	if len(st.Context) > 0 {
		contextText = strings.Join(st.Context, "\n")
	}

	prompt := make([]Message, 0, len(st.Messages)+1)
	prompt = append(prompt, Message{Role: RoleSystem, Content: systemPromptPrefix + contextText})
	prompt = append(prompt, st.Messages...)

	text, err := p.llm.Chat(ctx, prompt)
	if err != nil {
		p.logger.Warn("generation failed", "user_id", st.UserID, "attempt", st.ErrorCount+1, "err", err)
		return
	}

	st.setResponse(text)
	st.ErrorCount = 0
	st.IsError = false
}

// errorHandler counts the failed attempt. While retries remain it clears
// IsError so routing can dispatch another generation attempt; once exhausted
// it writes the apology and marks the terminal graceful failure.
func (p *Pipeline) errorHandler(_ context.Context, st *State) {
	st.ErrorCount++
	if st.ErrorCount < MaxRetries {
		st.IsError = false
		return
	}
	st.setResponse(fmt.Sprintf(
		"I'm unable to process your request at the moment (retried %d times). Please try again later.",
		MaxRetries,
	))
	st.IsError = true
}

// --- Routers (pure functions of state) ---

func routeAfterRetrieve(st *State) string {
	if st.ErrorCount > 0 {
		return nodeError
	}
	return nodeGenerate
}

func routeAfterGenerate(st *State) string {
	if st.HasResponse {
		return nodeEnd
	}
	return nodeError
}

func routeAfterError(st *State) string {
	if st.ErrorCount < MaxRetries && !st.HasResponse {
		return nodeGenerate
	}
	return nodeEnd
}

// run drives the machine from entry to terminal. Panics in node code are
// recovered and returned so Invoke can wrap them.
func (p *Pipeline) run(ctx context.Context, st *State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node panicked: %v", r)
		}
	}()

	for cur := nodeRetrieve; cur != nodeEnd; {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		p.nodes[cur](ctx, st)
		cur = p.routers[cur](st)
	}
	return nil
}

// Invoke runs the machine for one (userID, text) request and persists both
// turns afterwards. Persistence is best-effort: a failed save is logged and
// never changes the outcome seen by the caller.
//
// The returned error is nil on success, *GracefulError when retries were
// exhausted (the apology is both the error message and the saved ai turn),
// or *UnhandledError when something escaped the machine entirely.
func (p *Pipeline) Invoke(ctx context.Context, userID, text string) (string, error) {
	st := newState(userID, text)

	if err := p.run(ctx, st); err != nil {
		return "", &UnhandledError{Err: err}
	}

	response := st.FinalResponse
	if !st.HasResponse || response == "" {
		response = fallbackResponse
	}

	// Human turn first, then ai: the ordered history depends on it.
	if err := p.memory.Save(ctx, userID, RoleHuman, text); err != nil {
		p.logger.Warn("memory save failed", "user_id", userID, "role", RoleHuman, "err", err)
	} else if err := p.memory.Save(ctx, userID, RoleAI, response); err != nil {
		p.logger.Warn("memory save failed", "user_id", userID, "role", RoleAI, "err", err)
	}

	if st.IsError {
		return "", &GracefulError{Message: response}
	}
	return response, nil
}
