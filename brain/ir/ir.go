// Package ir defines the Brain IR: the immutable description of a pipeline
// as an ordered list of typed blocks. A Brain, once constructed, is never
// mutated by the runner; blocks carry no mutable state of their own.
package ir

import "context"

// Brain is the immutable pipeline definition executed by the runner.
type Brain struct {
	Title       string
	Description string
	Blocks      []Block
	Meta        Meta
}

// Meta carries brain-level declarations that are not part of the block
// sequence itself.
type Meta struct {
	Tools         map[string]Tool
	Components    map[string]any
	Memory        any
	DefaultClient ObjectGenerator
}

// Block is a tagged variant of the brain IR: Step, Agent, BatchPrompt,
// Guard, Wait, or SubBrain. The set is closed; callers never define new
// implementations of Block outside this package.
type Block interface {
	BlockTitle() string
	isBlock()
}

// StepContext is the set of arguments a Step action receives, mirroring
// spec.md's "(state, options, client, resources, response?, page?, env,
// services)" signature.
type StepContext struct {
	State     any
	Options   any
	Client    ObjectGenerator
	Resources Resources
	Response  any // set only when resuming a step that parked on a waitFor
	Page      Pages
	Env       Env
	Services  map[string]any
}

// StepResult is what a Step action returns: either a new state, or a
// waitFor registration that coerces the run into the waiting state.
type StepResult struct {
	State   any
	WaitFor []WebhookRegistration
}

// StepAction is the function a Step block executes.
type StepAction func(ctx context.Context, sc StepContext) (StepResult, error)

// Step executes a single action and folds its result into run state via a
// computed JSON Patch, or suspends the run on a waitFor result.
type Step struct {
	Title  string
	Action StepAction
}

func (s Step) BlockTitle() string { return s.Title }
func (Step) isBlock()             {}

// AgentConfig is what an Agent block's ConfigFn yields: the LLM call shape
// plus the tool set and iteration/token budget for the agent sub-loop.
type AgentConfig struct {
	System        string
	Prompt        string
	Tools         map[string]Tool
	MaxIterations int
	MaxTokens     int
	OutputSchema  *OutputSchema
}

// OutputSchema names the JSON Schema an agent's terminal tool input (or a
// BatchPrompt item) must conform to, and the key under which it is merged
// into run state.
type OutputSchema struct {
	Name   string
	Schema map[string]any
}

// AgentConfigFn computes an Agent block's configuration from the run's
// current state and options. The agent loop calls it once per Agent block
// entry (not per iteration); the tool-dispatch activity calls it again for
// every non-terminal tool call to resolve that tool's Execute.
type AgentConfigFn func(state any, options any) (AgentConfig, error)

// Agent runs an LLM tool-calling loop until a terminal tool is invoked or
// the loop exhausts maxIterations/maxTokens. The runner auto-injects a
// "done" terminal tool into every Agent block's tool set (see InjectDoneTool).
type Agent struct {
	Title    string
	ConfigFn AgentConfigFn
}

func (a Agent) BlockTitle() string { return a.Title }
func (Agent) isBlock()             {}

// BackoffKind is the closed set of retry backoff strategies for a
// BatchPrompt's per-item retry policy.
type BackoffKind string

const (
	BackoffNone        BackoffKind = "none"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy governs per-item retry for a BatchPrompt.
type RetryPolicy struct {
	MaxRetries   int
	Backoff      BackoffKind
	InitialDelay int64 // milliseconds
	MaxDelay     int64 // milliseconds
}

// ErrorPolicyKind is the closed set of outcomes for a BatchPrompt item that
// exhausts its retry budget.
type ErrorPolicyKind string

const (
	ErrorPolicySkip   ErrorPolicyKind = "skip"
	ErrorPolicyNull   ErrorPolicyKind = "null"
	ErrorPolicyAbort  ErrorPolicyKind = "abort"
	ErrorPolicyCustom ErrorPolicyKind = "custom"
)

// ErrorPolicy is what happens to a BatchPrompt item once its retry budget is
// exhausted. Custom is only consulted when Kind == ErrorPolicyCustom.
type ErrorPolicy struct {
	Kind   ErrorPolicyKind
	Custom func(item any, err error) (any, error)
}

// BatchPromptTemplate renders the generateObject prompt for one item.
type BatchPromptTemplate func(item any) (string, error)

// OverFunc selects the items a BatchPrompt fans out across, computed from
// the run's current state.
type OverFunc func(state any) ([]any, error)

// BatchPrompt fans a generateObject call out across Over(state), merging
// results under SchemaName with bounded concurrency (ChunkSize) and
// per-item retry/errorPolicy.
type BatchPrompt struct {
	Title      string
	Over       OverFunc
	Template   BatchPromptTemplate
	Schema     map[string]any
	SchemaName string
	ChunkSize  int // 0 means sequential (chunk size 1)
	Retry      *RetryPolicy
	ErrorPolicy ErrorPolicy
}

func (b BatchPrompt) BlockTitle() string { return b.Title }
func (BatchPrompt) isBlock()             {}

// GuardPredicate decides whether the run should continue past a Guard
// block. A false result ends the run successfully at this point.
type GuardPredicate func(state any, options any) bool

// Guard terminates the run successfully (no further blocks execute) when
// Predicate returns false.
type Guard struct {
	Title     string
	Predicate GuardPredicate
}

func (g Guard) BlockTitle() string {
	if g.Title != "" {
		return g.Title
	}
	return "guard"
}
func (Guard) isBlock() {}

// WaitAction computes the webhook registration(s) an explicit Wait block
// suspends on.
type WaitAction func(ctx context.Context, sc StepContext) ([]WebhookRegistration, error)

// Wait unconditionally suspends the run on one or more webhook
// registrations, without first calling an action that mutates state.
type Wait struct {
	Title  string
	Action WaitAction
}

func (w Wait) BlockTitle() string {
	if w.Title != "" {
		return w.Title
	}
	return "wait"
}
func (Wait) isBlock() {}

// InitialStateFn projects the outer run's state into the inner brain's
// initial state.
type InitialStateFn func(outerState any) (any, error)

// FoldFn merges an inner brain's final state back into the outer run's
// state once the sub-brain completes.
type FoldFn func(outer any, innerFinal any) (any, error)

// SubBrain runs Inner to completion as a nested run, seeding its state via
// InitialState and folding its result back via Fold.
type SubBrain struct {
	Title        string
	Inner        *Brain
	InitialState InitialStateFn
	Fold         FoldFn
}

func (s SubBrain) BlockTitle() string { return s.Title }
func (SubBrain) isBlock()             {}
