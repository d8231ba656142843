package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/fragments/internal/llm"
	"github.com/ashureev/fragments/internal/state"
	"github.com/ashureev/fragments/internal/stream"
	"github.com/ashureev/fragments/internal/trace"
)

// DefaultMaxIter caps agent turns per run. It is also the hard ceiling: a
// larger MaxIter is clamped to it.
const DefaultMaxIter = 15

// ErrUnknownAgent is returned when the router names an agent the network
// does not have.
var ErrUnknownAgent = errors.New("router selected unknown agent")

// NetworkState is what the router sees before each turn.
type NetworkState struct {
	Iteration int
	Summary   string
	LastAgent string
}

// Router picks the next agent, or returns ok=false to stop the run.
type Router func(NetworkState) (agent string, ok bool)

// DefaultRouter keeps selecting agent until a task summary exists.
func DefaultRouter(agent string) Router {
	return func(s NetworkState) (string, bool) {
		if s.Summary != "" {
			return "", false
		}
		return agent, true
	}
}

// Network routes turns between agents over one shared state.
type Network struct {
	Name    string
	Agents  []*Agent
	Router  Router
	MaxIter int
	Logger  *slog.Logger
}

// Output is the final state of a network run.
type Output struct {
	State      state.Snapshot
	Iterations int
	Messages   []llm.Message
}

func (n *Network) agent(name string) (*Agent, bool) {
	for _, a := range n.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// Run appends input to history and loops until the router selects no
// agent or MaxIter turns have run. A run that hits the ceiling is not an
// error; callers inspect the returned state.
func (n *Network) Run(ctx context.Context, input string, history []llm.Message, rc *RunContext) (*Output, error) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxIter := n.MaxIter
	if maxIter <= 0 || maxIter > DefaultMaxIter {
		maxIter = DefaultMaxIter
	}
	router := n.Router
	if router == nil {
		if len(n.Agents) == 0 {
			return nil, fmt.Errorf("network %s has no agents", n.Name)
		}
		router = DefaultRouter(n.Agents[0].Name)
	}

	// Any cached step before the loop means this is a retried attempt.
	hits, _ := rc.Steps.Stats()
	retried := hits > 0

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: input})
	for i, m := range history {
		rc.trace(trace.Event{
			Direction:  "inbound",
			EventType:  trace.EventHistory,
			ContentRaw: m.Content,
			Meta:       replayMeta(map[string]any{"role": string(m.Role), "index": i}, retried),
		})
	}
	rc.trace(trace.Event{
		Direction:  "inbound",
		EventType:  trace.EventUserMessage,
		ContentRaw: input,
		Meta:       replayMeta(nil, retried),
	})

	var (
		iteration int
		last      string
	)
	for iteration < maxIter {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, ok := router(NetworkState{Iteration: iteration, Summary: rc.State.Summary(), LastAgent: last})
		if !ok {
			break
		}
		a, found := n.agent(name)
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
		}

		rc.Events.Emit(stream.Event{Type: stream.EventAgentTurn, Agent: name, Iteration: iteration + 1})
		result, err := a.Run(ctx, messages, rc)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", iteration+1, err)
		}
		messages = append(messages, result.Messages...)
		iteration++
		last = name
	}

	snap := rc.State.Snapshot()
	if snap.Summary == "" {
		logger.Warn("Network stopped without a task summary",
			"network", n.Name,
			"invocation_id", rc.Steps.InvocationID(),
			"iterations", iteration)
	} else {
		logger.Info("Network completed",
			"network", n.Name,
			"invocation_id", rc.Steps.InvocationID(),
			"iterations", iteration,
			"files", len(snap.Files))
	}
	return &Output{State: snap, Iterations: iteration, Messages: messages}, nil
}
