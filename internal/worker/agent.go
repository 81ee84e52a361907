package worker

import (
	"context"
	"sync"

	"github.com/cuongbtq/agent-jobs/internal/jobs"
)

// EchoAgentID is the built-in agent that answers with the job message
const EchoAgentID = "echo"

// Agent performs the work for one job
type Agent interface {
	Run(ctx context.Context, job *jobs.Record) (*jobs.Result, error)
}

// AgentFunc adapts a function to the Agent interface
type AgentFunc func(ctx context.Context, job *jobs.Record) (*jobs.Result, error)

func (f AgentFunc) Run(ctx context.Context, job *jobs.Record) (*jobs.Result, error) {
	return f(ctx, job)
}

// Registry maps agent ids to implementations
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates a registry with the echo agent installed
func NewRegistry() *Registry {
	r := &Registry{agents: make(map[string]Agent)}
	r.Register(EchoAgentID, AgentFunc(echo))
	return r
}

// Register installs or replaces an agent
func (r *Registry) Register(id string, agent Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[id] = agent
}

// Resolve picks the agent for a job: its own agent id first, then the
// preferred agent. It returns the id that matched.
func (r *Registry) Resolve(agentID, preferred string) (Agent, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range []string{agentID, preferred} {
		if id == "" {
			continue
		}
		if agent, ok := r.agents[id]; ok {
			return agent, id, true
		}
	}
	return nil, "", false
}

func echo(ctx context.Context, job *jobs.Record) (*jobs.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &jobs.Result{
		PrimaryResponse:        jobs.MustOpaque(job.Message),
		CollaborationResponses: []jobs.Opaque{},
	}, nil
}
