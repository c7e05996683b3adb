package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
)

// RPC names served by the agent runtime sidecar.
const (
	QueryMethod  = "/querytune.v1.Agent/Query"
	DeployMethod = "/querytune.v1.Agent/Deploy"
	UpdateMethod = "/querytune.v1.Agent/Update"
)

// DefaultFollowUp asks the agent for its SQL when the first reply hid it.
const DefaultFollowUp = "What was the SQL query used to answer that? Reply with the SQL only."

// #region client-struct
// GRPCAgent drives an agent runtime over gRPC using Struct messages. It
// implements both QueryAgent and Deployer.
type GRPCAgent struct {
	conn     *grpc.ClientConn
	cc       grpc.ClientConnInterface
	followUp string

	mu      sync.RWMutex
	agentID string
}

// NewGRPCAgent connects to the runtime at addr. agentID may be empty until Deploy.
func NewGRPCAgent(addr, agentID string) (*GRPCAgent, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCAgent{conn: conn, cc: conn, agentID: agentID, followUp: DefaultFollowUp}, nil
}

// NewGRPCAgentWithConn wraps an existing connection. Used for testing.
func NewGRPCAgentWithConn(cc grpc.ClientConnInterface, agentID string) *GRPCAgent {
	return &GRPCAgent{cc: cc, agentID: agentID, followUp: DefaultFollowUp}
}

// SetFollowUp changes the follow-up question; empty disables it.
func (a *GRPCAgent) SetFollowUp(q string) { a.followUp = q }

// AgentID returns the deployed agent identifier.
func (a *GRPCAgent) AgentID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.agentID
}

// Close shuts down the connection if owned.
func (a *GRPCAgent) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

// #endregion client-struct

// #region query
// Query asks one question. When the reply carries no SQL it asks the
// follow-up question in the same session.
func (a *GRPCAgent) Query(ctx context.Context, cfg agentcfg.Configuration, question string) (Response, error) {
	resp, err := a.ask(ctx, cfg, question, "")
	if err != nil {
		return Response{}, err
	}
	if resp.Artifact != "" || a.followUp == "" {
		return resp, nil
	}

	follow, err := a.ask(ctx, cfg, a.followUp, resp.SessionID)
	if err != nil {
		return resp, nil
	}
	resp.Artifact = follow.Artifact
	return resp, nil
}

func (a *GRPCAgent) ask(ctx context.Context, cfg agentcfg.Configuration, question, session string) (Response, error) {
	cfgStruct, err := configStruct(cfg)
	if err != nil {
		return Response{}, err
	}
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"agent_id":      structpb.NewStringValue(a.AgentID()),
		"version_id":    structpb.NewStringValue(cfg.VersionID),
		"question":      structpb.NewStringValue(question),
		"session_id":    structpb.NewStringValue(session),
		"configuration": structpb.NewStructValue(cfgStruct),
	}}
	out := &structpb.Struct{}
	if err := a.cc.Invoke(ctx, QueryMethod, in, out); err != nil {
		return Response{}, fmt.Errorf("agent query: %w", err)
	}
	f := out.GetFields()
	if msg := f["error"].GetStringValue(); msg != "" {
		return Response{}, fmt.Errorf("agent query: %s", msg)
	}
	r := ParseReply(f["text"].GetStringValue(), f["thoughts"].GetStringValue())
	if sql := f["sql"].GetStringValue(); sql != "" {
		r.Artifact = sql
	}
	r.SessionID = f["session_id"].GetStringValue()
	return r, nil
}

// #endregion query

// #region deploy
// Deploy creates an agent from cfg and remembers its identifier.
func (a *GRPCAgent) Deploy(ctx context.Context, cfg agentcfg.Configuration) (string, error) {
	cfgStruct, err := configStruct(cfg)
	if err != nil {
		return "", err
	}
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"configuration": structpb.NewStructValue(cfgStruct),
	}}
	out := &structpb.Struct{}
	if err := a.cc.Invoke(ctx, DeployMethod, in, out); err != nil {
		return "", fmt.Errorf("agent deploy: %w", err)
	}
	id := out.GetFields()["agent_id"].GetStringValue()
	if id == "" {
		return "", fmt.Errorf("agent deploy: runtime returned no agent_id")
	}
	a.mu.Lock()
	a.agentID = id
	a.mu.Unlock()
	return id, nil
}

// Update replaces the configuration of an existing agent.
func (a *GRPCAgent) Update(ctx context.Context, agentID string, cfg agentcfg.Configuration) error {
	cfgStruct, err := configStruct(cfg)
	if err != nil {
		return err
	}
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"agent_id":      structpb.NewStringValue(agentID),
		"configuration": structpb.NewStructValue(cfgStruct),
	}}
	out := &structpb.Struct{}
	if err := a.cc.Invoke(ctx, UpdateMethod, in, out); err != nil {
		return fmt.Errorf("agent update: %w", err)
	}
	if msg := out.GetFields()["error"].GetStringValue(); msg != "" {
		return fmt.Errorf("agent update: %s", msg)
	}
	return nil
}

// #endregion deploy

// #region helpers
func configStruct(cfg agentcfg.Configuration) (*structpb.Struct, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal configuration: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	return s, nil
}

// #endregion helpers
