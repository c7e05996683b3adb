package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
)

func TestExtractSQL(t *testing.T) {
	tests := []struct {
		name, text, want string
	}{
		{"sql fence", "Here you go:\n```sql\nSELECT a FROM t\n```\nDone.", "SELECT a FROM t"},
		{"generic fence", "```\nselect count(*) from orders\n```", "select count(*) from orders"},
		{"bare select", "The answer is 4.\nSELECT COUNT(*)\nFROM orders", "SELECT COUNT(*)\nFROM orders"},
		{"with clause", "```\nWITH x AS (SELECT 1) SELECT * FROM x```", "WITH x AS (SELECT 1) SELECT * FROM x"},
		{"none", "There are 4 orders.", ""},
		{"fence without sql", "```\nprint(1)\n```", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractSQL(tt.text))
		})
	}
}

func TestParseReplyPrefersResponseText(t *testing.T) {
	r := ParseReply("```sql\nSELECT b FROM t\n```", "SELECT a FROM t")
	assert.Equal(t, "SELECT b FROM t", r.Artifact)

	r = ParseReply("There are 3 rows.", "I will run:\nSELECT a FROM t")
	assert.Equal(t, "SELECT a FROM t", r.Artifact)
}

func TestHardCaseError(t *testing.T) {
	err := error(&HardCaseError{CaseID: "c1", Repeat: 2, Err: fmt.Errorf("call: %w", context.DeadlineExceeded)})
	var hc *HardCaseError
	require.True(t, errors.As(err, &hc))
	assert.True(t, hc.Timeout())
	assert.Contains(t, err.Error(), "case c1 repeat 2")
}

// #region runtime-fixture
type runtimeServer interface {
	Query(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Deploy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Update(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type fakeRuntime struct {
	mu      sync.Mutex
	queries []*structpb.Struct
	updated string
}

func (f *fakeRuntime) Query(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f.mu.Lock()
	f.queries = append(f.queries, in)
	f.mu.Unlock()
	q := in.GetFields()["question"].GetStringValue()
	if q == DefaultFollowUp {
		return structpb.NewStruct(map[string]any{"text": "```sql\nSELECT COUNT(*) FROM orders\n```"})
	}
	return structpb.NewStruct(map[string]any{"text": "There are 12 orders.", "session_id": "s-1"})
}

func (f *fakeRuntime) Deploy(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"agent_id": "agent-42"})
}

func (f *fakeRuntime) Update(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f.mu.Lock()
	f.updated = in.GetFields()["configuration"].GetStructValue().GetFields()["generation_instructions"].GetStringValue()
	f.mu.Unlock()
	return &structpb.Struct{}, nil
}

func unary(name string, call func(runtimeServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			return call(srv.(runtimeServer), ctx, in)
		},
	}
}

var runtimeDesc = grpc.ServiceDesc{
	ServiceName: "querytune.v1.Agent",
	HandlerType: (*runtimeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Query", runtimeServer.Query),
		unary("Deploy", runtimeServer.Deploy),
		unary("Update", runtimeServer.Update),
	},
}

func dialRuntime(t *testing.T, impl runtimeServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&runtimeDesc, impl)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// #endregion runtime-fixture

func TestGRPCAgentDeployQueryFollowUp(t *testing.T) {
	rt := &fakeRuntime{}
	a := NewGRPCAgentWithConn(dialRuntime(t, rt), "")
	cfg := agentcfg.Configuration{VersionID: "v1", GenerationInstructions: "Use SQL."}

	id, err := a.Deploy(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "agent-42", id)
	assert.Equal(t, "agent-42", a.AgentID())

	resp, err := a.Query(context.Background(), cfg, "How many orders?")
	require.NoError(t, err)
	assert.Equal(t, "There are 12 orders.", resp.Text)
	assert.Equal(t, "SELECT COUNT(*) FROM orders", resp.Artifact)

	require.Len(t, rt.queries, 2)
	second := rt.queries[1].GetFields()
	assert.Equal(t, "s-1", second["session_id"].GetStringValue())
	assert.Equal(t, "agent-42", second["agent_id"].GetStringValue())
	assert.Equal(t, "v1", second["version_id"].GetStringValue())

	next, err := cfg.Apply(agentcfg.FieldChange{Field: agentcfg.FieldGenerationInstructions, Text: "Use DISTINCT."})
	require.NoError(t, err)
	require.NoError(t, a.Update(context.Background(), id, next))
	assert.Equal(t, "Use DISTINCT.", rt.updated)
}

func TestGRPCAgentFollowUpDisabled(t *testing.T) {
	rt := &fakeRuntime{}
	a := NewGRPCAgentWithConn(dialRuntime(t, rt), "agent-1")
	a.SetFollowUp("")

	resp, err := a.Query(context.Background(), agentcfg.Configuration{GenerationInstructions: "x"}, "How many orders?")
	require.NoError(t, err)
	assert.Empty(t, resp.Artifact)
	assert.Len(t, rt.queries, 1)
}
