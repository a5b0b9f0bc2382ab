package gateway_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agenthost/internal/agent"
	"github.com/basket/agenthost/internal/bus"
)

type wsEvent struct {
	Seq     uint64         `json:"seq"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
}

func connectWS(t *testing.T, serverURL, query, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	dialOpts := &websocket.DialOptions{}
	if token != "" {
		dialOpts.HTTPHeader = http.Header{
			"Authorization": []string{"Bearer " + token},
		}
	}
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(serverURL, "http")+"/ws"+query, dialOpts)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "test done")
	})
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wsEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var ev wsEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestStream_ForwardsMatchingTopics(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := connectWS(t, env.url, "?topic=agent.", gatewayTestAuthToken)

	env.bus.Publish(bus.TopicTaskCreated, bus.TaskEvent{TaskID: "t1", Name: "HEARTBEAT"})
	env.bus.Publish(bus.TopicAgentStarted, bus.AgentEvent{AgentID: "a1", Status: agent.StatusActive})

	ev := readEvent(t, conn)
	if ev.Topic != bus.TopicAgentStarted {
		t.Fatalf("topic = %q, want %q", ev.Topic, bus.TopicAgentStarted)
	}
	if ev.Payload["agentId"] != "a1" || ev.Payload["status"] != agent.StatusActive {
		t.Fatalf("payload = %v", ev.Payload)
	}
}

func TestStream_LifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := connectWS(t, env.url, "?topic=agent.", gatewayTestAuthToken)

	if resp := env.api(t, http.MethodPost, "/api/agents", eli5("sk")); resp.status != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.status, resp.body)
	}
	if ev := readEvent(t, conn); ev.Topic != bus.TopicAgentCreated {
		t.Fatalf("first event = %q", ev.Topic)
	}
	if resp := env.api(t, http.MethodPost, "/api/agents/"+agent.AgentID("Eli5")+"/start", nil); resp.status != http.StatusOK {
		t.Fatalf("start: %d %s", resp.status, resp.body)
	}
	if ev := readEvent(t, conn); ev.Topic != bus.TopicAgentStarted {
		t.Fatalf("second event = %q", ev.Topic)
	}
}

func TestStream_RequiresAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(env.url, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v, want 401", resp)
	}

	// Browsers pass the key as a query parameter.
	conn := connectWS(t, env.url, "?api_key="+gatewayTestAuthToken, "")
	env.bus.Publish(bus.TopicConfigReloaded, map[string]string{"fingerprint": "cfg-1"})
	if ev := readEvent(t, conn); ev.Topic != bus.TopicConfigReloaded {
		t.Fatalf("topic = %q", ev.Topic)
	}
}

func TestStream_CloseStreamsEndsConnections(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := connectWS(t, env.url, "", gatewayTestAuthToken)

	env.gw.CloseStreams()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var ev wsEvent
	err := wsjson.Read(ctx, conn, &ev)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("read after CloseStreams: %v, want going away", err)
	}
}
