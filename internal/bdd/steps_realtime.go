package bdd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chirino/chat-service/internal/chatclient"
	"github.com/chirino/chat-service/internal/realtime"
	"github.com/chirino/chat-service/internal/testutil/cucumber"
	"github.com/cucumber/godog"
	"github.com/google/uuid"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		r := &realtimeSteps{s: s, conns: map[string]*chatclient.Conn{}}
		ctx.Step(`^"([^"]*)" is connected to realtime$`, r.isConnected)
		ctx.Step(`^"([^"]*)" joins conversation \${([^}]*)}$`, r.joins)
		ctx.Step(`^"([^"]*)" leaves conversation \${([^}]*)}$`, r.leaves)
		ctx.Step(`^"([^"]*)" joining conversation \${([^}]*)} should fail with "([^"]*)"$`, r.joiningShouldFail)
		ctx.Step(`^"([^"]*)" should receive a "([^"]*)" event within (\d+) seconds?$`, r.shouldReceive)
		ctx.Step(`^"([^"]*)" should not receive a "([^"]*)" event within (\d+) seconds?$`, r.shouldNotReceive)
	})
}

// realtimeSteps drive websocket sessions through the client SDK. The data of
// the last matched event is stored as ${event}.
type realtimeSteps struct {
	s     *cucumber.TestScenario
	conns map[string]*chatclient.Conn
}

func (r *realtimeSteps) conn(user string) (*chatclient.Conn, error) {
	conn := r.conns[user]
	if conn == nil {
		return nil, fmt.Errorf("%s is not connected to realtime", user)
	}
	return conn, nil
}

func (r *realtimeSteps) isConnected(user string) error {
	ctx, cancel := context.WithCancel(context.Background())
	client := chatclient.New(r.s.Suite.APIURL, r.s.UserNamed(user).Subject, user)
	conn, err := client.Connect(ctx)
	if err != nil {
		cancel()
		return err
	}
	r.conns[user] = conn
	r.s.Cleanups = append(r.s.Cleanups, func() {
		_ = conn.Close()
		cancel()
	})
	// The server registers the session after the upgrade completes. A leave
	// round trip proves registration before the scenario publishes anything.
	if err := conn.Leave(uuid.Nil); err != nil {
		return err
	}
	return r.shouldReceive(user, realtime.EventLeft, 5)
}

func (r *realtimeSteps) conversationID(name string) (uuid.UUID, error) {
	raw, err := r.s.ResolveString(name)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(raw)
}

func (r *realtimeSteps) joins(user, conversation string) error {
	conn, err := r.conn(user)
	if err != nil {
		return err
	}
	id, err := r.conversationID(conversation)
	if err != nil {
		return err
	}
	if err := conn.Join(id); err != nil {
		return err
	}
	return r.shouldReceive(user, realtime.EventJoined, 5)
}

func (r *realtimeSteps) leaves(user, conversation string) error {
	conn, err := r.conn(user)
	if err != nil {
		return err
	}
	id, err := r.conversationID(conversation)
	if err != nil {
		return err
	}
	if err := conn.Leave(id); err != nil {
		return err
	}
	return r.shouldReceive(user, realtime.EventLeft, 5)
}

func (r *realtimeSteps) joiningShouldFail(user, conversation, code string) error {
	conn, err := r.conn(user)
	if err != nil {
		return err
	}
	id, err := r.conversationID(conversation)
	if err != nil {
		return err
	}
	if err := conn.Join(id); err != nil {
		return err
	}
	ev, err := r.next(conn, 5*time.Second, realtime.EventJoined, realtime.EventError)
	if err != nil {
		return err
	}
	if ev == nil {
		return fmt.Errorf("no reply to join within 5 seconds")
	}
	if ev.Type != realtime.EventError {
		return fmt.Errorf("expected join to fail with %s, got %s", code, ev.Type)
	}
	var payload realtime.ErrorPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return err
	}
	if payload.Code != code {
		return fmt.Errorf("expected error code %s, got %s: %s", code, payload.Code, payload.Message)
	}
	return nil
}

// next returns the first event of one of the given types, discarding others.
func (r *realtimeSteps) next(conn *chatclient.Conn, timeout time.Duration, types ...string) (*realtime.Event, error) {
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				return nil, fmt.Errorf("realtime connection closed")
			}
			for _, t := range types {
				if ev.Type == t {
					return &ev, nil
				}
			}
		case <-deadline:
			return nil, nil
		}
	}
}

func (r *realtimeSteps) shouldReceive(user, eventType string, seconds int) error {
	conn, err := r.conn(user)
	if err != nil {
		return err
	}
	ev, err := r.next(conn, time.Duration(seconds)*time.Second, eventType)
	if err != nil {
		return err
	}
	if ev == nil {
		return fmt.Errorf("%s did not receive a %s event within %d seconds", user, eventType, seconds)
	}
	var data interface{}
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return err
		}
	}
	r.s.Variables["event"] = data
	return nil
}

func (r *realtimeSteps) shouldNotReceive(user, eventType string, seconds int) error {
	conn, err := r.conn(user)
	if err != nil {
		return err
	}
	ev, err := r.next(conn, time.Duration(seconds)*time.Second, eventType)
	if err != nil {
		return err
	}
	if ev != nil {
		return fmt.Errorf("%s received an unexpected %s event: %s", user, eventType, ev.Data)
	}
	return nil
}
