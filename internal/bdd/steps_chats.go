package bdd

import (
	"fmt"
	"net/http"

	"github.com/chirino/chat-service/internal/testutil/cucumber"
	"github.com/cucumber/godog"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		c := &chatSteps{s: s}
		ctx.Step(`^"([^"]*)" started a conversation with "([^"]*)" stored as \${([^}]*)}$`, c.startedAConversation)
		ctx.Step(`^"([^"]*)" sent "([^"]*)" with client token "([^"]*)" in \${([^}]*)}$`, c.sentMessage)
		ctx.Step(`^"([^"]*)" sent "([^"]*)" with client token "([^"]*)" in \${([^}]*)} stored as \${([^}]*)}$`, c.sentMessageStoredAs)
		ctx.Step(`^"([^"]*)" has blocked "([^"]*)"$`, c.hasBlocked)
		ctx.Step(`^the unread count of "([^"]*)" in \${([^}]*)} should be (\d+)$`, c.theUnreadCountShouldBe)
		ctx.Step(`^the messages of \${([^}]*)} as seen by "([^"]*)" should be:$`, c.theMessagesShouldBe)
	})
}

// chatSteps are shorthands for setup and cross-user checks. Each runs as the
// named user and leaves the scenario's current user unchanged.
type chatSteps struct {
	s *cucumber.TestScenario
}

func (c *chatSteps) as(user string, fn func() error) error {
	prev := c.s.CurrentUser
	c.s.UserNamed(user)
	c.s.CurrentUser = user
	defer func() { c.s.CurrentUser = prev }()
	return fn()
}

func (c *chatSteps) call(method, path, body string, want ...int) error {
	var doc *godog.DocString
	if body != "" {
		doc = &godog.DocString{Content: body}
	}
	if err := c.s.SendHTTPRequestWithJSONBody(method, path, doc); err != nil {
		return err
	}
	session := c.s.Session()
	for _, code := range want {
		if session.Resp.StatusCode == code {
			return nil
		}
	}
	return fmt.Errorf("%s %s as %s: unexpected status %d: %s", method, path, c.s.CurrentUser, session.Resp.StatusCode, session.RespBytes)
}

func (c *chatSteps) selection(selector string) (interface{}, error) {
	doc, err := c.s.Session().RespJSON()
	if err != nil {
		return nil, err
	}
	v, found, err := cucumber.Query(selector, doc)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no match for %s in %s", selector, c.s.Session().RespBytes)
	}
	return v, nil
}

func (c *chatSteps) startedAConversation(user, peer, as string) error {
	return c.as(user, func() error {
		body := fmt.Sprintf(`{"peerUserId": %q}`, peer)
		if err := c.call(http.MethodPost, "/v1/chats/start", body, http.StatusCreated, http.StatusOK); err != nil {
			return err
		}
		id, err := c.selection(".conversationId")
		if err != nil {
			return err
		}
		c.s.Variables[as] = id
		return nil
	})
}

func (c *chatSteps) sentMessage(user, text, token, conversation string) error {
	return c.sentMessageStoredAs(user, text, token, conversation, "")
}

func (c *chatSteps) sentMessageStoredAs(user, text, token, conversation, as string) error {
	convID, err := c.s.ResolveString(conversation)
	if err != nil {
		return err
	}
	return c.as(user, func() error {
		body := fmt.Sprintf(`{"body": %q, "clientToken": %q}`, text, token)
		if err := c.call(http.MethodPost, "/v1/chats/"+convID+"/messages", body, http.StatusCreated, http.StatusOK); err != nil {
			return err
		}
		if as == "" {
			return nil
		}
		id, err := c.selection(".id")
		if err != nil {
			return err
		}
		c.s.Variables[as] = id
		return nil
	})
}

func (c *chatSteps) hasBlocked(user, blocked string) error {
	return c.as(user, func() error {
		return c.call(http.MethodPut, "/v1/blocks/"+blocked, "", http.StatusNoContent)
	})
}

func (c *chatSteps) theUnreadCountShouldBe(user, conversation string, expected int) error {
	convID, err := c.s.ResolveString(conversation)
	if err != nil {
		return err
	}
	return c.as(user, func() error {
		if err := c.call(http.MethodGet, "/v1/chats?limit=100", "", http.StatusOK); err != nil {
			return err
		}
		v, err := c.selection(fmt.Sprintf(`.items[] | select(.id == %q) | .unreadCount`, convID))
		if err != nil {
			return err
		}
		actual, _ := v.(float64)
		if int(actual) != expected {
			return fmt.Errorf("unread count of %s: expected %d, got %v", user, expected, v)
		}
		return nil
	})
}

// theMessagesShouldBe compares the full history, oldest first, against a
// table with author and body columns.
func (c *chatSteps) theMessagesShouldBe(conversation, user string, expected *godog.Table) error {
	convID, err := c.s.ResolveString(conversation)
	if err != nil {
		return err
	}
	return c.as(user, func() error {
		if err := c.call(http.MethodGet, "/v1/chats/"+convID+"/messages?limit=100", "", http.StatusOK); err != nil {
			return err
		}
		v, err := c.selection(`[.items[] | {author: .authorId, body: .body}]`)
		if err != nil {
			return err
		}
		actual, _ := v.([]interface{})
		want := expected.Rows[1:]
		if len(actual) != len(want) {
			return fmt.Errorf("expected %d messages, got %d: %v", len(want), len(actual), actual)
		}
		for i, row := range want {
			m := actual[i].(map[string]interface{})
			author, body := row.Cells[0].Value, row.Cells[1].Value
			if m["author"] != author || m["body"] != body {
				return fmt.Errorf("message %d: expected %s: %q, got %v: %q", i, author, body, m["author"], m["body"])
			}
		}
		return nil
	})
}
