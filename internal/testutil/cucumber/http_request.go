package cucumber

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cucumber/godog"
)

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		ctx.Step(`^the path prefix is "([^"]*)"$`, s.theAPIPrefixIs)
		ctx.Step(`^I call (GET|POST|PUT|DELETE|PATCH|OPTIONS) "([^"]*)"$`, s.sendHTTPRequest)
		ctx.Step(`^I call (GET|POST|PUT|DELETE|PATCH) "([^"]*)" with body:$`, s.SendHTTPRequestWithJSONBody)
		ctx.Step(`^I call (GET|POST|PUT|DELETE|PATCH) "([^"]*)" with query "([^"]*)"$`, s.iCallWithQuery)
		ctx.Step(`^I call (GET|POST|PUT|DELETE|PATCH) "([^"]*)" without authentication$`, s.iCallWithoutAuthentication)
		ctx.Step(`^I set the "([^"]*)" header to "([^"]*)"$`, s.iSetTheHeaderTo)
		ctx.Step(`^I wait up to "([^"]*)" seconds for a GET on path "([^"]*)" response "([^"]*)" selection to match "([^"]*)"$`, s.iWaitUpToSecondsForAGETOnPathResponseSelectionToMatch)
	})
}

func (s *TestScenario) theAPIPrefixIs(prefix string) error {
	s.PathPrefix = prefix
	return nil
}

func (s *TestScenario) sendHTTPRequest(method, path string) error {
	return s.SendHTTPRequestWithJSONBody(method, path, nil)
}

// SendHTTPRequestWithJSONBody sends a request as the current user and records
// the response in the user's session. The body is expanded before sending.
func (s *TestScenario) SendHTTPRequestWithJSONBody(method, path string, jsonTxt *godog.DocString) error {
	session := s.Session()

	body := &bytes.Buffer{}
	if jsonTxt != nil {
		expanded, err := s.Expand(jsonTxt.Content)
		if err != nil {
			return err
		}
		body.WriteString(expanded)
	}

	expandedPath, err := s.Expand(path)
	if err != nil {
		return err
	}
	fullURL := s.Suite.APIURL + s.PathPrefix + expandedPath
	if u, err := url.Parse(expandedPath); err == nil && u.Scheme != "" {
		fullURL = expandedPath
	}

	session.Resp = nil
	session.SetRespBytes(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return err
	}

	// Headers set by a step apply to the next request only.
	req.Header = session.Header
	session.Header = http.Header{}

	if req.Header.Get("Authorization") == "" && session.TestUser != nil && session.TestUser.Subject != "" {
		req.Header.Set("Authorization", "Bearer "+session.TestUser.Subject)
	}
	if req.Header.Get("Content-Type") == "" && jsonTxt != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := session.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	session.Resp = resp
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	session.SetRespBytes(data)
	return nil
}

func (s *TestScenario) iCallWithQuery(method, path, queryString string) error {
	expandedQuery, err := s.Expand(queryString)
	if err != nil {
		return err
	}
	if strings.Contains(path, "?") {
		path = path + "&" + expandedQuery
	} else {
		path = path + "?" + expandedQuery
	}
	return s.sendHTTPRequest(method, path)
}

func (s *TestScenario) iCallWithoutAuthentication(method, path string) error {
	session := s.Session()
	session.Header.Del("Authorization")
	saved := session.TestUser
	session.TestUser = nil
	defer func() { session.TestUser = saved }()
	return s.sendHTTPRequest(method, path)
}

func (s *TestScenario) iSetTheHeaderTo(name, value string) error {
	expanded, err := s.Expand(value)
	if err != nil {
		return err
	}
	s.Session().Header.Set(name, expanded)
	return nil
}

func (s *TestScenario) iWaitUpToSecondsForAGETOnPathResponseSelectionToMatch(timeout float64, path, selection, expected string) error {
	deadline := time.Now().Add(time.Duration(timeout * float64(time.Second)))
	var lastErr error
	for {
		lastErr = s.sendHTTPRequest("GET", path)
		if lastErr == nil {
			lastErr = s.theSelectionFromTheResponseShouldMatch(selection, expected)
			if lastErr == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met after %.f seconds: %w", timeout, lastErr)
		}
		time.Sleep(time.Duration(timeout * float64(time.Second) / 10.0))
	}
}
