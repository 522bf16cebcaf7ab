package bdd

import (
	"github.com/chirino/chat-service/internal/testutil/cucumber"
	"github.com/cucumber/godog"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		a := &authSteps{s: s}
		ctx.Step(`^I am authenticated as user "([^"]*)"$`, a.iAmAuthenticatedAsUser)
		ctx.Step(`^I authenticate as user "([^"]*)"$`, a.iAmAuthenticatedAsUser)
	})
}

type authSteps struct {
	s *cucumber.TestScenario
}

// The suite's server has no OIDC issuer, so the bearer token is the user id.
func (a *authSteps) iAmAuthenticatedAsUser(userID string) error {
	a.s.UserNamed(userID)
	a.s.CurrentUser = userID
	return nil
}
