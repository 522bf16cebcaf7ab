package bdd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chirino/chat-service/internal/testutil/cucumber"
	"github.com/cucumber/godog"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		sq := &sqlSteps{s: s}
		ctx.Step(`^I execute SQL query:$`, sq.iExecuteSQLQuery)
		ctx.Step(`^the SQL result should have (\d+) rows?$`, sq.theSQLResultShouldHaveRows)
		ctx.Step(`^the SQL result should match:$`, sq.theSQLResultShouldMatch)
		ctx.Step(`^the SQL result column "([^"]*)" should be non-null$`, sq.theSQLResultColumnShouldBeNonNull)
	})
}

// sqlSteps inspect the datastore directly. On backends without SQL the query
// step records nothing and every assertion passes.
type sqlSteps struct {
	s       *cucumber.TestScenario
	rows    []map[string]interface{}
	skipped bool
}

func (sq *sqlSteps) iExecuteSQLQuery(query *godog.DocString) error {
	if sq.s.Suite.DB == nil {
		return fmt.Errorf("no TestDB configured")
	}
	expanded, err := sq.s.Expand(query.Content)
	if err != nil {
		return err
	}
	sq.rows, err = sq.s.Suite.DB.ExecSQL(context.Background(), expanded)
	if err != nil {
		return err
	}
	sq.skipped = sq.rows == nil
	if sq.skipped {
		return nil
	}

	// Expose the rows to the response assertion steps too.
	result, err := json.Marshal(sq.rows)
	if err != nil {
		return err
	}
	sq.s.Session().SetRespBytes(result)
	return nil
}

func (sq *sqlSteps) theSQLResultShouldHaveRows(count int) error {
	if sq.skipped {
		return nil
	}
	if len(sq.rows) != count {
		return fmt.Errorf("expected %d row(s), got %d: %v", count, len(sq.rows), sq.rows)
	}
	return nil
}

// theSQLResultShouldMatch compares a header row plus data rows against the
// result, cell by cell, after variable expansion.
func (sq *sqlSteps) theSQLResultShouldMatch(expected *godog.Table) error {
	if sq.skipped {
		return nil
	}
	if len(expected.Rows) < 2 {
		return fmt.Errorf("expected table must have a header row and at least one data row")
	}
	header := expected.Rows[0].Cells
	for i, row := range expected.Rows[1:] {
		if i >= len(sq.rows) {
			return fmt.Errorf("expected at least %d data row(s), got %d", i+1, len(sq.rows))
		}
		for col, cell := range row.Cells {
			name := header[col].Value
			want, err := sq.s.Expand(cell.Value)
			if err != nil {
				return err
			}
			got, err := cucumber.ToString(sq.rows[i][name], name)
			if err != nil {
				return err
			}
			if got != want {
				return fmt.Errorf("SQL result row %d column '%s': expected '%s', got '%s'", i, name, want, got)
			}
		}
	}
	return nil
}

func (sq *sqlSteps) theSQLResultColumnShouldBeNonNull(column string) error {
	if sq.skipped {
		return nil
	}
	if len(sq.rows) == 0 {
		return fmt.Errorf("SQL result has no rows")
	}
	value, ok := sq.rows[0][column]
	if !ok {
		return fmt.Errorf("column '%s' not found in SQL result", column)
	}
	if value == nil {
		return fmt.Errorf("column '%s' is null, expected non-null", column)
	}
	return nil
}
