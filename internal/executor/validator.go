package executor

import "github.com/liyq0307/mysql-mcp-gateway/internal/security"

// CombinedValidator adapts the independently constructed input and SQL
// validators to the executor's single Validator interface. The two
// halves live in internal/security as separate types because they
// validate different things (arbitrary bound values vs. statement text)
// and are configured independently; the executor only needs them
// together.
type CombinedValidator struct {
	Input *security.InputValidator
	SQL   *security.SQLValidator
}

// NewCombinedValidator wires input and sql together behind one Validator.
func NewCombinedValidator(input *security.InputValidator, sql *security.SQLValidator) *CombinedValidator {
	return &CombinedValidator{Input: input, SQL: sql}
}

func (c *CombinedValidator) ValidateInput(value any) error {
	if c.Input == nil {
		return nil
	}
	return c.Input.ValidateValue(value)
}

func (c *CombinedValidator) ValidateSQL(query string) error {
	if c.SQL == nil {
		return nil
	}
	return c.SQL.Validate(query)
}
