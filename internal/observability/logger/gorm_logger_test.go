package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatementVerb(t *testing.T) {
	assert.Equal(t, "SELECT", statementVerb("select * from invoices"))
	assert.Equal(t, "UPDATE", statementVerb("update payments set status = ?"))
	assert.Equal(t, "INSERT", statementVerb("(INSERT INTO receipts"))
	assert.Equal(t, "UNKNOWN", statementVerb(""))
}
