package commerceerr

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindsSurviveWrapping(t *testing.T) {
	base := Validation("refund_exceeds_balance")
	wrapped := Wrap(base, "refund payment 42")

	assert.True(t, IsValidation(wrapped))
	assert.True(t, errors.Is(wrapped, base))
	assert.False(t, IsGateway(wrapped))
	assert.Equal(t, CodeValidation, Code(wrapped))
}

func TestUserMessage(t *testing.T) {
	err := WithHint(Gateway("card_declined"), "Your card was declined.")
	assert.Equal(t, "Your card was declined.", UserMessage(err))
	assert.Equal(t, "subscription_not_found", UserMessage(NotFound("subscription_not_found")))
	assert.Equal(t, "", UserMessage(nil))
}

func TestCodeUnclassified(t *testing.T) {
	assert.Equal(t, "", Code(errors.New("boom")))
	assert.Equal(t, CodeConsistency, Code(Consistency("duplicate_event")))
	assert.Equal(t, CodeNotFound, Code(NotFound("missing")))
}
