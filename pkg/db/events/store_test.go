package events

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// The ingestion schema records a change reason on the updated stream only;
// the other streams must not select it.
func TestReasonColumnOnlyOnUpdatedStream(t *testing.T) {
	assert.NotContains(t, orderColumns, "reason")
	assert.NotContains(t, transferColumns, "reason")

	assert.Contains(t, updatedColumns, "reason")
	assert.Equal(t, orderColumns, strings.Replace(updatedColumns, ", reason", "", 1),
		"updated stream differs from the shared order columns by reason alone")
}
