package clock

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystem_NewVersionStamp_NoColons(t *testing.T) {
	c := New()

	stamp := c.NewVersionStamp()

	assert.NotContains(t, stamp, ":")
	assert.NotEmpty(t, stamp)
}

func TestSystem_NewVersionStamp_LexicallyOrdered(t *testing.T) {
	c := New()

	first := c.NewVersionStamp()
	time.Sleep(2 * time.Millisecond)
	second := c.NewVersionStamp()

	assert.Less(t, first, second)
}

func TestSystem_NowISO_IsRFC3339(t *testing.T) {
	c := New()

	s := c.NowISO()

	_, err := time.Parse(time.RFC3339Nano, s)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(s, "Z"))
}

func TestSystem_NewRunID_Unique(t *testing.T) {
	c := New()

	a := c.NewRunID()
	b := c.NewRunID()

	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
