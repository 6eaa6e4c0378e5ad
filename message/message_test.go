package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeJSONFieldNames(t *testing.T) {
	env := &Envelope{Method: "Store.GetProducts", Payload: []byte(`{"product_name":"widget"}`)}

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"method":"Store.GetProducts"`)
	assert.NotContains(t, string(data), `"error"`)
	assert.False(t, env.Failed())
}

func TestEnvelopeFailed(t *testing.T) {
	assert.True(t, (&Envelope{Error: "no bid"}).Failed())
}
