package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaders(t *testing.T) {
	msg := &RPCMessage{ServiceMethod: "Sheets.GetValues"}
	assert.Equal(t, "", msg.Header("Version-d1"))

	msg.Metadata = map[string]string{"Version-d1": "7"}
	assert.Equal(t, "7", msg.Header("Version-d1"))
}

func TestJSONShape(t *testing.T) {
	msg := &RPCMessage{ServiceMethod: "Users.GetUser", Kind: 4, Error: "bad password"}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded RPCMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, uint8(4), decoded.Kind)
	assert.Equal(t, "bad password", decoded.Error)
	assert.Nil(t, decoded.Metadata)
}
