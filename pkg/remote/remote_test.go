package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/etc/ezstream/agent.yaml", "'/etc/ezstream/agent.yaml'"},
		{"it's", `'it'\''s'`},
		{"", "''"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, quote(tt.in))
		})
	}
}

func TestAuthMethods(t *testing.T) {
	methods, err := authMethods(types.Credentials{User: "root", Password: "secret"})
	require.NoError(t, err)
	assert.Len(t, methods, 1)

	_, err = authMethods(types.Credentials{User: "root"})
	assert.Error(t, err)

	_, err = authMethods(types.Credentials{User: "root", PrivateKey: "not a key"})
	assert.Error(t, err)
}

func TestExecuteBeforeConnect(t *testing.T) {
	e := NewSSHExecutor(Config{})

	_, err := e.Execute(context.Background(), "true")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, e.Disconnect())
}

func TestConnectWithoutCredentials(t *testing.T) {
	e := NewSSHExecutor(Config{})
	err := e.Connect(context.Background(), &types.Node{ID: 3, Address: "127.0.0.1"})
	assert.Error(t, err)
}

func TestHostKeyCallbackMissingFile(t *testing.T) {
	e := NewSSHExecutor(Config{KnownHostsFile: t.TempDir() + "/missing"})
	_, err := e.hostKeyCallback()
	assert.Error(t, err)
}
