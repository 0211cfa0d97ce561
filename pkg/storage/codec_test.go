package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/truongvando/ezstream-sub005/pkg/security"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

type sealedStore interface {
	Store
	SetSealer(Sealer)
}

func TestNodeCredentialsSealed(t *testing.T) {
	sealer, err := security.NewSealerFromPassphrase("test passphrase")
	require.NoError(t, err)

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := store.(sealedStore)

			// Written before a key was configured
			require.NoError(t, s.CreateNode(ctx, &types.Node{
				ID:          1,
				Name:        "legacy",
				Credentials: types.Credentials{User: "root", Password: "old"},
			}))

			s.SetSealer(sealer)
			legacy, err := s.GetNode(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, "old", legacy.Credentials.Password)

			node := &types.Node{
				ID:          2,
				Name:        "vps-2",
				Credentials: types.Credentials{User: "root", Password: "pw", PrivateKey: "PEM"},
			}
			require.NoError(t, s.CreateNode(ctx, node))
			assert.Equal(t, "pw", node.Credentials.Password, "caller's copy stays plaintext")

			got, err := s.GetNode(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, types.Credentials{User: "root", Password: "pw", PrivateKey: "PEM"}, got.Credentials)

			nodes, err := s.ListNodes(ctx)
			require.NoError(t, err)
			require.Len(t, nodes, 2)
			assert.Equal(t, "pw", nodes[1].Credentials.Password)

			// Without the key the sealed row is unreadable
			s.SetSealer(nil)
			_, err = s.GetNode(ctx, 2)
			assert.True(t, errors.Is(err, security.ErrSealed))
			_, err = s.GetNode(ctx, 1)
			assert.NoError(t, err)
		})
	}
}
