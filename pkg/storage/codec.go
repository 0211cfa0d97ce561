package storage

import (
	"encoding/json"
	"fmt"

	"github.com/truongvando/ezstream-sub005/pkg/security"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

// Sealer protects node credentials in stored rows. Implemented by
// security.Sealer.
type Sealer interface {
	SealString(v string) (string, error)
	OpenString(v string) (string, error)
}

func encodeNode(node *types.Node, sealer Sealer) ([]byte, error) {
	if sealer == nil {
		return json.Marshal(node)
	}
	row := *node
	var err error
	if row.Credentials.Password, err = sealer.SealString(row.Credentials.Password); err != nil {
		return nil, fmt.Errorf("failed to seal credentials of node %d: %w", node.ID, err)
	}
	if row.Credentials.PrivateKey, err = sealer.SealString(row.Credentials.PrivateKey); err != nil {
		return nil, fmt.Errorf("failed to seal credentials of node %d: %w", node.ID, err)
	}
	return json.Marshal(&row)
}

func decodeNode(data []byte, sealer Sealer) (*types.Node, error) {
	var node types.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	creds := &node.Credentials
	if sealer == nil {
		if security.IsSealed(creds.Password) || security.IsSealed(creds.PrivateKey) {
			return nil, fmt.Errorf("node %d: %w", node.ID, security.ErrSealed)
		}
		return &node, nil
	}

	var err error
	if creds.Password, err = sealer.OpenString(creds.Password); err != nil {
		return nil, fmt.Errorf("failed to open credentials of node %d: %w", node.ID, err)
	}
	if creds.PrivateKey, err = sealer.OpenString(creds.PrivateKey); err != nil {
		return nil, fmt.Errorf("failed to open credentials of node %d: %w", node.ID, err)
	}
	return &node, nil
}
