package txbuild

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

func Serialize(tx *wire.MsgTx) ([]byte, error) {
	if tx == nil {
		return nil, fmt.Errorf("serializing tx: nil tx")
	}
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serializing tx: %w", err)
	}
	return buf.Bytes(), nil
}

func Deserialize(b []byte) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("deserializing tx: %w", err)
	}
	return tx, nil
}

// DecodeHex parses a hex encoded raw transaction.
func DecodeHex(s string) (*wire.MsgTx, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding tx hex: %w", err)
	}
	return Deserialize(b)
}

// EncodeHex returns the raw transaction hex encoded, the form accepted by
// bitcoin nodes for broadcasting.
func EncodeHex(tx *wire.MsgTx) (string, error) {
	b, err := Serialize(tx)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
