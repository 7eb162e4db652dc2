package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/latticenode/types"
)

// storedBlockJSON is the on-disk shape of the blocks table: the block's
// wire-format bytes (spec §6.1) alongside its sideband, JSON-wrapped the
// way the rest of the store's records are (account/pending/representation
// rows all follow the same json.Marshal convention).
type storedBlockJSON struct {
	Type     types.BlockType `json:"type"`
	Data     []byte          `json:"data"`
	Sideband types.Sideband  `json:"sideband"`
}

func encodeStoredBlock(sb *types.StoredBlock) ([]byte, error) {
	data, err := sb.Block.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal block: %w", err)
	}
	return json.Marshal(storedBlockJSON{Type: sb.Block.Type, Data: data, Sideband: sb.Sideband})
}

func decodeStoredBlock(raw []byte) (*types.StoredBlock, error) {
	var sj storedBlockJSON
	if err := json.Unmarshal(raw, &sj); err != nil {
		return nil, fmt.Errorf("ledger: unmarshal stored block: %w", err)
	}
	block, err := types.UnmarshalBlock(sj.Type, sj.Data)
	if err != nil {
		return nil, err
	}
	return &types.StoredBlock{Block: block, Sideband: sj.Sideband}, nil
}

func encodeAccountInfo(info *types.AccountInfo) ([]byte, error) {
	return json.Marshal(info)
}

func decodeAccountInfo(raw []byte) (*types.AccountInfo, error) {
	var info types.AccountInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("ledger: unmarshal account info: %w", err)
	}
	return &info, nil
}

func encodePendingEntry(e *types.PendingEntry) ([]byte, error) {
	return json.Marshal(e)
}

func decodePendingEntry(raw []byte) (*types.PendingEntry, error) {
	var e types.PendingEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("ledger: unmarshal pending entry: %w", err)
	}
	return &e, nil
}

func encodeAmount(a types.Amount) []byte {
	b, _ := json.Marshal(a)
	return b
}

func decodeAmount(raw []byte) (types.Amount, error) {
	var a types.Amount
	if err := json.Unmarshal(raw, &a); err != nil {
		return a, fmt.Errorf("ledger: unmarshal amount: %w", err)
	}
	return a, nil
}

// EncodeHeight/DecodeHeight are the confirmation_height table's wire
// format: an 8-byte big-endian counter, shared with the confheight package
// so both sides of the table agree on the encoding.
func EncodeHeight(h uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(h >> (8 * i))
	}
	return b
}

func DecodeHeight(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("ledger: confirmation height must be 8 bytes, got %d", len(b))
	}
	var h uint64
	for i := 0; i < 8; i++ {
		h = h<<8 | uint64(b[i])
	}
	return h, nil
}

func pendingKeyBytes(k types.PendingKey) []byte {
	b := make([]byte, 0, types.AccountSize+types.HashSize)
	b = append(b, k.Destination[:]...)
	b = append(b, k.Send[:]...)
	return b
}
