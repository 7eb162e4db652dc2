package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/latticenode/blockprocessor"
	"github.com/tolelom/latticenode/ledger"
	"github.com/tolelom/latticenode/store"
	"github.com/tolelom/latticenode/types"
)

// Handler holds all dependencies needed to serve RPC methods. It is
// deliberately a read-only debug surface over the ledger plus a single
// submission method (spec §1 keeps wallet/client tooling out of scope —
// this is the minimal interface an external client needs, not a wallet
// API: balances, representative changes and transfer construction stay
// with that client).
type Handler struct {
	db   store.DB
	proc *blockprocessor.Processor
}

// NewHandler creates an RPC Handler.
func NewHandler(db store.DB, proc *blockprocessor.Processor) *Handler {
	return &Handler{db: db, proc: proc}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "account_info":
		return h.accountInfo(req)
	case "account_weight":
		return h.accountWeight(req)
	case "block_info":
		return h.blockInfo(req)
	case "process":
		return h.process(req)
	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) accountInfo(req Request) Response {
	var params struct {
		Account types.Account `json:"account"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	r := h.db.BeginRead()
	defer r.Discard()

	info, err := ledger.LoadAccountInfo(r, params.Account)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if info == nil {
		return errResponse(req.ID, CodeInvalidParams, "account not found")
	}
	confirmed, err := ledger.LoadConfirmationHeight(r, params.Account)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{
		"account":             params.Account,
		"head_block":          info.Head,
		"open_block":          info.OpenBlock,
		"representative":      info.Representative,
		"balance":             info.Balance,
		"block_count":         info.BlockCount,
		"confirmation_height": confirmed,
		"modified_unix":       info.ModifiedUnix,
		"epoch":               info.Epoch,
	})
}

func (h *Handler) accountWeight(req Request) Response {
	var params struct {
		Account types.Account `json:"account"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	r := h.db.BeginRead()
	defer r.Discard()
	weight, err := ledger.Weight(r, params.Account)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"account": params.Account, "weight": weight})
}

func (h *Handler) blockInfo(req Request) Response {
	var params struct {
		Hash types.Hash `json:"hash"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	r := h.db.BeginRead()
	defer r.Discard()
	stored, err := ledger.LoadBlock(r, params.Hash)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if stored == nil {
		return errResponse(req.ID, CodeInvalidParams, "block not found")
	}
	return okResponse(req.ID, map[string]any{
		"hash":     params.Hash,
		"block":    stored.Block,
		"sideband": stored.Sideband,
	})
}

// process submits a block for normal (signature-checked) processing
// (spec §4.6). Processing happens on the processor's own consumer
// goroutine, so this only reports that the block was accepted into the
// queue, not the eventual ledger result.
func (h *Handler) process(req Request) Response {
	var params struct {
		Type types.BlockType `json:"type"`
		Data []byte          `json:"data"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	block, err := types.UnmarshalBlock(params.Type, params.Data)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, "block: "+err.Error())
	}
	if err := h.proc.Enqueue(block); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	hash := block.Hash()
	return okResponse(req.ID, map[string]any{"hash": hash, "queued": true})
}
