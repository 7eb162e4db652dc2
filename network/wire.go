// Package network implements the binary peer-to-peer wire protocol (spec
// §4.11, §6.1): fixed 8-byte headers, a node_id_handshake authentication
// step, and the keepalive/publish/confirm_req/confirm_ack/bulk_pull/
// bulk_pull_account/bulk_push/frontier_req message bodies, over a fixed
// binary frame rather than a length-prefixed JSON envelope; the peer
// table, accept loop, and broadcast fan-out follow the same shape, only
// the wire format and message set differ.
package network

import (
	"encoding/binary"
	"fmt"

	"github.com/tolelom/latticenode/types"
)

// MsgType is the wire-level message type carried in a header (spec §6.1).
type MsgType uint8

const (
	MsgInvalid MsgType = iota
	MsgKeepalive
	MsgPublish
	MsgConfirmReq
	MsgConfirmAck
	MsgBulkPull
	MsgBulkPullAccount
	MsgBulkPush
	MsgFrontierReq
	MsgNodeIDHandshake
)

func (t MsgType) String() string {
	switch t {
	case MsgKeepalive:
		return "keepalive"
	case MsgPublish:
		return "publish"
	case MsgConfirmReq:
		return "confirm_req"
	case MsgConfirmAck:
		return "confirm_ack"
	case MsgBulkPull:
		return "bulk_pull"
	case MsgBulkPullAccount:
		return "bulk_pull_account"
	case MsgBulkPush:
		return "bulk_push"
	case MsgFrontierReq:
		return "frontier_req"
	case MsgNodeIDHandshake:
		return "node_id_handshake"
	default:
		return "invalid"
	}
}

// Network identifies which magic bytes and genesis this node participates
// in (spec §6.1 "Magic depends on network").
type Network uint8

const (
	NetworkLive Network = iota
	NetworkBeta
	NetworkTest
)

// Magic returns the 2-byte magic sequence for n.
func (n Network) Magic() [2]byte {
	switch n {
	case NetworkBeta:
		return [2]byte{'R', 'B'}
	case NetworkTest:
		return [2]byte{'R', 'A'}
	default:
		return [2]byte{'R', 'C'}
	}
}

// ProtocolVersion is this implementation's protocol version triple. A peer
// handshake reports max/using/min so version negotiation can reject a
// connection outside the supported range without parsing its first body.
const (
	VersionMax   uint8 = 19
	VersionUsing uint8 = 19
	VersionMin   uint8 = 18
)

// HeaderSize is the fixed 8-byte header width (spec §6.1).
const HeaderSize = 8

// Extensions bit layout (spec §6.1):
//   bits 8-11  block type (publish, confirm_req/ack single-block form)
//   bits 12-15 hash-list count (confirm_ack/confirm_req list form)
//   bit 0      bulk_pull count-present flag; node_id_handshake query present
//   bit 1      bulk_pull start-is-hash flag; node_id_handshake response present
const (
	extBlockTypeShift  = 8
	extBlockTypeMask   = 0xF
	extCountShift      = 12
	extCountMask       = 0xF
	extBulkPullCount   = 1 << 0
	extBulkPullByHash  = 1 << 1
	extHandshakeQuery  = 1 << 0
	extHandshakeResp   = 1 << 1
)

// Header is the 8-byte envelope every wire message begins with.
type Header struct {
	Magic          [2]byte
	VersionMax     uint8
	VersionUsing   uint8
	VersionMin     uint8
	Type           MsgType
	Extensions     uint16
}

// NewHeader builds a header for net, stamped with this implementation's
// version triple.
func NewHeader(net Network, typ MsgType, extensions uint16) Header {
	return Header{
		Magic:        net.Magic(),
		VersionMax:   VersionMax,
		VersionUsing: VersionUsing,
		VersionMin:   VersionMin,
		Type:         typ,
		Extensions:   extensions,
	}
}

// BlockType extracts the block-type nibble from Extensions.
func (h Header) BlockType() types.BlockType {
	return types.BlockType((h.Extensions >> extBlockTypeShift) & extBlockTypeMask)
}

// WithBlockType returns a copy of h with the block-type nibble set.
func (h Header) WithBlockType(t types.BlockType) Header {
	h.Extensions = (h.Extensions &^ (extBlockTypeMask << extBlockTypeShift)) | (uint16(t) & extBlockTypeMask << extBlockTypeShift)
	return h
}

// HashCount extracts the hash-list count nibble (confirm_req/confirm_ack
// list form) from Extensions.
func (h Header) HashCount() int {
	return int((h.Extensions >> extCountShift) & extCountMask)
}

// WithHashCount returns a copy of h with the hash-list count nibble set.
func (h Header) WithHashCount(n int) Header {
	h.Extensions = (h.Extensions &^ (extCountMask << extCountShift)) | (uint16(n&extCountMask) << extCountShift)
	return h
}

// BulkPullCountPresent reports whether bulk_pull's optional trailing count
// field follows the fixed body.
func (h Header) BulkPullCountPresent() bool { return h.Extensions&extBulkPullCount != 0 }

// BulkPullByHash reports whether bulk_pull's start field is a specific
// block hash to fetch directly rather than an account to stream the chain
// of (Nano's bulk_pull overloads "start" the same way; this flag spells out
// which reading applies instead of guessing from lookup failure).
func (h Header) BulkPullByHash() bool { return h.Extensions&extBulkPullByHash != 0 }

// WithBulkPullByHash returns a copy of h with the start-is-hash flag set.
func (h Header) WithBulkPullByHash(v bool) Header {
	if v {
		h.Extensions |= extBulkPullByHash
	} else {
		h.Extensions &^= extBulkPullByHash
	}
	return h
}

// IsHandshakeQuery reports whether a node_id_handshake carries a cookie
// challenge.
func (h Header) IsHandshakeQuery() bool { return h.Extensions&extHandshakeQuery != 0 }

// IsHandshakeResponse reports whether a node_id_handshake carries a signed
// response.
func (h Header) IsHandshakeResponse() bool { return h.Extensions&extHandshakeResp != 0 }

// Encode writes h in its fixed 8-byte wire form.
func (h Header) Encode() [HeaderSize]byte {
	var b [HeaderSize]byte
	b[0], b[1] = h.Magic[0], h.Magic[1]
	b[2], b[3], b[4] = h.VersionMax, h.VersionUsing, h.VersionMin
	b[5] = byte(h.Type)
	binary.BigEndian.PutUint16(b[6:8], h.Extensions)
	return b
}

// DecodeHeader parses an 8-byte wire header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("network: header must be %d bytes, got %d", HeaderSize, len(b))
	}
	return Header{
		Magic:        [2]byte{b[0], b[1]},
		VersionMax:   b[2],
		VersionUsing: b[3],
		VersionMin:   b[4],
		Type:         MsgType(b[5]),
		Extensions:   binary.BigEndian.Uint16(b[6:8]),
	}, nil
}

// --- keepalive (spec §6.1: 8 x {ipv6_addr[16], port_be_u16}) ---

// PeerSample is one (address, port) pair exchanged in a keepalive.
type PeerSample struct {
	Addr [16]byte // IPv6, or an IPv4 address mapped into the low 4 bytes
	Port uint16
}

const keepalivePeerCount = 8
const keepaliveBodySize = keepalivePeerCount * (16 + 2)

// EncodeKeepalive packs up to 8 peer samples into a fixed-size body,
// zero-padding unused slots.
func EncodeKeepalive(samples []PeerSample) []byte {
	body := make([]byte, keepaliveBodySize)
	for i := 0; i < keepalivePeerCount && i < len(samples); i++ {
		off := i * 18
		copy(body[off:off+16], samples[i].Addr[:])
		binary.BigEndian.PutUint16(body[off+16:off+18], samples[i].Port)
	}
	return body
}

// DecodeKeepalive unpacks a keepalive body, dropping all-zero trailing
// slots.
func DecodeKeepalive(body []byte) ([]PeerSample, error) {
	if len(body) != keepaliveBodySize {
		return nil, fmt.Errorf("network: keepalive body must be %d bytes, got %d", keepaliveBodySize, len(body))
	}
	var out []PeerSample
	for i := 0; i < keepalivePeerCount; i++ {
		off := i * 18
		var s PeerSample
		copy(s.Addr[:], body[off:off+16])
		s.Port = binary.BigEndian.Uint16(body[off+16 : off+18])
		if s.Port == 0 && isZero(s.Addr[:]) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// --- confirm_req / confirm_ack hash-root pairs ---

// HashRoot is one {hash[32], root[32]} pair in a hash-list confirm_req
// (spec §6.1).
type HashRoot struct {
	Hash types.Hash
	Root types.Root
}

// EncodeHashRoots packs a hash-list confirm_req body.
func EncodeHashRoots(pairs []HashRoot) []byte {
	body := make([]byte, 0, len(pairs)*64)
	for _, p := range pairs {
		body = append(body, p.Hash[:]...)
		body = append(body, p.Root[:]...)
	}
	return body
}

// DecodeHashRoots unpacks count {hash,root} pairs.
func DecodeHashRoots(body []byte, count int) ([]HashRoot, error) {
	if len(body) != count*64 {
		return nil, fmt.Errorf("network: hash-root body must be %d bytes for count %d, got %d", count*64, count, len(body))
	}
	out := make([]HashRoot, count)
	for i := range out {
		off := i * 64
		copy(out[i].Hash[:], body[off:off+32])
		copy(out[i].Root[:], body[off+32:off+64])
	}
	return out, nil
}

// --- confirm_ack ---

// ConfirmAckHeader is the fixed leading portion of a confirm_ack body
// (spec §6.1): `{account[32], signature[64], sequence_le_u64}`, followed
// by either one block or count x hash[32] per the header extensions.
type ConfirmAckHeader struct {
	Account  types.Account
	Sig      types.Signature
	Sequence uint64
}

const confirmAckHeaderSize = 32 + 64 + 8

// EncodeConfirmAckHeader packs the fixed prefix of a confirm_ack body.
func EncodeConfirmAckHeader(h ConfirmAckHeader) []byte {
	body := make([]byte, confirmAckHeaderSize)
	copy(body[0:32], h.Account[:])
	copy(body[32:96], h.Sig[:])
	binary.LittleEndian.PutUint64(body[96:104], h.Sequence)
	return body
}

// DecodeConfirmAckHeader unpacks the fixed prefix of a confirm_ack body,
// returning the remaining bytes (the block or hash list).
func DecodeConfirmAckHeader(body []byte) (ConfirmAckHeader, []byte, error) {
	if len(body) < confirmAckHeaderSize {
		return ConfirmAckHeader{}, nil, fmt.Errorf("network: confirm_ack body too short (%d bytes)", len(body))
	}
	var h ConfirmAckHeader
	copy(h.Account[:], body[0:32])
	copy(h.Sig[:], body[32:96])
	h.Sequence = binary.LittleEndian.Uint64(body[96:104])
	return h, body[confirmAckHeaderSize:], nil
}

// EncodeHashList packs a plain list of hashes (confirm_ack's hash-list
// tail, or confirm_req's list-of-hashes legacy form).
func EncodeHashList(hashes []types.Hash) []byte {
	body := make([]byte, 0, len(hashes)*types.HashSize)
	for _, h := range hashes {
		body = append(body, h[:]...)
	}
	return body
}

// DecodeHashList unpacks count hashes.
func DecodeHashList(body []byte, count int) ([]types.Hash, error) {
	if len(body) != count*types.HashSize {
		return nil, fmt.Errorf("network: hash list must be %d bytes for count %d, got %d", count*types.HashSize, count, len(body))
	}
	out := make([]types.Hash, count)
	for i := range out {
		copy(out[i][:], body[i*types.HashSize:(i+1)*types.HashSize])
	}
	return out, nil
}

// --- bulk_pull / bulk_pull_account / frontier_req ---

// BulkPullRequest is bulk_pull's body (spec §6.1: `{start[32], end[32]}`,
// optionally followed by an 8-byte count when the count-present flag is
// set).
type BulkPullRequest struct {
	Start types.Hash
	End   types.Hash
	Count uint64 // meaningful only when the count-present flag is set
}

// EncodeBulkPull packs a bulk_pull body. Pass countPresent false to omit
// the trailing count field; the header's count-present extension bit
// (read by BulkPullCountPresent) must agree, and this package has no
// helper that sets that bit.
func EncodeBulkPull(req BulkPullRequest, countPresent bool) []byte {
	body := make([]byte, 0, 72)
	body = append(body, req.Start[:]...)
	body = append(body, req.End[:]...)
	if countPresent {
		var c [8]byte
		binary.BigEndian.PutUint64(c[:], req.Count)
		body = append(body, c[:]...)
	}
	return body
}

// DecodeBulkPull unpacks a bulk_pull body.
func DecodeBulkPull(body []byte, countPresent bool) (BulkPullRequest, error) {
	want := 64
	if countPresent {
		want = 72
	}
	if len(body) != want {
		return BulkPullRequest{}, fmt.Errorf("network: bulk_pull body must be %d bytes, got %d", want, len(body))
	}
	var req BulkPullRequest
	copy(req.Start[:], body[0:32])
	copy(req.End[:], body[32:64])
	if countPresent {
		req.Count = binary.BigEndian.Uint64(body[64:72])
	}
	return req, nil
}

// BulkPullAccountRequest is bulk_pull_account's body (spec §6.1:
// `{account[32], min_amount[16], flags_u8}`).
type BulkPullAccountRequest struct {
	Account   types.Account
	MinAmount types.Amount
	Flags     uint8
}

const bulkPullAccountBodySize = 32 + 16 + 1

// EncodeBulkPullAccount packs a bulk_pull_account body.
func EncodeBulkPullAccount(req BulkPullAccountRequest) []byte {
	body := make([]byte, bulkPullAccountBodySize)
	copy(body[0:32], req.Account[:])
	copy(body[32:48], req.MinAmount[:])
	body[48] = req.Flags
	return body
}

// DecodeBulkPullAccount unpacks a bulk_pull_account body.
func DecodeBulkPullAccount(body []byte) (BulkPullAccountRequest, error) {
	if len(body) != bulkPullAccountBodySize {
		return BulkPullAccountRequest{}, fmt.Errorf("network: bulk_pull_account body must be %d bytes, got %d", bulkPullAccountBodySize, len(body))
	}
	var req BulkPullAccountRequest
	copy(req.Account[:], body[0:32])
	copy(req.MinAmount[:], body[32:48])
	req.Flags = body[48]
	return req, nil
}

// FrontierReqRequest is frontier_req's body (spec §6.1:
// `{start[32], age_le_u32, count_le_u32}`).
type FrontierReqRequest struct {
	Start types.Account
	Age   uint32
	Count uint32
}

const frontierReqBodySize = 32 + 4 + 4

// EncodeFrontierReq packs a frontier_req body.
func EncodeFrontierReq(req FrontierReqRequest) []byte {
	body := make([]byte, frontierReqBodySize)
	copy(body[0:32], req.Start[:])
	binary.LittleEndian.PutUint32(body[32:36], req.Age)
	binary.LittleEndian.PutUint32(body[36:40], req.Count)
	return body
}

// DecodeFrontierReq unpacks a frontier_req body.
func DecodeFrontierReq(body []byte) (FrontierReqRequest, error) {
	if len(body) != frontierReqBodySize {
		return FrontierReqRequest{}, fmt.Errorf("network: frontier_req body must be %d bytes, got %d", frontierReqBodySize, len(body))
	}
	var req FrontierReqRequest
	copy(req.Start[:], body[0:32])
	req.Age = binary.LittleEndian.Uint32(body[32:36])
	req.Count = binary.LittleEndian.Uint32(body[36:40])
	return req, nil
}

// FrontierPair is one frontier_req response row: {account[32], head[32]},
// terminated by an all-zero pair.
type FrontierPair struct {
	Account types.Account
	Head    types.Hash
}

// EncodeFrontierPair packs one response row (or the all-zero terminator
// when both fields are zero).
func EncodeFrontierPair(p FrontierPair) []byte {
	body := make([]byte, 64)
	copy(body[0:32], p.Account[:])
	copy(body[32:64], p.Head[:])
	return body
}

// DecodeFrontierPair unpacks one response row.
func DecodeFrontierPair(body []byte) (FrontierPair, error) {
	if len(body) != 64 {
		return FrontierPair{}, fmt.Errorf("network: frontier pair must be 64 bytes, got %d", len(body))
	}
	var p FrontierPair
	copy(p.Account[:], body[0:32])
	copy(p.Head[:], body[32:64])
	return p, nil
}

// --- node_id_handshake ---

// HandshakeQuery is the cookie challenge a dialer issues (spec §6.1).
type HandshakeQuery struct {
	Cookie [32]byte
}

// HandshakeResponse signs the peer's cookie with this node's node key
// (spec §6.1, §4.11: "the responder signs the cookie with its node key").
type HandshakeResponse struct {
	Account   types.Account
	Signature types.Signature
}

// EncodeHandshake packs a node_id_handshake body. query/resp are nil when
// absent; the caller sets Header.Extensions via WithHandshakeFlags to
// match what's encoded.
func EncodeHandshake(query *HandshakeQuery, resp *HandshakeResponse) []byte {
	var body []byte
	if query != nil {
		body = append(body, query.Cookie[:]...)
	}
	if resp != nil {
		body = append(body, resp.Account[:]...)
		body = append(body, resp.Signature[:]...)
	}
	return body
}

// WithHandshakeFlags returns a copy of h with the query/response presence
// bits set.
func (h Header) WithHandshakeFlags(query, response bool) Header {
	h.Extensions &^= extHandshakeQuery | extHandshakeResp
	if query {
		h.Extensions |= extHandshakeQuery
	}
	if response {
		h.Extensions |= extHandshakeResp
	}
	return h
}

// DecodeHandshake unpacks a node_id_handshake body per h's presence flags.
func DecodeHandshake(h Header, body []byte) (*HandshakeQuery, *HandshakeResponse, error) {
	var query *HandshakeQuery
	var resp *HandshakeResponse
	off := 0
	if h.IsHandshakeQuery() {
		if len(body) < off+32 {
			return nil, nil, fmt.Errorf("network: node_id_handshake query truncated")
		}
		q := HandshakeQuery{}
		copy(q.Cookie[:], body[off:off+32])
		query = &q
		off += 32
	}
	if h.IsHandshakeResponse() {
		if len(body) < off+32+64 {
			return nil, nil, fmt.Errorf("network: node_id_handshake response truncated")
		}
		r := HandshakeResponse{}
		copy(r.Account[:], body[off:off+32])
		copy(r.Signature[:], body[off+32:off+96])
		resp = &r
		off += 96
	}
	return query, resp, nil
}

// NotABlock is the block-type value that terminates a bulk_push stream
// (spec §6.1: "blocks stream follows until a terminating not_a_block type
// byte").
const NotABlock = types.BlockInvalid
