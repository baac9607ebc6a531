// Package wire is the cross-host byte-level contract: the 16-byte
// framing header every message carries and the little-endian, packed
// layouts for SYN, SYNACK, PAYLOAD, ENDOFSTAGE, and KEEPBUSY, per
// spec.md §3 and §6. It treats BGP payloads as opaque bytes beyond the
// single type-byte read at a fixed offset.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MsgType enumerates the controller-level frame types. Values match
// the wire contract in spec.md §6 exactly; ACK (4) is reserved and
// unused.
type MsgType int32

const (
	MsgSYN        MsgType = 1
	MsgSYNACK     MsgType = 2
	MsgPAYLOAD    MsgType = 3
	msgACKReserved MsgType = 4
	MsgENDOFSTAGE MsgType = 5
	MsgKEEPBUSY   MsgType = 6
)

func (t MsgType) String() string {
	switch t {
	case MsgSYN:
		return "SYN"
	case MsgSYNACK:
		return "SYNACK"
	case MsgPAYLOAD:
		return "PAYLOAD"
	case MsgENDOFSTAGE:
		return "ENDOFSTAGE"
	case MsgKEEPBUSY:
		return "KEEPBUSY"
	default:
		return fmt.Sprintf("MsgType(%d)", int32(t))
	}
}

// HeaderSize is the size in bytes of the fixed real_hdr that prefixes
// every frame on the wire.
const HeaderSize = 16

// SynBodySize, SynAckBodySize are the fixed body sizes (beyond
// HeaderSize) for the two handshake message types.
const (
	SynBodySize    = 10 // cli_id:i32 + svr_id:i32 + cli_port:u16
	SynAckBodySize = 2  // cli_port:u16
	PayloadHdrSize = 8  // src_id:i32 + dst_id:i32, precedes the opaque BGP bytes
)

// BGP type byte offset within a PAYLOAD frame: HeaderSize (16) +
// PayloadHdrSize (8) + 18 bytes into the opaque BGP header, per
// const.hpp's BGP_TYPE(buf) applied to (real_pld_t*)msg->data()+1 —
// i.e. counted from the start of the BGP header that follows
// real_hdr_t+src_id+dst_id, not from the start of the frame.
const BGPTypeFrameOffset = HeaderSize + PayloadHdrSize + 18

// BGP message type values the controller must recognize without
// parsing the rest of the BGP message.
const (
	BGPOpen      byte = 1
	BGPKeepalive byte = 4
)

// Header is the decoded fixed real_hdr.
type Header struct {
	Type MsgType
	Len  int32
	Seq  int64
}

func (h Header) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(h.Len))
	binary.LittleEndian.PutUint64(dst[8:16], uint64(h.Seq))
}

func DecodeHeader(src []byte) Header {
	return Header{
		Type: MsgType(binary.LittleEndian.Uint32(src[0:4])),
		Len:  int32(binary.LittleEndian.Uint32(src[4:8])),
		Seq:  int64(binary.LittleEndian.Uint64(src[8:16])),
	}
}

// SynBody is the SYN payload following the header.
type SynBody struct {
	CliID   int32
	SvrID   int32
	CliPort uint16
}

func EncodeSyn(seq int64, cliID, svrID int32, cliPort uint16) []byte {
	buf := make([]byte, HeaderSize+SynBodySize)
	Header{Type: MsgSYN, Len: int32(len(buf)), Seq: seq}.Encode(buf)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(cliID))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(svrID))
	binary.LittleEndian.PutUint16(buf[24:26], cliPort)
	return buf
}

func DecodeSyn(body []byte) SynBody {
	return SynBody{
		CliID:   int32(binary.LittleEndian.Uint32(body[0:4])),
		SvrID:   int32(binary.LittleEndian.Uint32(body[4:8])),
		CliPort: binary.LittleEndian.Uint16(body[8:10]),
	}
}

func EncodeSynAck(seq int64, cliPort uint16) []byte {
	buf := make([]byte, HeaderSize+SynAckBodySize)
	Header{Type: MsgSYNACK, Len: int32(len(buf)), Seq: seq}.Encode(buf)
	binary.LittleEndian.PutUint16(buf[16:18], cliPort)
	return buf
}

func DecodeSynAck(body []byte) (cliPort uint16) {
	return binary.LittleEndian.Uint16(body[0:2])
}

// EncodePayload wraps an opaque BGP byte slice addressed from srcID to
// dstID. seq is stamped by the replay store at replay time; 0 at
// capture time.
func EncodePayload(seq int64, srcID, dstID int32, bgp []byte) []byte {
	total := HeaderSize + PayloadHdrSize + len(bgp)
	buf := make([]byte, total)
	Header{Type: MsgPAYLOAD, Len: int32(total), Seq: seq}.Encode(buf)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(srcID))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(dstID))
	copy(buf[24:], bgp)
	return buf
}

type PayloadBody struct {
	SrcID int32
	DstID int32
	BGP   []byte // opaque, shares the backing array with the frame
}

func DecodePayload(frame []byte) PayloadBody {
	body := frame[HeaderSize:]
	return PayloadBody{
		SrcID: int32(binary.LittleEndian.Uint32(body[0:4])),
		DstID: int32(binary.LittleEndian.Uint32(body[4:8])),
		BGP:   body[8:],
	}
}

// BGPType reads the BGP message type byte directly out of a PAYLOAD
// frame, per spec.md §4.5: BGPTypeFrameOffset bytes from the start of
// the frame.
func BGPType(frame []byte) (byte, bool) {
	if len(frame) <= BGPTypeFrameOffset {
		return 0, false
	}
	return frame[BGPTypeFrameOffset], true
}

func EncodeEndOfStage(stage int64) []byte {
	buf := make([]byte, HeaderSize)
	Header{Type: MsgENDOFSTAGE, Len: HeaderSize, Seq: stage}.Encode(buf)
	return buf
}

func EncodeKeepBusy() []byte {
	buf := make([]byte, HeaderSize)
	Header{Type: MsgKEEPBUSY, Len: HeaderSize, Seq: 0}.Encode(buf)
	return buf
}

// StampSeq rewrites the seq field of an already-framed message in
// place, used by the replay store when it emits a captured message
// (spec.md §4.5 step 8: "stamp hist.msg.hdr.seq = replayed_seq + 1").
func StampSeq(frame []byte, seq int64) {
	binary.LittleEndian.PutUint64(frame[8:16], uint64(seq))
}
