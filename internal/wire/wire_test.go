package wire

import "testing"

func TestSynRoundTrip(t *testing.T) {
	frame := EncodeSyn(0, 5, 9, 10000)
	hdr := DecodeHeader(frame)
	if hdr.Type != MsgSYN {
		t.Fatalf("type = %v, want SYN", hdr.Type)
	}
	if int(hdr.Len) != len(frame) {
		t.Fatalf("len field %d != actual %d", hdr.Len, len(frame))
	}
	body := DecodeSyn(frame[HeaderSize:])
	if body.CliID != 5 || body.SvrID != 9 || body.CliPort != 10000 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestSynAckRejection(t *testing.T) {
	frame := EncodeSynAck(0, 0)
	port := DecodeSynAck(frame[HeaderSize:])
	if port != 0 {
		t.Fatalf("expected rejection sentinel port 0, got %d", port)
	}
}

func TestPayloadRoundTripAndBGPType(t *testing.T) {
	bgp := make([]byte, 19)
	bgp[18] = BGPKeepalive
	frame := EncodePayload(0, 1, 2, bgp)
	body := DecodePayload(frame)
	if body.SrcID != 1 || body.DstID != 2 {
		t.Fatalf("unexpected payload header: %+v", body)
	}
	got, ok := BGPType(frame)
	if !ok || got != BGPKeepalive {
		t.Fatalf("BGPType = (%v,%v), want (KEEPALIVE,true)", got, ok)
	}
}

func TestStampSeq(t *testing.T) {
	frame := EncodePayload(0, 1, 2, []byte{0})
	StampSeq(frame, 42)
	if DecodeHeader(frame).Seq != 42 {
		t.Fatalf("seq not stamped")
	}
}

func TestEndOfStageCarriesStage(t *testing.T) {
	frame := EncodeEndOfStage(3)
	if DecodeHeader(frame).Seq != 3 {
		t.Fatalf("ENDOFSTAGE did not carry stage number")
	}
}
