package wire

import "testing"

func TestDecodeDispatchesByPayloadType(t *testing.T) {
	packets := []Packet{
		&CxlIoPacket{Type: FmtMemRd, Address: 0x1000, Length: 4},
		NewM2SReq(1, 0x1000, MemOpMemRd, MetaFieldNoOp, MetaValueAny, SnpTypeNoOp, nil),
		NewD2HReq(1, 0x40, D2HReqCacheRdAny),
		NewCCIRequest(CCIIdentifySwitch, 1, nil),
		NewConnectionRequest(2),
	}
	for _, want := range packets {
		buf, err := want.Encode()
		if err != nil {
			t.Fatalf("Encode() error: %v", err)
		}
		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode() error: %v", err)
		}
		if got.PayloadType() != want.PayloadType() {
			t.Fatalf("Decode() PayloadType = %v, want %v", got.PayloadType(), want.PayloadType())
		}
		reEncoded, err := got.Encode()
		if err != nil {
			t.Fatalf("re-Encode() error: %v", err)
		}
		if string(reEncoded) != string(buf) {
			t.Fatalf("encode(decode(b)) != b for %v", want.PayloadType())
		}
	}
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	if _, err := Decode([]byte{1, 2}); err == nil {
		t.Fatal("Decode() on truncated header: want error, got nil")
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	buf, _ := NewConnectionRequest(1).Encode()
	buf = append(buf, 0xFF) // payload_length no longer matches len(buf)
	if _, err := Decode(buf); err == nil {
		t.Fatal("Decode() on length mismatch: want error, got nil")
	}
}

func TestDecodeRejectsUnknownPayloadType(t *testing.T) {
	buf := make([]byte, HeaderSize)
	SystemHeader{PayloadType: 0xFF, PayloadLength: HeaderSize}.Encode(buf)
	if _, err := Decode(buf); err == nil {
		t.Fatal("Decode() on unknown payload type: want error, got nil")
	}
}
