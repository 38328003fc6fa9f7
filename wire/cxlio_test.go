package wire

import "testing"

func TestBDFEncodeDecodeRoundTrip(t *testing.T) {
	cases := []BDF{
		{Bus: 0, Device: 0, Function: 0},
		{Bus: 0xFF, Device: 31, Function: 7},
		{Bus: 1, Device: 2, Function: 3},
	}
	for _, b := range cases {
		got := DecodeBDF(b.Encode())
		if got != b {
			t.Errorf("DecodeBDF(Encode(%+v)) = %+v", b, got)
		}
	}
}

func TestCxlIoPacketRoundTripMemWr(t *testing.T) {
	p := &CxlIoPacket{
		LdID:          2,
		Type:          FmtMemWr,
		TransactionID: 0xBEEF,
		Address:       0x0000_0001_2340,
		Data:          []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	buf, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	sh, err := DecodeSystemHeader(buf)
	if err != nil {
		t.Fatalf("DecodeSystemHeader() error: %v", err)
	}
	if sh.PayloadType != PayloadCXLIO {
		t.Fatalf("PayloadType = %v, want %v", sh.PayloadType, PayloadCXLIO)
	}
	if int(sh.PayloadLength) != len(buf) {
		t.Fatalf("PayloadLength = %d, want %d", sh.PayloadLength, len(buf))
	}

	got, err := decodeCxlIo(sh, buf[HeaderSize:])
	if err != nil {
		t.Fatalf("decodeCxlIo() error: %v", err)
	}
	if got.LdID != p.LdID || got.Type != p.Type || got.TransactionID != p.TransactionID {
		t.Fatalf("decoded header mismatch: got %+v, want %+v", got, p)
	}
	if got.Address != p.Address {
		t.Fatalf("Address = %#x, want %#x", got.Address, p.Address)
	}
	if string(got.Data) != string(p.Data) {
		t.Fatalf("Data = %v, want %v", got.Data, p.Data)
	}
}

func TestCxlIoPacketRoundTripCfgRd(t *testing.T) {
	p := &CxlIoPacket{
		Type:          FmtCfgRd,
		TransactionID: 7,
		Target:        BDF{Bus: 3, Device: 0, Function: 0},
		Register:      0x00, // vendor/device ID
	}
	buf, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	sh, err := DecodeSystemHeader(buf)
	if err != nil {
		t.Fatalf("DecodeSystemHeader() error: %v", err)
	}
	got, err := decodeCxlIo(sh, buf[HeaderSize:])
	if err != nil {
		t.Fatalf("decodeCxlIo() error: %v", err)
	}
	if got.Target != p.Target || got.Register != p.Register {
		t.Fatalf("got %+v, want %+v", got, p)
	}
}

func TestCxlIoAddressLowBitsTruncated(t *testing.T) {
	p := &CxlIoPacket{Type: FmtMemRd, Address: 0x1003, Length: 4}
	buf, _ := p.Encode()
	sh, _ := DecodeSystemHeader(buf)
	got, err := decodeCxlIo(sh, buf[HeaderSize:])
	if err != nil {
		t.Fatalf("decodeCxlIo() error: %v", err)
	}
	if got.Address != 0x1000 {
		t.Fatalf("Address = %#x, want bits 0-1 truncated to %#x", got.Address, 0x1000)
	}
}

func TestDecodeCxlIoRejectsShortPayload(t *testing.T) {
	sh := SystemHeader{PayloadType: PayloadCXLIO, PayloadLength: HeaderSize + 4}
	if _, err := decodeCxlIo(sh, []byte{1, 2, 3}); err == nil {
		t.Fatal("decodeCxlIo() on truncated payload: want error, got nil")
	}
}

func TestNewUnsupportedRequestCompletion(t *testing.T) {
	req := &CxlIoPacket{Type: FmtMemRd, TransactionID: 9}
	cpl := NewUnsupportedRequestCompletion(req)
	if cpl.Type != FmtCplD {
		t.Fatalf("Type = %v, want CPL_D for a read request", cpl.Type)
	}
	if cpl.Status != CplStatusUnsupportedRequest {
		t.Fatalf("Status = %v, want CplStatusUnsupportedRequest", cpl.Status)
	}
	if cpl.TransactionID != req.TransactionID {
		t.Fatalf("TransactionID = %d, want %d", cpl.TransactionID, req.TransactionID)
	}
}
