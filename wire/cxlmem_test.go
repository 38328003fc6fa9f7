package wire

import "testing"

func TestCxlMemRoundTripM2SReq(t *testing.T) {
	p := NewM2SReq(5, 0x1000, MemOpMemRd, MetaFieldMeta0State, MetaValueShared, SnpTypeSnpData, nil)
	buf, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	sh, err := DecodeSystemHeader(buf)
	if err != nil {
		t.Fatalf("DecodeSystemHeader() error: %v", err)
	}
	got, err := decodeCxlMem(sh, buf[HeaderSize:])
	if err != nil {
		t.Fatalf("decodeCxlMem() error: %v", err)
	}
	if got.MsgClass != MemM2SReq || got.Opcode != MemOpMemRd {
		t.Fatalf("got %+v, want MemM2SReq/MemOpMemRd", got)
	}
	if got.Meta != MetaFieldMeta0State || got.Value != MetaValueShared || got.Snp != SnpTypeSnpData {
		t.Fatalf("metadata mismatch: %+v", got)
	}
	if got.Address != p.Address || got.TID != p.TID {
		t.Fatalf("Address/TID mismatch: got %+v, want %+v", got, p)
	}
}

func TestCxlMemRoundTripM2SRwD(t *testing.T) {
	data := make([]byte, CacheLineSize)
	for i := range data {
		data[i] = byte(i)
	}
	p := NewM2SReq(9, 0x2000, MemOpMemWr, MetaFieldNoOp, MetaValueAny, SnpTypeNoOp, data)
	if p.MsgClass != MemM2SRwD {
		t.Fatalf("NewM2SReq with MemOpMemWr produced MsgClass %v, want MemM2SRwD", p.MsgClass)
	}
	buf, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	sh, _ := DecodeSystemHeader(buf)
	got, err := decodeCxlMem(sh, buf[HeaderSize:])
	if err != nil {
		t.Fatalf("decodeCxlMem() error: %v", err)
	}
	if string(got.Data) != string(data) {
		t.Fatalf("Data mismatch")
	}
}

func TestCxlMemRoundTripNDRAndDRS(t *testing.T) {
	ndr := NewNDR(3, NDRCmpS)
	buf, _ := ndr.Encode()
	sh, _ := DecodeSystemHeader(buf)
	got, err := decodeCxlMem(sh, buf[HeaderSize:])
	if err != nil {
		t.Fatalf("decodeCxlMem() error: %v", err)
	}
	if got.MsgClass != MemS2MNDR || got.NDROp != NDRCmpS {
		t.Fatalf("got %+v, want MemS2MNDR/NDRCmpS", got)
	}

	data := make([]byte, CacheLineSize)
	drs := NewDRS(3, data)
	buf, _ = drs.Encode()
	sh, _ = DecodeSystemHeader(buf)
	got, err = decodeCxlMem(sh, buf[HeaderSize:])
	if err != nil {
		t.Fatalf("decodeCxlMem() error: %v", err)
	}
	if got.MsgClass != MemS2MDRS || len(got.Data) != CacheLineSize {
		t.Fatalf("got %+v, want MemS2MDRS with 64-byte payload", got)
	}
}

func TestCxlMemRoundTripBISnpAndBIRsp(t *testing.T) {
	snp := NewBISnp(1, 2, 0x3000, BISnpInv)
	buf, _ := snp.Encode()
	sh, _ := DecodeSystemHeader(buf)
	got, err := decodeCxlMem(sh, buf[HeaderSize:])
	if err != nil {
		t.Fatalf("decodeCxlMem() error: %v", err)
	}
	if got.MsgClass != MemS2MBISnp || got.BISnpOp != BISnpInv || got.BIID != 1 || got.BITag != 2 {
		t.Fatalf("got %+v, want BISnp_Inv bi_id=1 bi_tag=2", got)
	}

	rsp := NewBIRsp(1, 2, BIRspI)
	buf, _ = rsp.Encode()
	sh, _ = DecodeSystemHeader(buf)
	got, err = decodeCxlMem(sh, buf[HeaderSize:])
	if err != nil {
		t.Fatalf("decodeCxlMem() error: %v", err)
	}
	if got.MsgClass != MemM2SBIRsp || got.BIRspOp != BIRspI || got.BIID != 1 || got.BITag != 2 {
		t.Fatalf("got %+v, want BIRsp_I bi_id=1 bi_tag=2", got)
	}
}

func TestCxlMemAddressAlignmentTruncated(t *testing.T) {
	p := NewM2SReq(1, 0x1007, MemOpMemRd, MetaFieldNoOp, MetaValueAny, SnpTypeNoOp, nil)
	buf, _ := p.Encode()
	sh, _ := DecodeSystemHeader(buf)
	got, err := decodeCxlMem(sh, buf[HeaderSize:])
	if err != nil {
		t.Fatalf("decodeCxlMem() error: %v", err)
	}
	if got.Address != 0x1000 {
		t.Fatalf("Address = %#x, want 64-byte aligned %#x", got.Address, 0x1000)
	}
}

func TestDecodeCxlMemRejectsUnknownMsgClass(t *testing.T) {
	sh := SystemHeader{PayloadType: PayloadCXLMem, PayloadLength: HeaderSize + cxlMemHeaderSize}
	payload := make([]byte, cxlMemHeaderSize)
	payload[0] = 0xFF
	if _, err := decodeCxlMem(sh, payload); err == nil {
		t.Fatal("decodeCxlMem() on unknown msg class: want error, got nil")
	}
}
