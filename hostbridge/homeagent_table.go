package hostbridge

import "github.com/opencis/opencis-core/wire"

// m2sShape is one row of the CacheRequest -> M2S translation table (spec.md
// §4.I), reproduced verbatim from the source's
// _process_upstream_host_to_target_packets dispatch. expectsDRS records
// which completion shape the far end answers with — grounded directly on
// original_source/tests/test_cxl_mem_dcoh.py, which shows this is fixed per
// request shape rather than inferable from the NDR opcode: a plain read
// completes with a bare S2M DRS (no NDR at all), SNP_INV completes with a
// DRS carrying whatever dirty data it evicted, and every other shape
// (writes, SNP_DATA, SNP_CUR) completes with an S2M NDR alone.
type m2sShape struct {
	opcode     wire.MemOpcode
	meta       wire.MetaField
	value      wire.MetaValue
	snp        wire.SnpType
	expectsDRS bool
}

// m2sTable maps every CacheRequestType the home agent's local-request queue
// can carry to its M2S Req/RwD shape.
var m2sTable = map[CacheRequestType]m2sShape{
	CacheReqRead:           {wire.MemOpMemRd, wire.MetaFieldNoOp, wire.MetaValueAny, wire.SnpTypeNoOp, true},
	CacheReqWrite:          {wire.MemOpMemWr, wire.MetaFieldNoOp, wire.MetaValueAny, wire.SnpTypeNoOp, false},
	CacheReqWriteBack:      {wire.MemOpMemWr, wire.MetaFieldMeta0State, wire.MetaValueInvalid, wire.SnpTypeNoOp, false},
	CacheReqWriteBackClean: {wire.MemOpMemWr, wire.MetaFieldMeta0State, wire.MetaValueInvalid, wire.SnpTypeNoOp, false},
	CacheReqSnpData:        {wire.MemOpMemRd, wire.MetaFieldMeta0State, wire.MetaValueShared, wire.SnpTypeSnpData, false},
	CacheReqSnpInv:         {wire.MemOpMemInv, wire.MetaFieldMeta0State, wire.MetaValueAny, wire.SnpTypeSnpInv, true},
	CacheReqSnpCur:         {wire.MemOpMemRd, wire.MetaFieldMeta0State, wire.MetaValueAny, wire.SnpTypeSnpCur, false},
	CacheReqUncachedRead:   {wire.MemOpMemRd, wire.MetaFieldNoOp, wire.MetaValueAny, wire.SnpTypeNoOp, true},
	CacheReqUncachedWrite:  {wire.MemOpMemWr, wire.MetaFieldNoOp, wire.MetaValueAny, wire.SnpTypeNoOp, false},
}

// isWrite reports whether a CacheRequestType's M2S shape carries data
// downstream (M2S RwD) rather than awaiting data upstream (M2S Req).
func isWrite(t CacheRequestType) bool {
	switch t {
	case CacheReqWrite, CacheReqWriteBack, CacheReqWriteBackClean, CacheReqUncachedWrite:
		return true
	default:
		return false
	}
}
