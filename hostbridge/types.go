package hostbridge

import (
	"time"

	"github.com/opencis/opencis-core/mailbox"
)

// cxlMemTimeout bounds the home agent's wait on a downstream CXL.mem
// completion (spec.md §4.I). DESIGN.md Open Question (b): the fabric is
// in-process, so a real firing indicates a bug rather than congestion; the
// constant is kept named rather than made configurable.
const cxlMemTimeout = 3 * time.Second

// CacheRequestType enumerates the shapes exchanged between the cache
// controller, the home agent, and the coherency bridge (spec.md §4.I/§4.J).
type CacheRequestType int

// CacheRequestType values.
const (
	CacheReqRead CacheRequestType = iota
	CacheReqWrite
	CacheReqWriteBack
	CacheReqWriteBackClean
	CacheReqSnpData
	CacheReqSnpInv
	CacheReqSnpCur
	CacheReqUncachedRead
	CacheReqUncachedWrite
)

// String names a CacheRequestType for logging.
func (t CacheRequestType) String() string {
	switch t {
	case CacheReqRead:
		return "READ"
	case CacheReqWrite:
		return "WRITE"
	case CacheReqWriteBack:
		return "WRITE_BACK"
	case CacheReqWriteBackClean:
		return "WRITE_BACK_CLEAN"
	case CacheReqSnpData:
		return "SNP_DATA"
	case CacheReqSnpInv:
		return "SNP_INV"
	case CacheReqSnpCur:
		return "SNP_CUR"
	case CacheReqUncachedRead:
		return "UNCACHED_READ"
	case CacheReqUncachedWrite:
		return "UNCACHED_WRITE"
	default:
		return "UNKNOWN"
	}
}

// CacheRequest is the message shape flowing cache-controller -> home-agent
// (local reads/writes/snoop-results) and cache-controller -> coherency-bridge
// (device-cache snoops for DRAM-backed ranges).
type CacheRequest struct {
	Type CacheRequestType
	Addr uint64
	Size int
	Line []byte // full cacheline payload, when the request carries data
}

// CacheResponseStatus is the outcome of a CacheRequest.
type CacheResponseStatus int

// CacheResponseStatus values.
const (
	CacheRespOK CacheResponseStatus = iota
	CacheRespS
	CacheRespI
	CacheRespV
	CacheRespMiss
)

// String names a CacheResponseStatus for logging.
func (s CacheResponseStatus) String() string {
	switch s {
	case CacheRespOK:
		return "OK"
	case CacheRespS:
		return "RSP_S"
	case CacheRespI:
		return "RSP_I"
	case CacheRespV:
		return "RSP_V"
	case CacheRespMiss:
		return "RSP_MISS"
	default:
		return "UNKNOWN"
	}
}

// CacheResponse answers a CacheRequest.
type CacheResponse struct {
	Status CacheResponseStatus
	Line   []byte
}

// CacheFifoPair is a request/response mailbox pair linking two coherency
// components, the Go shape of the source's CacheFifoPair
// (opencis/cxl/transport/cache_fifo.py: a pair of asyncio.Queue).
type CacheFifoPair struct {
	Request  *mailbox.Mailbox[CacheRequest]
	Response *mailbox.Mailbox[CacheResponse]
}

// NewCacheFifoPair returns an open, empty pair.
func NewCacheFifoPair() *CacheFifoPair {
	return &CacheFifoPair{Request: mailbox.New[CacheRequest](), Response: mailbox.New[CacheResponse]()}
}

// MemoryRequestType is the CPU-surface request shape (spec.md §4.H).
type MemoryRequestType int

// MemoryRequestType values.
const (
	MemReqRead MemoryRequestType = iota
	MemReqWrite
	MemReqUncachedRead
	MemReqUncachedWrite
)

// MemoryRequest is a CPU-surface load/store.
type MemoryRequest struct {
	Type MemoryRequestType
	Addr uint64
	Size int
	Data uint64
}

// MemoryResponseStatus is the outcome of a MemoryRequest.
type MemoryResponseStatus int

// MemoryResponseStatus values.
const (
	MemRespOK MemoryResponseStatus = iota
	MemRespError
	MemRespMisaligned
)

// MemoryResponse answers a MemoryRequest.
type MemoryResponse struct {
	Status MemoryResponseStatus
	Data   uint64
}

// MemoryFifoPair is the CPU-surface request/response mailbox pair (the Go
// shape of opencis/cxl/transport/memory_fifo.py's MemoryFifoPair).
type MemoryFifoPair struct {
	Request  *mailbox.Mailbox[MemoryRequest]
	Response *mailbox.Mailbox[MemoryResponse]
}

// NewMemoryFifoPair returns an open, empty pair.
func NewMemoryFifoPair() *MemoryFifoPair {
	return &MemoryFifoPair{Request: mailbox.New[MemoryRequest](), Response: mailbox.New[MemoryResponse]()}
}
