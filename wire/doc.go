// Package wire implements the bit-exact, length-prefixed framing of
// spec.md §3/§4.A/§6: a 4-byte little-endian system header (payload_type,
// payload_length) followed by one of five sublayer payloads (CXL.io,
// CXL.mem, CXL.cache, CCI, sideband).
//
// Every packet type implements [Packet]. [Encode] and [Decode] are each
// other's inverse: decode(encode(p)) == p for every well-formed p, and
// encode(decode(b)) == b for every well-formed b (spec.md §8 item 1).
//
// Field layouts are this module's own declarative choice where spec.md
// leaves exact bit offsets unspecified (it pins down only the system header
// and the CXL.io 62-bit address field). Each sublayer's Encode method and
// decode function read and write the header fields at fixed byte offsets;
// the layout is given beside the header-size constant or inline in Encode.
package wire
