// Package fabric implements the switching core of spec.md §4.C/§4.D/§4.E:
// the per-port TCP connection manager and sideband handshake, the
// per-connection packet processor, and the virtual CXL switch that
// multiplexes one upstream port across N downstream ports through vPPBs.
package fabric
