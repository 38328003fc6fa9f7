// Package hdm implements the Host-managed Device Memory decoder of
// spec.md §4.F: address-range to target translation, HPA<->DPA on the
// device side and HPA->downstream-port on the switch side.
package hdm
