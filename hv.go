// Package hv provides a portable abstraction over hardware
// virtualization backends: KVM on Linux, Hypervisor.framework on
// macOS, the Windows Hypervisor Platform, and a software backend for
// tests and tooling.
//
// The package defines the backend-independent surface (Hypervisor,
// VirtualMachine, VirtualCPU), the memory slot and interrupt routing
// models, dirty-page logging, and a versioned snapshot container.
// Backend packages (kvm, hvf, whp, soft) implement the interfaces; the
// factory package selects one for the host.
//
// A vCPU is driven by exactly one goroutine at a time. Run blocks
// until the guest exits, returns a decoded Exit value and hands
// control back to the caller; there is no implicit resume. The only
// way to interrupt a blocked Run is SetImmediateExit or cancelling the
// run context, which is wired to the same primitive.
package hv
