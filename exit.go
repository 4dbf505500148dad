package hv

import "fmt"

// Exit is one portable VM-exit reason. A fresh value is produced on
// every Run call and is not retained by the core.
//
// For ExitIoIn and ExitMmioRead the Data slice aliases the backend's
// run buffer: the caller fills it with the device's response before
// calling Run again. For ExitIoOut and ExitMmioWrite the Data slice
// holds the bytes the guest wrote and is valid until the next Run.
type Exit interface {
	isExit()
	String() string
}

type ExitIoIn struct {
	Port uint16
	Data []byte
}

type ExitIoOut struct {
	Port uint16
	Data []byte
}

type ExitMmioRead struct {
	Addr uint64
	Data []byte
}

type ExitMmioWrite struct {
	Addr uint64
	Data []byte
}

// ExitHlt reports that the guest executed a halt instruction.
type ExitHlt struct{}

// ExitShutdown reports that the guest shut down or triple-faulted.
type ExitShutdown struct{}

// ExitInterruptWindow reports that interrupt injection is now possible,
// in response to RequestInterruptWindow.
type ExitInterruptWindow struct{}

// ExitDebug reports a single-step or breakpoint trap while debug is
// attached.
type ExitDebug struct {
	PC uint64
}

// ExitImmediate reports that Run returned because SetImmediateExit was
// observed rather than because the guest exited.
type ExitImmediate struct{}

// ExitInternalError reports that the backend detected an internal
// inconsistency while running the guest.
type ExitInternalError struct {
	SubError uint32
	Data     []uint64
}

// ExitUnknown carries a native exit code the core does not recognize.
// It is a valid, if uninformative, result of one Run call; the caller
// decides whether to treat it as fatal.
type ExitUnknown struct {
	Code uint32
}

func (ExitIoIn) isExit()          {}
func (ExitIoOut) isExit()         {}
func (ExitMmioRead) isExit()      {}
func (ExitMmioWrite) isExit()     {}
func (ExitHlt) isExit()           {}
func (ExitShutdown) isExit()      {}
func (ExitInterruptWindow) isExit() {}
func (ExitDebug) isExit()         {}
func (ExitImmediate) isExit()     {}
func (ExitInternalError) isExit() {}
func (ExitUnknown) isExit()       {}

func (e ExitIoIn) String() string  { return fmt.Sprintf("io in port 0x%04x len %d", e.Port, len(e.Data)) }
func (e ExitIoOut) String() string { return fmt.Sprintf("io out port 0x%04x len %d", e.Port, len(e.Data)) }
func (e ExitMmioRead) String() string {
	return fmt.Sprintf("mmio read 0x%016x len %d", e.Addr, len(e.Data))
}
func (e ExitMmioWrite) String() string {
	return fmt.Sprintf("mmio write 0x%016x len %d", e.Addr, len(e.Data))
}
func (ExitHlt) String() string             { return "hlt" }
func (ExitShutdown) String() string        { return "shutdown" }
func (ExitInterruptWindow) String() string { return "interrupt window open" }
func (e ExitDebug) String() string         { return fmt.Sprintf("debug trap at 0x%x", e.PC) }
func (ExitImmediate) String() string       { return "immediate exit" }
func (e ExitInternalError) String() string {
	return fmt.Sprintf("internal error %d", e.SubError)
}
func (e ExitUnknown) String() string { return fmt.Sprintf("unknown exit code %d", e.Code) }
