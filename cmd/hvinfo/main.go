// Command hvinfo reports which hypervisor backend the host provides
// and what it is capable of.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/tinyrange/hv"
	"github.com/tinyrange/hv/factory"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hvinfo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	backend := flag.String("backend", "", "Backend to probe (kvm, hvf, whp, soft; default: native)")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	var (
		hyp hv.Hypervisor
		err error
	)
	if *backend == "" {
		hyp, err = factory.Open()
	} else {
		hyp, err = factory.OpenBackend(hv.BackendID(*backend))
	}
	if err != nil {
		return fmt.Errorf("open hypervisor: %w", err)
	}
	defer hyp.Close()

	caps := hyp.Capabilities()

	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Printf("backend:       %s\n", caps.Backend)
		fmt.Printf("architecture:  %s\n", caps.Arch)
		fmt.Printf("max vCPUs:     %d\n", caps.MaxVCPUs)
		fmt.Printf("max slots:     %d\n", caps.MaxSlots)
		fmt.Printf("page size:     %d\n", caps.PageSize)
		fmt.Printf("irq routing:   %s\n", yesNo(caps.IRQRouting))
		fmt.Printf("signal msi:    %s\n", yesNo(caps.SignalMSI))
		fmt.Printf("dirty log:     %s\n", yesNo(caps.DirtyLog))
		fmt.Printf("debug:         %s\n", yesNo(caps.Debug))
		return nil
	}

	// Machine-readable when piped.
	fmt.Printf("backend=%s arch=%s max_vcpus=%d max_slots=%d page_size=%d irq_routing=%t signal_msi=%t dirty_log=%t debug=%t\n",
		caps.Backend, caps.Arch, caps.MaxVCPUs, caps.MaxSlots, caps.PageSize,
		caps.IRQRouting, caps.SignalMSI, caps.DirtyLog, caps.Debug)
	return nil
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
