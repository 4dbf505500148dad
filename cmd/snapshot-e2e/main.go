// Command snapshot-e2e exercises the full snapshot cycle against a
// backend: build a VM from a YAML description, dirty some guest memory,
// save a snapshot plus memory image to disk, restore both into a fresh
// VM and verify the result.
package main

import (
	"bytes"
	"crypto/sha256"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hv"
	"github.com/tinyrange/hv/factory"
)

type regionSpec struct {
	GuestAddr     uint64 `yaml:"guest_addr"`
	Size          uint64 `yaml:"size"`
	ReadOnly      bool   `yaml:"read_only"`
	LogDirtyPages bool   `yaml:"log_dirty_pages"`
}

type routeSpec struct {
	GSI  uint32 `yaml:"gsi"`
	Kind string `yaml:"kind"` // irqchip or msi
	Chip uint32 `yaml:"chip"`
	Pin  uint32 `yaml:"pin"`
	Addr uint64 `yaml:"addr"`
	Data uint32 `yaml:"data"`
}

type vmSpec struct {
	Backend string       `yaml:"backend"`
	CPUs    int          `yaml:"cpus"`
	Regions []regionSpec `yaml:"regions"`
	Routes  []routeSpec  `yaml:"routes"`
}

func defaultSpec() vmSpec {
	return vmSpec{
		Backend: "soft",
		CPUs:    2,
		Regions: []regionSpec{
			{GuestAddr: 0, Size: 64 << 20, LogDirtyPages: true},
		},
		Routes: []routeSpec{
			{GSI: 4, Kind: "irqchip", Chip: hv.IrqchipIOAPIC, Pin: 4},
		},
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "snapshot-e2e: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "YAML VM description (default: built-in)")
	snapshotPath := fs.String("snapshot", "snapshot.hvsn", "Snapshot output path")
	memoryPath := fs.String("memory-image", "memory.img", "Memory image output path")
	keep := fs.Bool("keep", false, "Keep output files after verification")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Snapshot a VM, restore it into a fresh VM and verify.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	spec := defaultSpec()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}

	routes, err := buildRoutes(spec.Routes)
	if err != nil {
		return err
	}

	fmt.Printf("Building source VM (%s, %d vCPUs, %d regions)...\n",
		spec.Backend, spec.CPUs, len(spec.Regions))

	source, vm, err := buildVM(spec, routes)
	if err != nil {
		return err
	}
	defer source.Close()
	defer vm.Close()

	// Generate a recognizable pattern in every region so restore
	// verification catches both missing and misplaced bytes.
	for _, region := range spec.Regions {
		if region.ReadOnly {
			continue
		}
		pattern := makePattern(region.GuestAddr, region.Size)
		if _, err := vm.WriteAt(pattern, int64(region.GuestAddr)); err != nil {
			return fmt.Errorf("fill region at 0x%x: %w", region.GuestAddr, err)
		}
	}

	start := time.Now()
	snap, err := hv.TakeSnapshot(vm)
	if err != nil {
		return fmt.Errorf("take snapshot: %w", err)
	}
	fmt.Printf("Snapshot captured in %v\n", time.Since(start))

	if err := hv.SaveSnapshotFile(*snapshotPath, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if err := saveMemory(*memoryPath, vm, spec.Regions); err != nil {
		return err
	}

	fmt.Println("Building target VM...")
	targetHyp, target, err := buildVM(spec, routes)
	if err != nil {
		return err
	}
	defer targetHyp.Close()
	defer target.Close()

	loaded, err := hv.LoadSnapshotFile(*snapshotPath)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	start = time.Now()
	if err := hv.RestoreSnapshot(target, loaded); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if err := loadMemory(*memoryPath, target, spec.Regions); err != nil {
		return err
	}
	fmt.Printf("Restore completed in %v\n", time.Since(start))

	if err := verify(vm, target, spec.Regions); err != nil {
		return err
	}
	fmt.Println("OK: restored VM matches source")

	if !*keep {
		os.Remove(*snapshotPath)
		os.Remove(*memoryPath)
	}
	return nil
}

func buildRoutes(specs []routeSpec) (*hv.RouteTable, error) {
	var routes []hv.Route
	for _, r := range specs {
		switch r.Kind {
		case "irqchip", "":
			routes = append(routes, hv.IrqchipRoute(r.GSI, r.Chip, r.Pin))
		case "msi":
			routes = append(routes, hv.MSIRoute(r.GSI, r.Addr, r.Data))
		default:
			return nil, fmt.Errorf("route gsi %d: unknown kind %q", r.GSI, r.Kind)
		}
	}
	return hv.NewRouteTable(routes), nil
}

func buildVM(spec vmSpec, routes *hv.RouteTable) (hv.Hypervisor, hv.VirtualMachine, error) {
	hyp, err := factory.OpenBackend(hv.BackendID(spec.Backend))
	if err != nil {
		return nil, nil, fmt.Errorf("open backend %q: %w", spec.Backend, err)
	}

	vm, err := hyp.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:          spec.CPUs,
		InterruptSupport: routes.Len() > 0,
	})
	if err != nil {
		hyp.Close()
		return nil, nil, fmt.Errorf("create VM: %w", err)
	}

	for _, region := range spec.Regions {
		mapping, err := hv.NewMapping(region.Size)
		if err != nil {
			vm.Close()
			hyp.Close()
			return nil, nil, fmt.Errorf("allocate region at 0x%x: %w", region.GuestAddr, err)
		}
		if _, err := vm.AddMemoryRegion(hv.MemoryRegion{
			GuestAddr:     region.GuestAddr,
			Size:          region.Size,
			Mapping:       mapping,
			ReadOnly:      region.ReadOnly,
			LogDirtyPages: region.LogDirtyPages,
		}); err != nil {
			mapping.Release()
			vm.Close()
			hyp.Close()
			return nil, nil, fmt.Errorf("add region at 0x%x: %w", region.GuestAddr, err)
		}
	}

	for id := 0; id < spec.CPUs; id++ {
		if _, err := vm.CreateVCPU(id); err != nil {
			vm.Close()
			hyp.Close()
			return nil, nil, fmt.Errorf("create vCPU %d: %w", id, err)
		}
	}

	if routes.Len() > 0 {
		if err := vm.SetIRQRouting(routes); err != nil {
			vm.Close()
			hyp.Close()
			return nil, nil, fmt.Errorf("install routes: %w", err)
		}
	}

	return hyp, vm, nil
}

func makePattern(base, size uint64) []byte {
	pattern := make([]byte, size)
	for i := range pattern {
		pattern[i] = byte((base + uint64(i)) * 2654435761)
	}
	return pattern
}

func saveMemory(path string, vm hv.VirtualMachine, regions []regionSpec) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create memory image: %w", err)
	}
	defer f.Close()

	for _, region := range regions {
		buf := make([]byte, region.Size)
		if _, err := vm.ReadAt(buf, int64(region.GuestAddr)); err != nil {
			return fmt.Errorf("read region at 0x%x: %w", region.GuestAddr, err)
		}

		bar := progressbar.DefaultBytes(int64(region.Size),
			fmt.Sprintf("writing region 0x%x", region.GuestAddr))
		if err := hv.WriteMemoryImage(newProgressWriter(f, bar), buf); err != nil {
			return fmt.Errorf("write region at 0x%x: %w", region.GuestAddr, err)
		}
		bar.Finish()
	}
	return nil
}

func loadMemory(path string, vm hv.VirtualMachine, regions []regionSpec) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open memory image: %w", err)
	}
	defer f.Close()

	for _, region := range regions {
		buf, err := hv.ReadMemoryImage(f)
		if err != nil {
			return fmt.Errorf("read region at 0x%x: %w", region.GuestAddr, err)
		}
		if uint64(len(buf)) != region.Size {
			return fmt.Errorf("region at 0x%x: image has %d bytes, expected %d",
				region.GuestAddr, len(buf), region.Size)
		}
		if region.ReadOnly {
			continue
		}
		if _, err := vm.WriteAt(buf, int64(region.GuestAddr)); err != nil {
			return fmt.Errorf("write region at 0x%x: %w", region.GuestAddr, err)
		}
	}
	return nil
}

func verify(source, target hv.VirtualMachine, regions []regionSpec) error {
	for _, region := range regions {
		want := make([]byte, region.Size)
		if _, err := source.ReadAt(want, int64(region.GuestAddr)); err != nil {
			return fmt.Errorf("read source region at 0x%x: %w", region.GuestAddr, err)
		}
		got := make([]byte, region.Size)
		if _, err := target.ReadAt(got, int64(region.GuestAddr)); err != nil {
			return fmt.Errorf("read target region at 0x%x: %w", region.GuestAddr, err)
		}
		if !bytes.Equal(want, got) {
			return fmt.Errorf("region at 0x%x differs after restore (source %x, target %x)",
				region.GuestAddr, sha256.Sum256(want), sha256.Sum256(got))
		}
	}

	wantRoutes := source.IRQRouting()
	gotRoutes := target.IRQRouting()
	if wantRoutes.Len() != gotRoutes.Len() {
		return fmt.Errorf("route table has %d entries after restore, expected %d",
			gotRoutes.Len(), wantRoutes.Len())
	}
	return nil
}

// progressWriter feeds the progress bar from writes that pass through
// to the underlying file.
type progressWriter struct {
	f   *os.File
	bar *progressbar.ProgressBar
}

func newProgressWriter(f *os.File, bar *progressbar.ProgressBar) *progressWriter {
	return &progressWriter{f: f, bar: bar}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.bar.Add(n)
	return n, err
}
