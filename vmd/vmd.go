// Package vmd is the virtual machine daemon: it runs corevm execution in
// batches, exchanges text commands and status lines with the manager GUI
// over pipes, and publishes the VGA view through a shared-memory
// framebuffer.
package vmd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/brianmayclone/anyos-core/corevm"
	"github.com/brianmayclone/anyos-core/ipc"
)

// SHM framebuffer layout: a 64-byte header followed by the payload.
const (
	ShmHeaderSize = 64

	// ShmSize covers up to 1024x768x32bpp plus the header.
	ShmSize = 4 << 20

	shmOffWidth  = 0
	shmOffHeight = 4
	shmOffBpp    = 8
	shmOffDirty  = 12
	shmOffState  = 16
	shmOffICount = 20
)

// VM states published at header offset 16.
const (
	StateStopped uint32 = 0
	StateRunning uint32 = 1
	StateHalted  uint32 = 2
	StateError   uint32 = 3
)

// BatchSize is how many instructions run between IPC polls. Higher means
// more throughput, lower means more responsive to commands.
const BatchSize = 5_000_000

// PitTicksPerBatch approximates the real PIT rate per batch.
const PitTicksPerBatch = 4

var ErrNoVM = errors.New("vmd: no VM instance")

// Config is the daemon-level configuration (the yaml file the service
// loads at startup; see LoadConfig).
type Config struct {
	SeaBIOSPath string `yaml:"seabios"`
	VgaBIOSPath string `yaml:"vgabios"`
	VMsDir      string `yaml:"vms_dir"`
	BatchSize   uint64 `yaml:"batch_size"`
}

// VMConfig is one per-VM key=value config file, matching what the
// manager GUI writes.
type VMConfig struct {
	Name      string
	RAMMiB    int
	DiskImage string
	ISOImage  string
}

// ParseVMConfig reads the key=value body of a <uuid>.conf file.
func ParseVMConfig(text string) (VMConfig, error) {
	cfg := VMConfig{RAMMiB: 64}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		switch key {
		case "name":
			cfg.Name = val
		case "ram":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				cfg.RAMMiB = n
			}
		case "disk":
			cfg.DiskImage = val
		case "iso":
			cfg.ISOImage = val
		}
	}

	if cfg.Name == "" {
		return cfg, errors.New("vm config: missing name")
	}

	return cfg, nil
}

// FileReader loads external blobs (BIOS images, disk images, configs).
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// Instance is one running VM with its SHM framebuffer.
type Instance struct {
	VM    *corevm.VM
	Name  string
	ShmID uint32

	shm     []byte
	running bool
}

// Daemon owns the command loop state.
type Daemon struct {
	cfg Config

	cmdPipe    uint32
	statusPipe uint32
	pipes      *ipc.PipeTable
	shm        *ipc.ShmTable
	files      FileReader

	vm *Instance

	// quit is set by the quit command.
	quit bool
}

// New wires a daemon over its IPC tables. The pipes are created here so
// the manager can open them by name.
func New(cfg Config, pipes *ipc.PipeTable, shm *ipc.ShmTable, files FileReader) *Daemon {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = BatchSize
	}

	return &Daemon{
		cfg:        cfg,
		cmdPipe:    pipes.Create("vmd_cmd"),
		statusPipe: pipes.Create("vmd_status"),
		pipes:      pipes,
		shm:        shm,
		files:      files,
	}
}

// CmdPipe / StatusPipe expose the pipe ids for the manager side.
func (d *Daemon) CmdPipe() uint32    { return d.cmdPipe }
func (d *Daemon) StatusPipe() uint32 { return d.statusPipe }

// Instance returns the active VM, nil when none.
func (d *Daemon) Instance() *Instance { return d.vm }

// Quitting reports whether a quit command was processed.
func (d *Daemon) Quitting() bool { return d.quit }

func (d *Daemon) sendStatus(msg string) {
	if d.statusPipe != 0 {
		_, _ = d.pipes.Write(d.statusPipe, []byte(msg+"\n"))
	}
}

// PollCommands drains and dispatches everything queued on the command
// pipe. Returns the number of commands handled.
func (d *Daemon) PollCommands() int {
	buf := make([]byte, 512)

	n, _, err := d.pipes.Read(d.cmdPipe, buf)
	if err != nil || n == 0 {
		return 0
	}

	count := 0

	for _, line := range strings.Split(string(buf[:n]), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		d.dispatch(line)
		count++
	}

	return count
}

// dispatch parses and executes one command line.
func (d *Daemon) dispatch(line string) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 4)
	if len(parts) == 0 || parts[0] == "" {
		return
	}

	switch parts[0] {
	case "create":
		if len(parts) >= 2 {
			d.cmdCreate(parts[1])
		}

	case "start":
		d.cmdStart()

	case "stop":
		d.cmdStop()

	case "destroy":
		d.destroyVM()
		d.sendStatus("state 0 destroyed")

	case "key":
		if len(parts) >= 2 && d.vm != nil && d.vm.running {
			sc := parseU32(parts[1])
			d.vm.VM.Ps2KeyPress(uint8(sc))
			d.vm.VM.Ps2KeyRelease(uint8(sc))
		}

	case "mouse":
		if len(parts) >= 4 && d.vm != nil && d.vm.running {
			d.vm.VM.Ps2MouseMove(
				parseI16(parts[1]), parseI16(parts[2]), uint8(parseU32(parts[3])))
		}

	case "quit":
		d.destroyVM()
		d.quit = true
		log.Print("[vmd] shutting down")

	default:
		log.Printf("[vmd] unknown command: %s", parts[0])
	}
}

func (d *Daemon) destroyVM() {
	if d.vm == nil {
		return
	}

	d.vm.setShmState(StateStopped)

	if d.vm.ShmID != 0 {
		_ = d.shm.Destroy(d.vm.ShmID)
		_ = d.shm.Unmap(d.vm.ShmID)
	}

	d.vm = nil
}

// cmdCreate reads the per-VM config by UUID, creates the VM, and
// attaches disk/ISO. The SHM id is reported before the slow image loads
// so the manager gets its handle promptly.
func (d *Daemon) cmdCreate(uuid string) {
	d.destroyVM()

	path := d.cfg.VMsDir + "/" + uuid + ".conf"

	body, err := d.files.ReadFile(path)
	if err != nil {
		d.sendStatus("error 0 VM config not found for UUID " + uuid)
		log.Printf("[vmd] ERROR: config not found for UUID %s", uuid)

		return
	}

	cfg, err := ParseVMConfig(string(body))
	if err != nil {
		d.sendStatus("error 0 " + err.Error())

		return
	}

	vm, err := corevm.New(cfg.RAMMiB)
	if err != nil {
		d.sendStatus("error 0 failed to create VM (out of memory?)")

		return
	}

	vm.SetupStandardDevices()
	vm.SetupIde()

	shmID := d.shm.Create(ShmSize)

	var shmMem []byte
	if shmID != 0 {
		shmMem, _ = d.shm.Map(shmID)
	}

	inst := &Instance{VM: vm, Name: cfg.Name, ShmID: shmID, shm: shmMem}
	d.vm = inst

	d.sendStatus(fmt.Sprintf("created 0 %d", shmID))
	log.Printf("[vmd] VM '%s' created (%d MiB RAM, shm=%d)", cfg.Name, cfg.RAMMiB, shmID)

	if cfg.DiskImage != "" {
		if data, err := d.files.ReadFile(cfg.DiskImage); err == nil && len(data) > 0 {
			vm.IdeAttachDisk(data)
			log.Printf("[vmd] attached disk: %s (%d bytes)", cfg.DiskImage, len(data))
		} else {
			d.sendStatus("error 0 failed to read disk image: " + cfg.DiskImage)
		}
	}

	if cfg.ISOImage != "" {
		if data, err := d.files.ReadFile(cfg.ISOImage); err == nil && len(data) > 0 {
			vm.LoadBinary(0x10_0000, data)
			log.Printf("[vmd] loaded ISO: %s (%d bytes)", cfg.ISOImage, len(data))
		}
	}
}

// cmdStart loads the firmware and begins execution.
func (d *Daemon) cmdStart() {
	inst := d.vm
	if inst == nil || inst.running {
		return
	}

	bios, err := d.files.ReadFile(d.cfg.SeaBIOSPath)
	if err != nil || len(bios) == 0 {
		d.sendStatus("error 0 SeaBIOS not found")
		log.Printf("[vmd] ERROR: SeaBIOS not found at %s", d.cfg.SeaBIOSPath)

		return
	}

	loadAddr := uint64(0xF0000)
	if len(bios) > 0x10000 {
		loadAddr = uint64(0x10_0000 - len(bios))
	}

	inst.VM.LoadBinary(loadAddr, bios)
	inst.VM.SetRIP(0xFFF0)
	log.Printf("[vmd] loaded SeaBIOS (%d bytes at %#x)", len(bios), loadAddr)

	// VGA BIOS goes in twice: as a fw_cfg file for the modern SeaBIOS
	// path and at 0xC0000 for the legacy ROM scan.
	if vga, err := d.files.ReadFile(d.cfg.VgaBIOSPath); err == nil && len(vga) > 0 {
		inst.VM.FwCfgAddFile("vgaroms/vgabios-stdvga.bin", vga)
		inst.VM.LoadBinary(0xC0000, vga)
		log.Printf("[vmd] loaded VGA BIOS (%d bytes, fw_cfg + 0xC0000)", len(vga))
	} else {
		log.Printf("[vmd] WARNING: VGA BIOS not found at %s", d.cfg.VgaBIOSPath)
	}

	inst.running = true
	inst.setShmState(StateRunning)
	d.sendStatus("state 0 running")
	log.Printf("[vmd] VM '%s' started", inst.Name)
}

func (d *Daemon) cmdStop() {
	inst := d.vm
	if inst == nil || !inst.running {
		return
	}

	inst.VM.RequestStop()
	inst.running = false
	inst.setShmState(StateStopped)
	d.sendStatus("state 0 stopped")
	log.Printf("[vmd] VM '%s' stopped", inst.Name)
}

// RunBatch executes one batch for the active VM. Returns true while the
// VM remains runnable.
func (d *Daemon) RunBatch() bool {
	inst := d.vm
	if inst == nil || !inst.running {
		return false
	}

	for i := 0; i < PitTicksPerBatch; i++ {
		if inst.VM.PitTick() {
			inst.VM.PicRaiseIRQ(0)
		}
	}

	exit := inst.VM.Run(d.cfg.BatchSize)

	switch exit {
	case corevm.ExitHalted:
		// HLT waits for the next interrupt: feed a PIT tick and keep
		// going. SeaBIOS idles in HLT during POST.
		if inst.VM.PitTick() {
			inst.VM.PicRaiseIRQ(0)
		}

		d.drainOutput(inst)
		inst.UpdateShmFramebuffer()

		return true

	case corevm.ExitException:
		inst.running = false
		inst.setShmState(StateError)
		inst.UpdateShmFramebuffer()

		msg := inst.VM.LastError()
		rip := inst.VM.LastErrorRIP()
		d.sendStatus(fmt.Sprintf("error 0 Exception at RIP=0x%X: %s", rip, msg))
		log.Printf("[vmd] exception at RIP=0x%X: %s", rip, msg)

		return false

	case corevm.ExitStopRequested:
		inst.running = false
		inst.setShmState(StateStopped)
		inst.UpdateShmFramebuffer()
		d.sendStatus("state 0 stopped")

		return false

	case corevm.ExitInstructionLimit, corevm.ExitBreakpoint:
		// Normal batch completion; breakpoints resume.
	}

	d.drainOutput(inst)
	inst.UpdateShmFramebuffer()

	return true
}

func (d *Daemon) drainOutput(inst *Instance) {
	if out := inst.VM.SerialTakeOutput(); len(out) > 0 {
		d.sendStatus("serial 0 " + string(out))
	}

	if out := inst.VM.DebugTakeOutput(); len(out) > 0 {
		log.Printf("[vmd] %s", out)
	}
}

// Loop runs the daemon until quit: poll commands, run a batch, repeat.
// yield is called between idle iterations so a cooperative host can
// sleep.
func (d *Daemon) Loop(yield func()) {
	for !d.quit {
		handled := d.PollCommands()
		ran := d.RunBatch()

		if handled == 0 && !ran && yield != nil {
			yield()
		}
	}
}

// setShmState writes the vm_state header field.
func (i *Instance) setShmState(state uint32) {
	if i.shm == nil {
		return
	}

	binary.LittleEndian.PutUint32(i.shm[shmOffState:], state)
}

// UpdateShmFramebuffer publishes the current VGA view: header fields,
// payload, and the dirty flag written last as the release fence.
func (i *Instance) UpdateShmFramebuffer() {
	if i.shm == nil {
		return
	}

	icount := i.VM.InstructionCount()
	binary.LittleEndian.PutUint64(i.shm[shmOffICount:], icount)

	if cells, ok := i.VM.VgaTextBuffer(); ok {
		binary.LittleEndian.PutUint32(i.shm[shmOffWidth:], 80)
		binary.LittleEndian.PutUint32(i.shm[shmOffHeight:], 25)
		binary.LittleEndian.PutUint32(i.shm[shmOffBpp:], 0) // text mode

		payload := i.shm[ShmHeaderSize:]
		for idx, cell := range cells {
			if idx*2+1 >= len(payload) {
				break
			}
			binary.LittleEndian.PutUint16(payload[idx*2:], cell)
		}

		binary.LittleEndian.PutUint32(i.shm[shmOffDirty:], 1)

		return
	}

	if fb, w, h, bpp, ok := i.VM.VgaFramebuffer(); ok {
		binary.LittleEndian.PutUint32(i.shm[shmOffWidth:], w)
		binary.LittleEndian.PutUint32(i.shm[shmOffHeight:], h)
		binary.LittleEndian.PutUint32(i.shm[shmOffBpp:], bpp)

		n := len(fb)
		if n > len(i.shm)-ShmHeaderSize {
			n = len(i.shm) - ShmHeaderSize
		}
		copy(i.shm[ShmHeaderSize:], fb[:n])

		binary.LittleEndian.PutUint32(i.shm[shmOffDirty:], 1)

		return
	}

	// No VGA data yet: header-only update.
	binary.LittleEndian.PutUint32(i.shm[shmOffDirty:], 1)
}

func parseU32(s string) uint32 {
	v, _ := strconv.ParseUint(strings.TrimSpace(s), 10, 32)

	return uint32(v)
}

func parseI16(s string) int16 {
	v, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 16)

	return int16(v)
}
