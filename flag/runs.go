package flag

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pkg/profile"

	"github.com/brianmayclone/anyos-core/caps"
	"github.com/brianmayclone/anyos-core/compositor"
	"github.com/brianmayclone/anyos-core/corevm"
	"github.com/brianmayclone/anyos-core/ipc"
	"github.com/brianmayclone/anyos-core/vmd"
)

// VmdCMD runs the VM daemon against the host filesystem. Pipes normally
// come from the kernel; standalone runs use the in-process tables. No
// console is attached: commands reach the daemon only through its command
// pipe.
type VmdCMD struct {
	Config     string `short:"c" help:"Daemon yaml config path." default:""`
	VM         string `help:"UUID of a VM to create and start immediately."`
	CPUProfile bool   `help:"Write a pprof CPU profile for the run."`
}

type osFiles struct{}

func (osFiles) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (s *VmdCMD) Run() error {
	if s.CPUProfile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	cfg := vmd.DefaultConfig()

	if s.Config != "" {
		body, err := os.ReadFile(s.Config)
		if err != nil {
			return err
		}

		if cfg, err = vmd.LoadConfig(body); err != nil {
			return err
		}
	}

	pipes := ipc.NewPipeTable()
	shm := ipc.NewShmTable()

	d := vmd.New(cfg, pipes, shm, osFiles{})

	if s.VM != "" {
		if _, err := pipes.Write(d.CmdPipe(), []byte("create "+s.VM+"\nstart\n")); err != nil {
			return err
		}
	}

	log.Printf("vmd: cmd pipe %d, status pipe %d", d.CmdPipe(), d.StatusPipe())

	d.Loop(func() {
		time.Sleep(time.Millisecond)
	})

	return nil
}

// ComposeCMD exercises the compositing hot path over an in-memory
// framebuffer and reports frame timing.
type ComposeCMD struct {
	Width  uint32 `default:"1280" help:"Framebuffer width."`
	Height uint32 `default:"720" help:"Framebuffer height."`
	Frames int    `default:"300" help:"Frames to composite."`
	Shadow bool   `default:"true" help:"Window shadows."`
}

func (s *ComposeCMD) Run() error {
	fb := make([]uint32, s.Width*s.Height)
	c := compositor.New(fb, s.Width, s.Height, s.Width*4, nil)

	bg := c.AddLayer(0, 0, s.Width, s.Height, true)
	for i, l := 0, c.Layer(bg); i < len(l.Pixels); i++ {
		l.Pixels[i] = compositor.BackgroundColor
	}

	win := c.AddLayer(40, 40, s.Width/2, s.Height/2, false)
	for i, l := 0, c.Layer(win); i < len(l.Pixels); i++ {
		l.Pixels[i] = 0xD0203040
	}
	c.Layer(win).HasShadow = s.Shadow
	c.SetFocus(win)

	c.DamageAll()
	c.Compose()

	start := time.Now()

	for i := 0; i < s.Frames; i++ {
		x := int32(40 + i%200)
		c.MoveLayer(win, x, 40+int32(i%100))
		c.Compose()
	}

	elapsed := time.Since(start)
	fmt.Printf("%d frames in %v (%.2f ms/frame)\n",
		s.Frames, elapsed, float64(elapsed.Milliseconds())/float64(s.Frames))

	return nil
}

// ProbeCMD prints what the core provides: CPU model identification and
// the capability table the syscall gate enforces.
type ProbeCMD struct{}

func (d *ProbeCMD) Run() error {
	vm, err := corevm.New(1)
	if err != nil {
		return err
	}

	vm.SetupStandardDevices()

	fmt.Println("corevm: x86 emulator (real/protected/long mode, x87 subset)")
	fmt.Printf("  devices: PIC PIT VGA PS/2 IDE serial fw_cfg\n")
	fmt.Printf("  guest RAM: %d MiB minimum\n", 1)

	fmt.Println("capabilities:")

	for _, name := range []string{
		"filesystem", "network", "audio", "display", "device", "process",
		"pipe", "shm", "event", "compositor", "system", "dll", "thread",
		"manage_perms",
	} {
		set := caps.Parse(name)
		marker := " "
		if caps.Default.Has(set) {
			marker = "*"
		}

		fmt.Printf("  %s %-12s %#06x\n", marker, name, uint32(set))
	}

	fmt.Println("(* granted to CLI processes by default)")

	return nil
}
