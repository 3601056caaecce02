// Command biscuitctl hosts the three standalone steps around a running
// kernel instance: mkfs (lay a fresh file system onto a disk image),
// boot (bring the kernel up and run a scripted init demo against it),
// and fsck (run journal recovery against an image with no scheduler
// running). Grounded on smoynes-elsie's internal/cli Command pattern for
// the overall shape of "one binary, several sub-commands, shared
// config", built concretely with github.com/spf13/cobra the way
// jra3-system-agent's dependency closure already carries it.
package main

import (
	"fmt"
	"os"

	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antfarm/goxvkernel/internal/bootcfg"
	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/inode"
	"github.com/antfarm/goxvkernel/internal/kernel"
	"github.com/antfarm/goxvkernel/internal/klog"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/proc"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "biscuitctl",
		Short:         "format, boot, and recover goxvkernel disk images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML boot configuration (defaults merged otherwise)")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		zl, err := zap.NewProduction()
		if err != nil {
			zl = zap.NewNop()
		}
		klog.Init(zapr.NewLogger(zl))
	}

	root.AddCommand(newMkfsCmd(), newBootCmd(), newFsckCmd())
	return root
}

func loadConfig() (bootcfg.Config, error) {
	cfg, err := bootcfg.Load(configPath)
	if err != nil {
		return bootcfg.Config{}, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newMkfsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkfs",
		Short: "lay a fresh superblock, journal, and root directory onto a disk image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sb, ferr := kernel.Format(cfg)
			if ferr != 0 {
				return fmt.Errorf("mkfs: %w", ferr)
			}
			klog.L().Info("formatted disk image", "path", cfg.DiskImage, "blocks", sb.Size, "ninodes", sb.Ninodes)
			return nil
		},
	}
}

func newFsckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fsck",
		Short: "run journal recovery against a disk image without booting a scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if ferr := kernel.Fsck(cfg); ferr != 0 {
				return fmt.Errorf("fsck: %w", ferr)
			}
			klog.L().Info("recovery complete", "path", cfg.DiskImage)
			return nil
		},
	}
}

func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "boot the kernel against an already-formatted disk image and run a scripted init demo",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			done := make(chan demoResult, 1)
			// k is assigned after kernel.Boot returns but referenced by
			// the Entry closure passed into it; the closure only runs
			// once Run starts a scheduler goroutine, by which point k is
			// set — the same late-binding internal/kernel/kernel_test.go's
			// S1-S6 entries rely on.
			var k *kernel.Kernel
			kn, berr := kernel.Boot(cfg, func(p *proc.Proc_t, sched lock.SchedCtx) {
				done <- runInitDemo(k, p, sched)
			})
			if berr != 0 {
				return fmt.Errorf("boot: %w", berr)
			}
			k = kn
			k.Run()

			res := <-done
			if shErr := k.Shutdown(); shErr != nil {
				return fmt.Errorf("shutdown: %w", shErr)
			}
			if res.err != 0 {
				return fmt.Errorf("init demo: %w", res.err)
			}
			fmt.Printf("init demo ok: wrote %q to /hello, read back %q\n", res.wrote, res.read)
			return nil
		},
	}
}

type demoResult struct {
	wrote, read string
	err         defs.Err_t
}

// runInitDemo is the hosted stand-in for a real kernel's first user-mode
// program: it exercises create/write/read directly against the Env
// collaborators the same way S5/S6 in internal/kernel/kernel_test.go do,
// since this kernel has no ring-3 binary to exec by default.
func runInitDemo(kn *kernel.Kernel, p *proc.Proc_t, sched lock.SchedCtx) demoResult {
	env := kn.Env
	const msg = "hello from goxvkernel init\n"

	env.Log.BeginOp(sched)
	ref, err := env.IC.Create(sched, inode.ROOTINO, "/hello", defs.I_FILE, 0, 0)
	if err != 0 {
		env.Log.EndOp(sched)
		return demoResult{err: err}
	}
	_, werr := env.IC.Writei(sched, ref, []byte(msg), 0)
	env.IC.Unlock(sched, ref)
	env.IC.Put(sched, ref)
	env.Log.EndOp(sched)
	if werr != 0 {
		return demoResult{err: werr}
	}

	rref, err := env.IC.Namei(sched, inode.ROOTINO, "/hello")
	if err != 0 {
		return demoResult{err: err}
	}
	if err := env.IC.Lock(sched, rref); err != 0 {
		env.IC.Put(sched, rref)
		return demoResult{err: err}
	}
	buf := make([]byte, len(msg))
	rn, rerr := env.IC.Readi(sched, rref, buf, 0)
	env.IC.Unlock(sched, rref)
	env.IC.Put(sched, rref)
	if rerr != 0 {
		return demoResult{err: rerr}
	}

	return demoResult{wrote: msg, read: string(buf[:rn])}
}
