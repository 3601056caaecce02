// Package bootcfg loads the kernel's boot-time configuration from YAML,
// grounded on tinyrange-cc's examples/shared/config.go pattern of a single
// struct with yaml tags and defaults filled in by a constructor.
package bootcfg

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes everything the boot sequence needs to bring a kernel
// instance up: how many virtual CPUs to run the scheduler across, how
// much simulated physical memory to reserve, the backing disk image, and
// the journal's capacity.
type Config struct {
	// NCPU is the number of scheduler workers (spec.md's "per-CPU
	// scheduler"); each runs an independent goroutine loop.
	NCPU int `yaml:"ncpu"`
	// MemPages is the number of 4096-byte pages in the simulated
	// physical arena.
	MemPages int `yaml:"mem_pages"`
	// DiskImage is the path to the backing file for the simulated AHCI
	// disk.
	DiskImage string `yaml:"disk_image"`
	// DiskBlocks is the backing image's fixed capacity in blocks; mkfs
	// lays its superblock, log, inode table, and bitmap out against this
	// size, and every later boot of the same image must pass the same
	// value.
	DiskBlocks int `yaml:"disk_blocks"`
	// LogBlocks is the journal's on-disk capacity in blocks
	// (spec.md section 4.6).
	LogBlocks int `yaml:"log_blocks"`
	// MaxOpBlocks bounds how many blocks one system call's transaction
	// may dirty (spec.md section 4.6).
	MaxOpBlocks int `yaml:"max_op_blocks"`
	// NBuf is the size of the block-buffer cache pool.
	NBuf int `yaml:"nbuf"`
	// NInode is the size of the in-memory inode cache.
	NInode int `yaml:"ninode"`
}

// Default returns a Config with the values biscuit itself hard-codes as
// PARAM constants, scaled down to what a hosted simulation needs.
func Default() Config {
	return Config{
		NCPU:        4,
		MemPages:    1 << 16,
		DiskImage:   "disk.img",
		DiskBlocks:  65536,
		LogBlocks:   1024,
		MaxOpBlocks: 10,
		NBuf:        10 * 8, // MAXOPBLOCKS*8, per spec.md section 3
		NInode:      200,
	}
}

// Load reads a YAML config file, merging it over Default() so a partial
// file only needs to name the fields it overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
