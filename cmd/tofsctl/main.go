// Command tofsctl is a small, plain-fmt/log CLI around a host-file tofs
// volume: component H, the public entry-point dispatcher the core
// specification deliberately leaves out. It loads a geometry profile from
// YAML and prints a humanized report of volume usage.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/gprossliner/tofs"
	"github.com/gprossliner/tofs/blockdev"
)

// Profile is the on-disk shape of a volume geometry file, e.g.:
//
//	offset_bits: 12
//	block_count: 64
type Profile struct {
	OffsetBits uint8  `yaml:"offset_bits"`
	BlockCount uint32 `yaml:"block_count"`
}

func loadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func main() {
	var (
		volumePath  = flag.String("volume", "", "path to the volume file")
		profilePath = flag.String("profile", "", "path to a YAML geometry profile")
		format      = flag.Bool("format", false, "format the volume if it isn't one already")
	)
	flag.Parse()

	if *volumePath == "" || *profilePath == "" {
		log.Fatal("tofsctl: -volume and -profile are required")
	}

	profile, err := loadProfile(*profilePath)
	if err != nil {
		log.Fatalf("tofsctl: loading profile: %v", err)
	}

	dev, err := blockdev.OpenFile(*volumePath, profile.OffsetBits, profile.BlockCount)
	if err != nil {
		log.Fatalf("tofsctl: opening volume: %v", err)
	}
	defer dev.Close()

	vol, err := tofs.Mount(dev, *format, tofs.DefaultConfig())
	if err != nil {
		log.Fatalf("tofsctl: mount: %v", err)
	}
	defer vol.Unmount()

	report(vol, dev)
}

func report(vol *tofs.Volume, dev *blockdev.File) {
	stats, err := vol.Stats()
	if err != nil {
		log.Fatalf("tofsctl: stats: %v", err)
	}

	fmt.Printf("volume: %s total, %s blocks of %s each\n",
		humanize.Bytes(uint64(dev.BlockCount())*uint64(dev.BlockSize())),
		humanize.Comma(int64(stats.BlockCount)),
		humanize.Bytes(uint64(dev.BlockSize())),
	)
	fmt.Printf("free blocks: %d, reclaimable: %d, live bytes: %s\n",
		stats.FreeBlocks, stats.ReclaimableBlocks, humanize.Bytes(stats.LiveBytes))

	fmt.Println("files:")
	vol.List(func(fi tofs.FileInfo) bool {
		fmt.Printf("  %-15s %8s  priority=%s\n", fi.Name, humanize.Bytes(fi.Size), fi.Priority)
		return true
	})
}
