// Package qemu builds the emulator command line for a Yocto build and boots
// it into a logged-in console.
package qemu

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/memfault/yocto-e2e/internal/config"
)

const (
	// MAC is the fixed address of the emulated NIC.
	MAC = "52:54:00:12:35:02"

	helperSysroot = "qemu-helper-native/1.0-r1/recipe-sysroot-native/usr/bin"
)

// Machine describes how to emulate one MACHINE value.
type Machine struct {
	Name       string
	Executable string
	CPU        string
}

var machines = map[string]Machine{
	"qemuarm":   {Name: "qemuarm", Executable: "qemu-system-arm", CPU: "cortex-a15"},
	"qemuarm64": {Name: "qemuarm64", Executable: "qemu-system-aarch64", CPU: "cortex-a57"},
}

// LookupMachine returns the emulation settings for name.
func LookupMachine(name string) (Machine, error) {
	machine, ok := machines[strings.TrimSpace(name)]
	if !ok {
		return Machine{}, fmt.Errorf("unsupported machine %q (supported: %s)", name, strings.Join(Machines(), ", "))
	}
	return machine, nil
}

// Machines lists the supported machine names, sorted.
func Machines() []string {
	names := make([]string, 0, len(machines))
	for name := range machines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HostArch names the build host architecture the way the build's work
// directory does (x86_64, aarch64).
func HostArch() string {
	return hostArch(runtime.GOARCH)
}

func hostArch(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i686"
	default:
		return goarch
	}
}

// DeployDir is where the build places images for the configured machine.
func DeployDir(cfg *config.Config) string {
	return filepath.Join(cfg.BuildDir, "tmp", "deploy", "images", cfg.Machine)
}

// ImagePath resolves filename inside the deploy directory. Absolute paths
// are returned unchanged.
func ImagePath(cfg *config.Config, filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(DeployDir(cfg), filename)
}

// Executable is the emulator binary from the build's native sysroot.
func Executable(cfg *config.Config, machine Machine) string {
	return filepath.Join(cfg.BuildDir, "tmp", "work", HostArch()+"-linux", helperSysroot, machine.Executable)
}

// BuildCommand returns the emulator executable followed by its arguments.
func BuildCommand(cfg *config.Config, imagePath string) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if err := cfg.ValidateBuild(); err != nil {
		return nil, err
	}
	machine, err := LookupMachine(cfg.Machine)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(imagePath) == "" {
		imagePath = ImagePath(cfg, cfg.Image)
	}
	if strings.ContainsAny(imagePath, ", ") {
		return nil, fmt.Errorf("image path %q must not contain commas or spaces", imagePath)
	}

	return []string{
		Executable(cfg, machine),
		"-device", "virtio-net-pci,netdev=net0,mac=" + MAC,
		"-netdev", "user,id=net0",
		"-object", "rng-random,filename=/dev/urandom,id=rng0",
		"-device", "virtio-rng-pci,rng=rng0",
		"-drive", "id=disk0,file=" + imagePath + ",if=none,format=raw",
		"-device", "virtio-blk-device,drive=disk0",
		"-device", "qemu-xhci",
		"-device", "usb-tablet",
		"-device", "usb-kbd",
		"-device", "virtio-gpu-pci",
		"-nographic",
		"-machine", "virt",
		"-cpu", machine.CPU,
		"-smp", "4",
		"-m", "512M",
		"-serial", "mon:stdio",
		"-serial", "null",
		"-bios", filepath.Join(DeployDir(cfg), "u-boot.bin"),
	}, nil
}
