package qemu

import (
	"fmt"
	"os"
)

// firmwareCandidates are the usual OVMF install locations, in
// preference order. Linux distro packages first, then Homebrew and
// MacPorts layouts.
var firmwareCandidates = []string{
	"/usr/share/edk2/x64/OVMF_CODE.4m.fd",
	"/usr/share/edk2/x64/OVMF.4m.fd",
	"/usr/share/edk2-ovmf/x64/OVMF_CODE.fd",
	"/usr/share/OVMF/OVMF_CODE.fd",
	"/usr/share/edk2/ovmf/OVMF_CODE.fd",
	"/usr/share/qemu/OVMF.fd",
	// macOS
	"/opt/homebrew/share/qemu/edk2-x86_64-code.fd",
	"/opt/homebrew/share/OVMF/OVMF_CODE.fd",
	"/usr/local/share/qemu/edk2-x86_64-code.fd",
	"/usr/local/share/OVMF/OVMF_CODE.fd",
}

// FindFirmware locates the UEFI firmware image. An explicit override
// wins; otherwise the first existing candidate is used.
func FindFirmware(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("firmware %s: %w", override, err)
		}
		return override, nil
	}

	return findFirstFile(firmwareCandidates)
}

// FirmwareCandidates returns the search list, for error messages.
func FirmwareCandidates() []string {
	out := make([]string, len(firmwareCandidates))
	copy(out, firmwareCandidates)
	return out
}

func findFirstFile(paths []string) (string, error) {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", fmt.Errorf("no UEFI firmware found in %d known locations (install an OVMF/edk2 package)", len(paths))
}
