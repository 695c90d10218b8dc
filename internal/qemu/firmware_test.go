package qemu

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindFirmware(t *testing.T) {
	t.Run("override_must_exist", func(t *testing.T) {
		_, err := FindFirmware(filepath.Join(t.TempDir(), "missing.fd"))
		if err == nil {
			t.Error("expected error for missing override")
		}
	})

	t.Run("override_used_when_present", func(t *testing.T) {
		fw := filepath.Join(t.TempDir(), "OVMF_CODE.fd")
		if err := os.WriteFile(fw, []byte("fw"), 0o644); err != nil {
			t.Fatal(err)
		}
		got, err := FindFirmware(fw)
		if err != nil {
			t.Fatalf("FindFirmware: %v", err)
		}
		if got != fw {
			t.Errorf("FindFirmware = %q, want %q", got, fw)
		}
	})
}

func TestFindFirstFile(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.fd")
	if err := os.WriteFile(present, []byte("fw"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("first_existing_wins", func(t *testing.T) {
		got, err := findFirstFile([]string{
			filepath.Join(dir, "absent-a.fd"),
			present,
			filepath.Join(dir, "absent-b.fd"),
		})
		if err != nil {
			t.Fatalf("findFirstFile: %v", err)
		}
		if got != present {
			t.Errorf("findFirstFile = %q, want %q", got, present)
		}
	})

	t.Run("directories_do_not_count", func(t *testing.T) {
		_, err := findFirstFile([]string{dir})
		if err == nil {
			t.Error("expected error when only a directory matches")
		}
	})

	t.Run("none_found", func(t *testing.T) {
		_, err := findFirstFile([]string{filepath.Join(dir, "nope.fd")})
		if err == nil {
			t.Error("expected error when nothing exists")
		}
	})
}

func TestFirmwareCandidates_ReturnsCopy(t *testing.T) {
	a := FirmwareCandidates()
	if len(a) == 0 {
		t.Fatal("no firmware candidates")
	}
	a[0] = "mutated"
	b := FirmwareCandidates()
	if b[0] == "mutated" {
		t.Error("FirmwareCandidates exposed internal slice")
	}
}
