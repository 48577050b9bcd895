package vmmgr

import (
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/prebuildops/agent/internal/ipalloc"
)

func TestCreateExt4ImageRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "existing.ext4")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("seed existing file: %v", err)
	}

	if err := CreateExt4Image(path, 16, false); err == nil {
		t.Fatal("expected error when overwrite=false and file exists")
	}
}

func TestCreateExt4ImageOverwriteSucceeds(t *testing.T) {
	if _, err := lookPathAll("dd", "mkfs.ext4"); err != nil {
		t.Skipf("skipping: %v", err)
	}

	path := filepath.Join(t.TempDir(), "image.ext4")
	if err := CreateExt4Image(path, 8, false); err != nil {
		t.Fatalf("CreateExt4Image first call: %v", err)
	}
	if err := CreateExt4Image(path, 8, true); err != nil {
		t.Fatalf("CreateExt4Image with overwrite=true: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat image: %v", err)
	}
	if info.Size() == 0 {
		t.Error("image file is empty")
	}
}

func lookPathAll(bins ...string) (string, error) {
	for _, b := range bins {
		if _, err := exec.LookPath(b); err != nil {
			return "", err
		}
	}
	return "", nil
}

func TestDefaultBootArgsContents(t *testing.T) {
	expected := []string{"console=ttyS0", "reboot=k", "panic=1", "pci=off"}
	for _, arg := range expected {
		if !slices.Contains(strings.Fields(DefaultBootArgs), arg) {
			t.Errorf("DefaultBootArgs missing %q: %s", arg, DefaultBootArgs)
		}
	}
}

func TestErrVmBootTimeoutMessage(t *testing.T) {
	err := &ErrVmBootTimeout{InstanceID: "vm-1", Waited: sshReadyTimeout}
	if !strings.Contains(err.Error(), "vm-1") {
		t.Errorf("Error() = %q, want it to mention the instance id", err.Error())
	}
}

func TestGuestIPNetDerivesFromBlock(t *testing.T) {
	block := ipalloc.Mapping(5)
	ipNet := guestIPNet(block)

	if ipNet.IP.String() != block.VMIP {
		t.Errorf("guestIPNet IP = %v, want %v", ipNet.IP, block.VMIP)
	}
	ones, bits := ipNet.Mask.Size()
	if ones != 30 || bits != 32 {
		t.Errorf("guestIPNet mask = /%d (of %d), want /30 (of 32)", ones, bits)
	}
}
