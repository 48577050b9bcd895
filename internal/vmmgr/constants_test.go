package vmmgr

import "testing"

func TestDefaultResourcesArePositive(t *testing.T) {
	if DefaultVCPUs <= 0 {
		t.Errorf("DefaultVCPUs = %d, want > 0", DefaultVCPUs)
	}
	if DefaultMemMB <= 0 {
		t.Errorf("DefaultMemMB = %d, want > 0", DefaultMemMB)
	}
}

func TestGuestProjectDriveMountIsAbsolute(t *testing.T) {
	if GuestProjectDriveMount[0] != '/' {
		t.Errorf("GuestProjectDriveMount = %q, want an absolute path", GuestProjectDriveMount)
	}
}
