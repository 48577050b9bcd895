package vmmgr

import "testing"

func TestLoadConfigDefaults(t *testing.T) {
	for _, env := range []string{envFirecrackerBin, envSocketDir, envJailer, envSSHUser} {
		t.Setenv(env, "")
	}

	cfg := LoadConfig()

	if cfg.SocketDir != defaultSocketDir {
		t.Errorf("SocketDir = %q, want %q", cfg.SocketDir, defaultSocketDir)
	}
	if cfg.SSHUser != defaultSSHUser {
		t.Errorf("SSHUser = %q, want %q", cfg.SSHUser, defaultSSHUser)
	}
	if cfg.JailerEnabled {
		t.Error("JailerEnabled should be false by default")
	}
	if cfg.FirecrackerBin != "" {
		t.Errorf("FirecrackerBin = %q, want empty", cfg.FirecrackerBin)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv(envFirecrackerBin, "/usr/bin/firecracker")
	t.Setenv(envSocketDir, "/var/run/pba")
	t.Setenv(envSSHUser, "builder")
	t.Setenv(envJailer, "true")

	cfg := LoadConfig()

	if cfg.FirecrackerBin != "/usr/bin/firecracker" {
		t.Errorf("FirecrackerBin = %q, want /usr/bin/firecracker", cfg.FirecrackerBin)
	}
	if cfg.SocketDir != "/var/run/pba" {
		t.Errorf("SocketDir = %q, want /var/run/pba", cfg.SocketDir)
	}
	if cfg.SSHUser != "builder" {
		t.Errorf("SSHUser = %q, want builder", cfg.SSHUser)
	}
	if !cfg.JailerEnabled {
		t.Error("JailerEnabled should be true when PBA_FIRECRACKER_JAILER=true")
	}
}

func TestLoadConfigJailerVariants(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"TRUE", true},
		{"True", true},
		{"1", true},
		{"false", false},
		{"0", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv(envJailer, tt.value)
			cfg := LoadConfig()
			if cfg.JailerEnabled != tt.want {
				t.Errorf("JailerEnabled = %v for %q, want %v", cfg.JailerEnabled, tt.value, tt.want)
			}
		})
	}
}
