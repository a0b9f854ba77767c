package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsAndEnvironment(t *testing.T) {
	t.Setenv("TABLESIDE_DEVICE_ID", "tablet-7")
	t.Setenv("TABLESIDE_RESTAURANT_ID", "r1")
	t.Setenv("TABLESIDE_CLOUD_URL", "https://cloud.example.com/")
	t.Setenv("TABLESIDE_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("TABLESIDE_SYNC_INTERVAL", "45s")

	cfg, err := LoadDevice(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Device.ID != "tablet-7" || cfg.Device.RestaurantID != "r1" {
		t.Fatalf("unexpected device identity: %+v", cfg.Device)
	}
	if cfg.Device.SyncInterval != 45*time.Second {
		t.Fatalf("expected env override, got %s", cfg.Device.SyncInterval)
	}
	if cfg.Device.MaxRetries != defaultSyncMaxRetries {
		t.Fatalf("expected default retries, got %d", cfg.Device.MaxRetries)
	}
	if cfg.Device.ProbeURL != "https://cloud.example.com/healthz" {
		t.Fatalf("expected probe url derived from cloud url, got %q", cfg.Device.ProbeURL)
	}
	if cfg.Hub.RestaurantID != "r1" {
		t.Fatalf("expected hub to share restaurant id, got %q", cfg.Hub.RestaurantID)
	}
}

func TestRoleValidation(t *testing.T) {
	testCases := []struct {
		name    string
		env     map[string]string
		load    func() error
		wantErr string
	}{
		{
			name: "device requires id",
			env:  map[string]string{"TABLESIDE_RESTAURANT_ID": "r1"},
			load: func() error {
				_, err := LoadDevice(NewViper())
				return err
			},
			wantErr: "device.id",
		},
		{
			name: "device cloud sync requires secret",
			env: map[string]string{
				"TABLESIDE_DEVICE_ID":     "tablet-7",
				"TABLESIDE_RESTAURANT_ID": "r1",
				"TABLESIDE_CLOUD_URL":     "https://cloud.example.com",
			},
			load: func() error {
				_, err := LoadDevice(NewViper())
				return err
			},
			wantErr: "auth.signing_secret",
		},
		{
			name: "hub works without cloud",
			env:  map[string]string{},
			load: func() error {
				_, err := LoadHub(NewViper())
				return err
			},
		},
		{
			name: "cloud rejects unknown driver",
			env: map[string]string{
				"TABLESIDE_AUTH_SIGNING_SECRET": "secret",
				"TABLESIDE_CLOUD_DRIVER":        "mysql",
			},
			load: func() error {
				_, err := LoadCloud(NewViper())
				return err
			},
			wantErr: "cloud.driver",
		},
		{
			name: "cloud accepts postgres",
			env: map[string]string{
				"TABLESIDE_AUTH_SIGNING_SECRET": "secret",
				"TABLESIDE_CLOUD_DRIVER":        "Postgres",
				"TABLESIDE_CLOUD_DSN":           "postgres://tableside@localhost/tableside",
			},
			load: func() error {
				_, err := LoadCloud(NewViper())
				return err
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			for key, value := range testCase.env {
				t.Setenv(key, value)
			}
			err := testCase.load()
			if testCase.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.wantErr, err)
			}
		})
	}
}
