package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	os.Clearenv()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, map[string]string{"BEAMLINE_ID": "id23-2"})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPCAddr != ":8080" {
		t.Errorf("GRPCAddr = %q, want :8080", cfg.GRPCAddr)
	}
	if cfg.LoginType != "proposal" {
		t.Errorf("LoginType = %q, want proposal", cfg.LoginType)
	}
	if cfg.AllowRemote {
		t.Error("AllowRemote should default to false")
	}
	if !cfg.InhouseIsStaff {
		t.Error("InhouseIsStaff should default to true")
	}
	if cfg.Lifetime() != 6*time.Hour || cfg.SweepEvery() != 30*time.Second || cfg.Retention() != 720*time.Hour {
		t.Errorf("durations = %v %v %v", cfg.Lifetime(), cfg.SweepEvery(), cfg.Retention())
	}
	if cfg.BcryptCost != 12 {
		t.Errorf("BcryptCost = %d, want 12", cfg.BcryptCost)
	}
	if cfg.NotifyKafkaTopic != "beamline-events" || cfg.MQTTQoS != 1 {
		t.Errorf("topic = %q qos = %d", cfg.NotifyKafkaTopic, cfg.MQTTQoS)
	}
	if cfg.MQTTClientID != "beamline-control-id23-2" {
		t.Errorf("MQTTClientID = %q", cfg.MQTTClientID)
	}
	if cfg.KafkaBrokersList() != nil {
		t.Error("Kafka should be disabled by default")
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	setEnv(t, map[string]string{
		"BEAMLINE_ID":      "id30a-1",
		"GRPC_ADDR":        ":9090",
		"LOGIN_TYPE":       "user",
		"ALLOW_REMOTE":     "true",
		"SESSION_LIFETIME": "90m",
		"INHOUSE_USERS":    "mx2, id231 ,",
		"USER_ROLES":       "opid30=admin,mx2=manager",
		"KAFKA_BROKERS":    "k1:9092, k2:9092",
		"BCRYPT_COST":      "14",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPCAddr != ":9090" || cfg.LoginType != "user" || !cfg.AllowRemote {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Lifetime() != 90*time.Minute {
		t.Errorf("Lifetime = %v", cfg.Lifetime())
	}
	if got := cfg.InhouseList(); !reflect.DeepEqual(got, []string{"mx2", "id231"}) {
		t.Errorf("InhouseList = %v", got)
	}
	if got := cfg.UserRoleMap(); !reflect.DeepEqual(got, map[string]string{"opid30": "admin", "mx2": "manager"}) {
		t.Errorf("UserRoleMap = %v", got)
	}
	if got := cfg.KafkaBrokersList(); !reflect.DeepEqual(got, []string{"k1:9092", "k2:9092"}) {
		t.Errorf("KafkaBrokersList = %v", got)
	}
	if cfg.BcryptCost != 14 {
		t.Errorf("BcryptCost = %d", cfg.BcryptCost)
	}
}

func TestLoad_WithEnvFile(t *testing.T) {
	setEnv(t, nil)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("BEAMLINE_ID=bm14\nGRPC_ADDR=:7070\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(wd) }()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BeamlineID != "bm14" || cfg.GRPCAddr != ":7070" {
		t.Errorf("cfg from .env = %q %q", cfg.BeamlineID, cfg.GRPCAddr)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing beamline", map[string]string{}},
		{"bad login type", map[string]string{"BEAMLINE_ID": "b", "LOGIN_TYPE": "badge"}},
		{"bad lifetime", map[string]string{"BEAMLINE_ID": "b", "SESSION_LIFETIME": "forever"}},
		{"zero sweep", map[string]string{"BEAMLINE_ID": "b", "SWEEP_INTERVAL": "0s"}},
		{"bcrypt too low", map[string]string{"BEAMLINE_ID": "b", "BCRYPT_COST": "3"}},
		{"bcrypt too high", map[string]string{"BEAMLINE_ID": "b", "BCRYPT_COST": "32"}},
		{"half a key pair", map[string]string{"BEAMLINE_ID": "b", "JWT_PRIVATE_KEY": "x"}},
		{"production without keys", map[string]string{"BEAMLINE_ID": "b", "APP_ENV": "production"}},
		{"bad qos", map[string]string{"BEAMLINE_ID": "b", "MQTT_QOS": "3"}},
		{"bad user roles", map[string]string{"BEAMLINE_ID": "b", "USER_ROLES": "opid30"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.env)
			if _, err := Load(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAccessTTL(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"30m":     30 * time.Minute,
		"invalid": 12 * time.Hour,
		"0s":      12 * time.Hour,
		"-1h":     12 * time.Hour,
	} {
		if got := (&Config{JWTAccessTTL: in}).AccessTTL(); got != want {
			t.Errorf("AccessTTL(%q) = %v, want %v", in, got, want)
		}
	}
}
