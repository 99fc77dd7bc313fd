package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/conveyor/internal/config"
	"github.com/zulandar/conveyor/internal/models"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want []string
	}{
		{
			name: "default local",
			cfg:  config.DatabaseConfig{Host: "127.0.0.1", Port: 3306, User: "root", Name: "conveyor"},
			want: []string{"root@tcp(127.0.0.1:3306)/conveyor", "parseTime=true"},
		},
		{
			name: "with password",
			cfg:  config.DatabaseConfig{Host: "db.internal", Port: 3307, User: "svc", Password: "pw", Name: "jobs"},
			want: []string{"svc:pw@tcp(db.internal:3307)/jobs", "parseTime=true"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("DSN() = %q, want to contain %q", got, w)
				}
			}
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"})
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if !strings.Contains(err.Error(), "unknown driver") {
		t.Errorf("error = %q, want to contain %q", err, "unknown driver")
	}
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	if _, err := OpenSQLite(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestAllModels(t *testing.T) {
	if got := len(AllModels()); got != 3 {
		t.Errorf("len(AllModels()) = %d, want 3", got)
	}
}

func TestAutoMigrate_Memory(t *testing.T) {
	gdb, err := OpenMigrated()
	if err != nil {
		t.Fatalf("OpenMigrated: %v", err)
	}
	for _, m := range AllModels() {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}

	job := models.Job{ID: "job-1", Status: "PENDING", InputRef: "inputs/a.txt"}
	if err := gdb.Create(&job).Error; err != nil {
		t.Fatalf("create job: %v", err)
	}
	var got models.Job
	if err := gdb.First(&got, "id = ?", "job-1").Error; err != nil {
		t.Fatalf("read job: %v", err)
	}
	if got.InputRef != "inputs/a.txt" {
		t.Errorf("InputRef = %q, want %q", got.InputRef, "inputs/a.txt")
	}
	if got.Failure() != nil {
		t.Errorf("Failure() = %+v, want nil", got.Failure())
	}
}

func TestOpen_SQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.db")
	gdb, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	if !gdb.Migrator().HasTable(&models.Job{}) {
		t.Error("jobs table missing")
	}
}
