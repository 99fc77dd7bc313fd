package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestJob_Fields(t *testing.T) {
	typ := reflect.TypeOf(Job{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:36")
	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "Status", "not null")
	assertGormTag(t, typ, "InputRef", "not null")
	assertGormTag(t, typ, "OutputRefs", "type:json")
	assertGormTag(t, typ, "Error", "type:json")
	assertGormTag(t, typ, "ExpiresAt", "index")
	assertGormTag(t, typ, "Transitions", "foreignKey:JobID")

	assertFieldType(t, typ, "ID", "string")
	assertFieldType(t, typ, "OutputRefs", "datatypes.JSONSlice[string]")
	assertFieldType(t, typ, "Error", "datatypes.JSON")
	assertFieldType(t, typ, "Partial", "bool")
	assertFieldType(t, typ, "CreatedAt", "time.Time")
	assertFieldType(t, typ, "ExpiresAt", "*time.Time")
	assertFieldType(t, typ, "Transitions", "[]models.JobTransition")
}

func TestJobTransition_Fields(t *testing.T) {
	typ := reflect.TypeOf(JobTransition{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "JobID", "index")
	assertGormTag(t, typ, "Note", "type:text")

	assertFieldType(t, typ, "JobID", "string")
	assertFieldType(t, typ, "CreatedAt", "time.Time")
}

func TestArtifactRecord_Fields(t *testing.T) {
	typ := reflect.TypeOf(ArtifactRecord{})

	assertGormTag(t, typ, "JobID", "uniqueIndex:idx_artifact_job_path")
	assertGormTag(t, typ, "Path", "uniqueIndex:idx_artifact_job_path")
	assertGormTag(t, typ, "Section", "index")

	assertFieldType(t, typ, "ChunkIndex", "*int")
	assertFieldType(t, typ, "ByteSize", "int")
}

func TestJob_Failure(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want *JobError
	}{
		{"empty", "", nil},
		{"null", "null", nil},
		{"structured", `{"kind":"MODEL_TIMEOUT","message":"chunk 2 timed out","stage":"CHUNKING"}`,
			&JobError{Kind: "MODEL_TIMEOUT", Message: "chunk 2 timed out", Stage: "CHUNKING"}},
		{"garbage", `not-json`, &JobError{Kind: "INTERNAL", Message: "not-json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := Job{Error: []byte(tt.raw)}
			got := j.Failure()
			if tt.want == nil {
				if got != nil {
					t.Errorf("Failure() = %+v, want nil", got)
				}
				return
			}
			if got == nil || *got != *tt.want {
				t.Errorf("Failure() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
