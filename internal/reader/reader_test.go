package reader

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validHeader = "FECHA UTC,HORA UTC,MAGNITUD,LATITUD,LONGITUD,PROFUNDIDAD,REFERENCIA DE LOCALIZACION,FECHA LOCAL,HORA LOCAL,ESTATUS"

func TestNormalizeColumnName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"FECHA UTC", "fecha_utc"},
		{" Hora UTC ", "hora_utc"},
		{"MAGNITUD", "magnitud"},
		{"PROFUNDIDAD (km)", "profundidad_km"},
		{"REFERENCIA DE LOCALIZACIÓN", "referencia_localizacion"},
		{"Referencia de Localizacion", "referencia_localizacion"},
		{"ESTATUS", "estatus"},
	}

	for _, tt := range tests {
		if got := NormalizeColumnName(tt.in); got != tt.want {
			t.Errorf("NormalizeColumnName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIterator_ReadsRecordsByNormalizedColumn(t *testing.T) {
	input := validHeader + "\n" +
		"19/09/2017,18:14:38,7.1,18.40,-98.72,57,\"12 km al SURESTE de AXOCHIAPAN, PUE\",19/09/2017,13:14:38,Revisado\n" +
		"01/01/2020,00:00:01,4.0,16.0,-99.0,,CERCA DE OAXACA,31/12/2019,18:00:01,Revisado\n"

	it, err := NewIterator(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer it.Close()

	first, err := it.Next()
	if err != nil {
		t.Fatalf("unexpected error on first record: %v", err)
	}

	if first["fecha_utc"] != "19/09/2017" {
		t.Errorf("fecha_utc = %q, want %q", first["fecha_utc"], "19/09/2017")
	}
	if first["referencia_localizacion"] != "12 km al SURESTE de AXOCHIAPAN, PUE" {
		t.Errorf("referencia_localizacion = %q", first["referencia_localizacion"])
	}

	second, err := it.Next()
	if err != nil {
		t.Fatalf("unexpected error on second record: %v", err)
	}
	if second["profundidad"] != "" {
		t.Errorf("profundidad = %q, want empty", second["profundidad"])
	}

	if _, err := it.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after last record, got %v", err)
	}
}

func TestIterator_ShortRowPadsMissingColumns(t *testing.T) {
	input := validHeader + "\n" +
		"19/09/2017,18:14:38,7.1\n"

	it, err := NewIterator(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, err := it.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec["magnitud"] != "7.1" {
		t.Errorf("magnitud = %q, want %q", rec["magnitud"], "7.1")
	}
	if rec["estatus"] != "" {
		t.Errorf("estatus = %q, want empty", rec["estatus"])
	}
}

func TestIterator_EmptyFeed(t *testing.T) {
	it, err := NewIterator(strings.NewReader(validHeader + "\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := it.Next(); err != io.EOF {
		t.Errorf("expected io.EOF on empty feed, got %v", err)
	}
}

func TestIterator_MissingRequiredColumn(t *testing.T) {
	input := "FECHA UTC,HORA UTC,LATITUD,LONGITUD,PROFUNDIDAD,REFERENCIA DE LOCALIZACION,FECHA LOCAL,HORA LOCAL,ESTATUS\n"

	_, err := NewIterator(strings.NewReader(input))
	if err == nil {
		t.Fatal("expected error for missing column, got nil")
	}

	var schemaErr *SchemaViolationError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected *SchemaViolationError, got %T", err)
	}
	if schemaErr.Column != "magnitud" {
		t.Errorf("Column = %q, want %q", schemaErr.Column, "magnitud")
	}
	if schemaErr.IsTransient() {
		t.Error("schema violations must not be retryable")
	}
}

func TestCSVFeed_Open(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sismos.csv")

	content := validHeader + "\n" +
		"19/09/2017,18:14:38,7.1,18.40,-98.72,57,REF,19/09/2017,13:14:38,Revisado\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	feed := NewCSVFeed(path)
	it, err := feed.Open(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer it.Close()

	rec, err := it.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec["magnitud"] != "7.1" {
		t.Errorf("magnitud = %q, want %q", rec["magnitud"], "7.1")
	}
}

func TestCSVFeed_OpenMissingFile(t *testing.T) {
	feed := NewCSVFeed(filepath.Join(t.TempDir(), "absent.csv"))

	_, err := feed.Open(context.Background())
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}

	var srcErr *SourceUnreadableError
	if !errors.As(err, &srcErr) {
		t.Fatalf("expected *SourceUnreadableError, got %T", err)
	}
	if srcErr.IsTransient() {
		t.Error("unreadable sources must not be retryable")
	}
}

func TestNewBatchID_Unique(t *testing.T) {
	a := NewBatchID()
	b := NewBatchID()

	if a == b {
		t.Errorf("expected distinct batch ids, got %q twice", a)
	}
	if len(a) != len("20060102T150405")+1+8 {
		t.Errorf("unexpected batch id shape: %q", a)
	}
}
