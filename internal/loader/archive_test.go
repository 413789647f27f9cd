package loader

import (
	"archive/tar"
	"bytes"
	"errors"
	"testing"

	"github.com/tinyhost/kvmengine/internal/domain"
)

func fakeELF(tag byte) []byte {
	b := append([]byte{0x7f, 'E', 'L', 'F'}, make([]byte, 32)...)
	b[len(b)-1] = tag
	return b
}

func tarOf(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, data := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("write data: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

func TestInspectBareELFIsBothRequestAndStorage(t *testing.T) {
	elf := fakeELF(1)
	p, err := inspect(elf)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !bytes.Equal(p.request, elf) {
		t.Fatalf("request mismatch")
	}
	if p.storage != nil {
		t.Fatalf("expected no dedicated storage entry for a bare ELF")
	}
}

func TestInspectArchiveSplitsRequestAndStorage(t *testing.T) {
	req := fakeELF(1)
	store := fakeELF(2)
	raw := tarOf(t, map[string][]byte{"handler": req, "handler_storage": store})

	p, err := inspect(raw)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !bytes.Equal(p.request, req) {
		t.Fatalf("request binary mismatch")
	}
	if !bytes.Equal(p.storage, store) {
		t.Fatalf("storage binary mismatch")
	}
}

func TestInspectArchiveRejectsMultipleRequestEntries(t *testing.T) {
	raw := tarOf(t, map[string][]byte{"a": fakeELF(1), "b": fakeELF(2)})
	_, err := inspect(raw)
	if err == nil {
		t.Fatalf("expected an error for more than one non-storage entry")
	}
	if !errors.Is(err, domain.ErrArchiveDecode) {
		t.Fatalf("expected ErrArchiveDecode, got %v", err)
	}
}

func TestInspectRejectsNonELFEntry(t *testing.T) {
	raw := tarOf(t, map[string][]byte{"handler": []byte("not an elf")})
	_, err := inspect(raw)
	if !errors.Is(err, domain.ErrInvalidELF) {
		t.Fatalf("expected ErrInvalidELF, got %v", err)
	}
}

func TestInspectRejectsEmptyPayload(t *testing.T) {
	_, err := inspect(nil)
	if !errors.Is(err, domain.ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}

