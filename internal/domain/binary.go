package domain

import (
	"fmt"
	"os"
	"syscall"
)

// BinaryKind distinguishes how a BinaryStorage holds its bytes.
type BinaryKind int

const (
	BinaryOwned BinaryKind = iota
	BinaryMapped
)

// BinaryStorage holds an ELF image as either an owned buffer or a
// read-only memory map. Once set it is immutable; Size and Data agree
// for whichever variant is active.
type BinaryStorage struct {
	kind   BinaryKind
	owned  []byte
	mapped []byte
	file   *os.File
}

// NewOwnedBinary wraps an in-memory buffer (e.g. a fresh HTTP GET payload).
func NewOwnedBinary(b []byte) BinaryStorage {
	return BinaryStorage{kind: BinaryOwned, owned: b}
}

// NewMappedBinary mmaps path read-only and keeps the file open for its
// lifetime; Close unmaps and releases the descriptor.
func NewMappedBinary(path string) (BinaryStorage, error) {
	f, err := os.Open(path)
	if err != nil {
		return BinaryStorage{}, fmt.Errorf("domain: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return BinaryStorage{}, fmt.Errorf("domain: stat %s: %w", path, err)
	}
	if st.Size() == 0 {
		f.Close()
		return BinaryStorage{}, fmt.Errorf("domain: %s: %w", path, ErrEmptyPayload)
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(st.Size()), syscall.PROT_READ, syscall.MAP_PRIVATE)
	if err != nil {
		f.Close()
		return BinaryStorage{}, fmt.Errorf("domain: mmap %s: %w", path, err)
	}
	return BinaryStorage{kind: BinaryMapped, mapped: data, file: f}, nil
}

func (b BinaryStorage) IsSet() bool {
	return b.kind == BinaryOwned && len(b.owned) > 0 || b.kind == BinaryMapped && b.mapped != nil
}

func (b BinaryStorage) Size() int {
	switch b.kind {
	case BinaryOwned:
		return len(b.owned)
	case BinaryMapped:
		return len(b.mapped)
	default:
		return 0
	}
}

func (b BinaryStorage) Data() []byte {
	switch b.kind {
	case BinaryOwned:
		return b.owned
	case BinaryMapped:
		return b.mapped
	default:
		return nil
	}
}

// Dontneed is a no-op for an owned buffer and advises the OS the mapped
// pages are not needed soon (MADV_DONTNEED) for a memory-mapped one.
func (b BinaryStorage) Dontneed() error {
	if b.kind != BinaryMapped || b.mapped == nil {
		return nil
	}
	return syscall.Madvise(b.mapped, syscall.MADV_DONTNEED)
}

func (b *BinaryStorage) Close() error {
	if b.kind == BinaryMapped && b.mapped != nil {
		err := syscall.Munmap(b.mapped)
		b.mapped = nil
		if b.file != nil {
			b.file.Close()
			b.file = nil
		}
		return err
	}
	return nil
}
