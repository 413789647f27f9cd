package loader

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/tinyhost/kvmengine/internal/domain"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}
var xzMagic = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}

// payload is the container-inspection result: request_binary always
// set, storage_binary set only when the archive carried a distinct
// storage entry (§3: "storage is optional — if absent but storage is
// enabled, falls back to request binary").
type payload struct {
	request []byte
	storage []byte // nil when the archive had no dedicated storage entry
}

// inspect classifies raw bytes per §4.1: a bare ELF is both request and
// storage binary; otherwise it must decode as a POSIX tar or tar.xz
// archive with exactly one non-storage entry.
func inspect(raw []byte) (payload, error) {
	if len(raw) == 0 {
		return payload{}, domain.ErrEmptyPayload
	}
	if bytes.HasPrefix(raw, elfMagic) {
		return payload{request: raw}, nil
	}
	return inspectArchive(raw)
}

func inspectArchive(raw []byte) (payload, error) {
	r := io.Reader(bytes.NewReader(raw))
	if bytes.HasPrefix(raw, xzMagic) {
		xr, err := xz.NewReader(bytes.NewReader(raw))
		if err != nil {
			return payload{}, fmt.Errorf("%w: xz: %v", domain.ErrArchiveDecode, err)
		}
		r = xr
	}

	tr := tar.NewReader(r)
	var p payload
	sawOther := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return payload{}, fmt.Errorf("%w: %v", domain.ErrArchiveDecode, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return payload{}, fmt.Errorf("%w: %v", domain.ErrArchiveDecode, err)
		}
		if strings.HasSuffix(hdr.Name, "storage") {
			p.storage = data
			continue
		}
		if sawOther {
			return payload{}, fmt.Errorf("%w: more than one non-storage entry", domain.ErrArchiveDecode)
		}
		p.request = data
		sawOther = true
	}
	if p.request == nil {
		return payload{}, fmt.Errorf("%w: no request-binary entry found", domain.ErrArchiveDecode)
	}
	if !bytes.HasPrefix(p.request, elfMagic) {
		return payload{}, domain.ErrInvalidELF
	}
	if p.storage != nil && !bytes.HasPrefix(p.storage, elfMagic) {
		return payload{}, domain.ErrInvalidELF
	}
	return p, nil
}
