package export

import (
	"fmt"
	"io"

	"github.com/nicktill/fpcollect/pkg/aggregate"
	"github.com/nicktill/fpcollect/pkg/document"
)

// MaxImportBytes bounds an export read back from disk
const MaxImportBytes = 256 << 20

// ReadJSON loads an export written by ExportToJSON. Several exports can be
// combined offline with aggregate.Table.Merge.
func ReadJSON(r io.Reader) (*Envelope, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImportBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}
	if len(data) > MaxImportBytes {
		return nil, fmt.Errorf("export larger than %d bytes", MaxImportBytes)
	}

	var env Envelope
	if err := document.JSON().Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	if env.Metadata.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported export version %q", env.Metadata.Version)
	}
	if env.Table == nil {
		env.Table = make(aggregate.Table)
	}
	return &env, nil
}
