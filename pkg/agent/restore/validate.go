package restore

import (
	"bufio"
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/controlplane-com/dbmaint/pkg/shared/fs"
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
)

// MinArtifactSize rejects files that cannot hold a header and one table
const MinArtifactSize = 64

const readChunk = 4 << 20

// ValidationError rejects an artifact before any data is touched
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "backup rejected: " + e.Reason
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the artifact against its recorded metadata and the live
// target database
func Validate(files *fs.Sandbox, meta *types.ArtifactMeta, path, database string) error {
	if meta == nil {
		return invalid("no metadata recorded for this file")
	}
	st, err := files.Stat(path)
	if err != nil {
		return invalid("file not readable: %v", err)
	}
	if st.Size() < MinArtifactSize {
		return invalid("file is too small (%d bytes)", st.Size())
	}
	if st.Size() != meta.Size {
		return invalid("file size %d does not match recorded size %d", st.Size(), meta.Size)
	}
	if meta.Database != database {
		return invalid("backup of database %q cannot be restored into %q", meta.Database, database)
	}
	if meta.SHA256 == "" {
		return invalid("no checksum recorded")
	}
	return nil
}

// checksumStep hashes the artifact from st.Offset until deadline and compares
// the result with want once the whole file is read
func checksumStep(files *fs.Sandbox, path, want string, st *ChecksumState, deadline time.Time, now func() time.Time) error {
	h := sha256.New()
	if st.Offset > 0 {
		if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(st.HashState); err != nil {
			return fmt.Errorf("failed to restore checksum state: %w", err)
		}
	}
	f, err := files.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(st.Offset, io.SeekStart); err != nil {
		return err
	}

	for {
		n, err := io.CopyN(h, f, readChunk)
		st.Offset += n
		if errors.Is(err, io.EOF) {
			st.Done = true
			break
		}
		if err != nil {
			return err
		}
		if !now().Before(deadline) {
			break
		}
	}
	if !st.Done {
		state, err := h.(encoding.BinaryMarshaler).MarshalBinary()
		if err != nil {
			return err
		}
		st.HashState = state
		return nil
	}
	st.HashState = nil
	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return invalid("checksum mismatch: file %s, recorded %s", got, want)
	}
	return nil
}

var createTableLine = regexp.MustCompile("^(?i)CREATE\\s+TABLE\\s+(?:IF\\s+NOT\\s+EXISTS\\s+)?`((?:[^`]|``)+)`")

// scanStep lists the tables created by the plain dump. It stops only at line
// boundaries so Offset is always the start of a line.
func scanStep(files *fs.Sandbox, path string, st *ScanState, deadline time.Time, now func() time.Time) error {
	f, err := files.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(st.Offset, io.SeekStart); err != nil {
		return err
	}

	br := bufio.NewReaderSize(f, 64<<10)
	lineStart := true
	offset := st.Offset
	for {
		chunk, err := br.ReadSlice('\n')
		offset += int64(len(chunk))
		if lineStart {
			if m := createTableLine.FindSubmatch(chunk); m != nil {
				st.Tables = append(st.Tables, unescapeIdent(string(m[1])))
			}
		}
		switch {
		case err == nil:
			lineStart = true
		case errors.Is(err, bufio.ErrBufferFull):
			lineStart = false
		case errors.Is(err, io.EOF):
			st.Offset = offset
			st.Done = true
			return nil
		default:
			return err
		}
		if lineStart {
			st.Offset = offset
			if !now().Before(deadline) {
				return nil
			}
		}
	}
}

func unescapeIdent(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		out = append(out, s[i])
		if s[i] == '`' && i+1 < len(s) && s[i+1] == '`' {
			i++
		}
	}
	return string(out)
}
