// Package decompress expands a gzip dump into a plain SQL file in bounded steps.
package decompress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/controlplane-com/dbmaint/pkg/shared/fs"
)

const defaultChunk = 4 << 20

// tools are tried in order when external decompression is allowed
var tools = []string{"pigz", "gzip"}

// State is persisted between steps
type State struct {
	// Written is the number of decompressed bytes durably in the output
	Written int64 `json:"written"`
	Done    bool  `json:"done"`
	// ExternalTried is set once an external tool has been attempted
	ExternalTried bool   `json:"externalTried,omitempty"`
	Tool          string `json:"tool,omitempty"`
	Steps         int    `json:"steps"`
}

type Decompressor struct {
	files    *fs.Sandbox
	external bool
	chunk    int64
	lookPath func(string) (string, error)
	now      func() time.Time
}

// New creates a decompressor. External tools are only used when allowed and the
// sandbox is backed by the OS filesystem.
func New(files *fs.Sandbox, allowExternal bool) *Decompressor {
	return &Decompressor{
		files:    files,
		external: allowExternal && files.IsOS(),
		chunk:    defaultChunk,
		lookPath: exec.LookPath,
		now:      time.Now,
	}
}

// Step decompresses src into dst until the input is exhausted or deadline
// passes. It returns true once dst holds the complete output.
func (d *Decompressor) Step(ctx context.Context, src, dst string, st *State, deadline time.Time) (bool, error) {
	if st.Done {
		return true, nil
	}
	st.Steps++

	if d.external && !st.ExternalTried && st.Written == 0 {
		st.ExternalTried = true
		done, err := d.runExternal(ctx, src, dst, st, deadline)
		if done {
			return true, nil
		}
		slog.Warn("external decompression unavailable, using built-in decoder", "src", src, "error", err)
		st.Tool = ""
	}
	return d.builtin(ctx, src, dst, st, deadline)
}

func (d *Decompressor) runExternal(ctx context.Context, src, dst string, st *State, deadline time.Time) (bool, error) {
	var path string
	for _, tool := range tools {
		if p, err := d.lookPath(tool); err == nil {
			path, st.Tool = p, tool
			break
		}
	}
	if path == "" {
		return false, errors.New("no external decompressor found")
	}
	srcPath, err := d.files.Resolve(src)
	if err != nil {
		return false, err
	}
	out, err := d.files.Create(dst)
	if err != nil {
		return false, err
	}
	defer out.Close()

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, path, "-dc", srcPath)
	cmd.Stdout = out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("%s failed: %w: %s", st.Tool, err, strings.TrimSpace(stderr.String()))
	}
	if err := out.Sync(); err != nil {
		return false, err
	}
	info, err := out.Stat()
	if err != nil {
		return false, err
	}
	st.Written = info.Size()
	st.Done = true
	slog.Info("dump decompressed", "tool", st.Tool, "size", st.Written)
	return true, nil
}

// builtin resumes by skipping the bytes already written; gzip has no random
// access into the compressed stream
func (d *Decompressor) builtin(ctx context.Context, src, dst string, st *State, deadline time.Time) (bool, error) {
	in, err := d.files.Open(src)
	if err != nil {
		return false, fmt.Errorf("failed to open compressed dump: %w", err)
	}
	defer in.Close()

	gz, err := pgzip.NewReader(in)
	if err != nil {
		return false, fmt.Errorf("invalid gzip stream: %w", err)
	}
	defer gz.Close()

	if st.Written > 0 {
		if _, err := io.CopyN(io.Discard, gz, st.Written); err != nil {
			return false, fmt.Errorf("failed to skip %d decompressed bytes: %w", st.Written, err)
		}
	}

	out, err := d.files.OpenFile(dst, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return false, fmt.Errorf("failed to open output: %w", err)
	}
	defer out.Close()
	if err := out.Truncate(st.Written); err != nil {
		return false, err
	}
	if _, err := out.Seek(st.Written, io.SeekStart); err != nil {
		return false, err
	}

	written := st.Written
	done := false
	// at least one chunk per step, however small the budget
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		n, err := io.CopyN(out, gz, d.chunk)
		written += n
		if errors.Is(err, io.EOF) {
			done = true
			break
		}
		if err != nil {
			return false, fmt.Errorf("decompression failed after %d bytes: %w", written, err)
		}
		if !d.now().Before(deadline) {
			break
		}
	}

	if err := out.Sync(); err != nil {
		return false, err
	}
	st.Written = written
	st.Done = done
	if done {
		slog.Info("dump decompressed", "size", written, "steps", st.Steps)
	}
	return done, nil
}
