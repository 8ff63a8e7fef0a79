package usecase

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/spf13/afero"

	"github.com/semmidev/pgmirror/internal/domain"
)

// Filter removes statements that the target server does not understand from
// a plain SQL dump. Lines are copied byte for byte; a line is dropped when
// any pattern matches it from its first character.
type Filter struct {
	fs       afero.Fs
	patterns []*regexp.Regexp
	sources  []string
}

func NewFilter(fs afero.Fs, patterns []string) (*Filter, error) {
	f := &Filter{fs: fs}
	for _, p := range patterns {
		re, err := regexp.Compile(anchor(p))
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
		f.sources = append(f.sources, p)
	}
	return f, nil
}

// anchor wraps the whole pattern so every alternation branch is bound to the
// start of the line.
func anchor(pattern string) string {
	return "^(?:" + strings.TrimPrefix(pattern, "^") + ")"
}

// Apply filters rawPath into its sibling FilteredPath. The raw dump is kept.
func (f *Filter) Apply(rawPath string) (*domain.FilteredArtifact, error) {
	return f.ApplyTo(rawPath, FilteredPath(rawPath))
}

// ApplyTo filters src into dst. dst is written under a temporary name and
// renamed once complete, so a failed run never leaves a truncated script.
func (f *Filter) ApplyTo(src, dst string) (*domain.FilteredArtifact, error) {
	if src == dst {
		return nil, fmt.Errorf("filter output must differ from input: %s", src)
	}

	in, err := f.fs.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open dump: %w", err)
	}
	defer in.Close()

	tmp := dst + ".partial"
	out, err := f.fs.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to create filtered dump: %w", err)
	}

	artifact := &domain.FilteredArtifact{
		Path:       dst,
		SourcePath: src,
		Dropped:    make(map[string]int),
	}

	if err := f.copyLines(in, out, artifact); err != nil {
		out.Close()
		_ = f.fs.Remove(tmp)
		return nil, err
	}
	if err := out.Close(); err != nil {
		_ = f.fs.Remove(tmp)
		return nil, fmt.Errorf("failed to close filtered dump: %w", err)
	}
	if err := f.fs.Rename(tmp, dst); err != nil {
		_ = f.fs.Remove(tmp)
		return nil, fmt.Errorf("failed to move filtered dump into place: %w", err)
	}

	info, err := f.fs.Stat(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to stat filtered dump: %w", err)
	}
	artifact.Size = info.Size()

	return artifact, nil
}

func (f *Filter) copyLines(in io.Reader, out io.Writer, artifact *domain.FilteredArtifact) error {
	r := bufio.NewReaderSize(in, 64*1024)
	w := bufio.NewWriterSize(out, 64*1024)

	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) > 0 {
			artifact.LinesRead++
			if idx := f.match(line); idx >= 0 {
				artifact.LinesDropped++
				artifact.Dropped[f.sources[idx]]++
			} else if _, err := w.Write(line); err != nil {
				return fmt.Errorf("failed to write filtered dump: %w", err)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("failed to read dump: %w", readErr)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write filtered dump: %w", err)
	}
	return nil
}

// match returns the index of the first pattern matching line, or -1.
func (f *Filter) match(line []byte) int {
	content := bytes.TrimSuffix(line, []byte("\n"))
	content = bytes.TrimSuffix(content, []byte("\r"))
	for i, re := range f.patterns {
		if re.Match(content) {
			return i
		}
	}
	return -1
}
