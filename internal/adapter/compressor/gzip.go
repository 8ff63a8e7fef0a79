package compressor

import (
	"fmt"
	"io"

	"github.com/klauspost/pgzip"
	"github.com/spf13/afero"
)

// GzipCompressor writes gzip streams using parallel block compression.
type GzipCompressor struct {
	fs    afero.Fs
	level int
}

func NewGzip(fs afero.Fs) *GzipCompressor {
	return &GzipCompressor{fs: fs, level: pgzip.BestSpeed}
}

func (g *GzipCompressor) Compress(sourcePath, destPath string) error {
	sourceFile, err := g.fs.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	destFile, err := g.fs.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create dest file: %w", err)
	}
	defer destFile.Close()

	gzipWriter, err := pgzip.NewWriterLevel(destFile, g.level)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := io.Copy(gzipWriter, sourceFile); err != nil {
		gzipWriter.Close()
		return fmt.Errorf("failed to compress: %w", err)
	}

	if err := gzipWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}

	return destFile.Sync()
}
