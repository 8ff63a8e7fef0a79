package domain

// Compressor packs a finished dump for archiving. Output must be readable
// by any standard gzip reader.
type Compressor interface {
	Compress(sourcePath, destPath string) error
}
