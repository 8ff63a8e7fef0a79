package usecase

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const timestampLayout = "20060102150405"

var timestampPattern = regexp.MustCompile(`_(\d{14})(?:_filtered)?\.sql(?:\.gz)?$`)

// BackupFilename names a raw dump: {db}_{YYYYMMDDHHMMSS}.sql.
func BackupFilename(dbName string, at time.Time) string {
	return fmt.Sprintf("%s_%s.sql", dbName, at.Format(timestampLayout))
}

// FilteredPath returns the sibling path the filter writes to.
func FilteredPath(rawPath string) string {
	stem := strings.TrimSuffix(rawPath, filepath.Ext(rawPath))
	return stem + "_filtered.sql"
}

// extractTimestamp recovers the creation time encoded in a backup file name.
func extractTimestamp(filename string) (time.Time, error) {
	m := timestampPattern.FindStringSubmatch(filepath.Base(filename))
	if m == nil {
		return time.Time{}, fmt.Errorf("invalid filename format: no timestamp found in %q", filename)
	}
	return time.ParseInLocation(timestampLayout, m[1], time.Local)
}

// humanDate formats a time for start and completion banners.
func humanDate(t time.Time) string {
	return t.Format("Monday, 02 January 2006 15:04:05 MST")
}
