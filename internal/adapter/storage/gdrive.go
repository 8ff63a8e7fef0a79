package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/semmidev/pgmirror/internal/config"
)

// GDriveStorage archives dumps into a single Drive folder using a service
// account credentials file.
type GDriveStorage struct {
	service  *drive.Service
	folderID string
}

func NewGDrive(ctx context.Context, cfg config.UploadTarget) (*GDriveStorage, error) {
	if cfg.FolderID == "" {
		return nil, fmt.Errorf("gdrive target requires a folder_id")
	}

	service, err := drive.NewService(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	return &GDriveStorage{service: service, folderID: cfg.FolderID}, nil
}

// driveQuote escapes a value for use inside a Drive query string literal.
func driveQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

func (g *GDriveStorage) folderQuery(extra ...string) string {
	parts := append([]string{driveQuote(g.folderID) + " in parents", "trashed=false"}, extra...)
	return strings.Join(parts, " and ")
}

func (g *GDriveStorage) Upload(ctx context.Context, localPath string, remoteName string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	meta := &drive.File{Name: remoteName, Parents: []string{g.folderID}}
	if _, err := g.service.Files.Create(meta).Media(file).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to upload to gdrive: %w", err)
	}
	return nil
}

// names collects file names across every result page of the query.
func (g *GDriveStorage) names(ctx context.Context, query string) ([]string, error) {
	var files []string
	err := g.service.Files.List().
		Q(query).
		OrderBy("createdTime").
		Fields("nextPageToken, files(id, name)").
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				files = append(files, f.Name)
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return files, nil
}

func (g *GDriveStorage) List(ctx context.Context) ([]string, error) {
	return g.names(ctx, g.folderQuery())
}

func (g *GDriveStorage) Delete(ctx context.Context, remoteName string) error {
	list, err := g.service.Files.List().
		Q(g.folderQuery("name=" + driveQuote(remoteName))).
		Fields("files(id)").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to find file: %w", err)
	}
	if len(list.Files) == 0 {
		return fmt.Errorf("file not found: %s", remoteName)
	}

	if err := g.service.Files.Delete(list.Files[0].Id).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// GetOldFiles returns files created before cutoffTime, oldest first.
func (g *GDriveStorage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	return g.names(ctx, g.folderQuery("createdTime < "+driveQuote(cutoffTime.UTC().Format(time.RFC3339))))
}
