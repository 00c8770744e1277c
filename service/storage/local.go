package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

type localService struct {
	folder string
}

// NewLocal copies files into folder. An empty folder leaves files where they
// are.
func NewLocal(folder string) IService {
	return &localService{
		folder: folder,
	}
}

func (svc *localService) StoreFile(_ context.Context, fileName string) (string, error) {
	if svc.folder == "" {
		abs, err := filepath.Abs(fileName)
		if err != nil {
			return "", err
		}
		return "file://" + abs, nil
	}

	if err := os.MkdirAll(svc.folder, 0o755); err != nil {
		return "", xerrors.Errorf("creating storage folder: %w", err)
	}

	dest := filepath.Join(svc.folder, filepath.Base(fileName))
	if err := copyFile(fileName, dest); err != nil {
		return "", err
	}

	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", err
	}
	return "file://" + abs, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
