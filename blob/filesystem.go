package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// FilesystemStore Store on a local directory
type FilesystemStore struct {
	goutils.Component
	root string
}

/*
NewFilesystemStore define a new local directory blob store

	@param root string - the store root directory. Created if missing.
	@returns new store
*/
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob store root '%s' [%w]", root, err)
	}
	if err := os.MkdirAll(absRoot, 0o700); err != nil {
		return nil, fmt.Errorf("failed to prepare blob store root '%s' [%w]", absRoot, err)
	}

	logTags := log.Fields{"module": "blob", "component": "filesystem-store", "root": absRoot}

	return &FilesystemStore{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		root: absRoot,
	}, nil
}

// Write store a new object. Objects are write-once.
func (s *FilesystemStore) Write(_ context.Context, objectPath string, data []byte) error {
	cleaned, err := cleanObjectPath(objectPath)
	if err != nil {
		return err
	}
	fullPath := filepath.Join(s.root, filepath.FromSlash(cleaned))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o700); err != nil {
		return fmt.Errorf("failed to prepare directory for '%s' [%w]", cleaned, err)
	}

	file, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("'%s' [%w]", cleaned, ErrObjectExists)
		}
		return fmt.Errorf("failed to create '%s' [%w]", cleaned, err)
	}

	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write '%s' [%w]", cleaned, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to flush '%s' [%w]", cleaned, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close '%s' [%w]", cleaned, err)
	}

	log.WithFields(s.LogTags).WithField("object", cleaned).Debug("Stored blob")
	return nil
}

// Read fetch an object
func (s *FilesystemStore) Read(_ context.Context, objectPath string) ([]byte, error) {
	cleaned, err := cleanObjectPath(objectPath)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(cleaned)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("'%s' [%w]", cleaned, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to read '%s' [%w]", cleaned, err)
	}
	return content, nil
}
