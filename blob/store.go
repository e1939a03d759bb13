// Package blob - durable write-once storage for key backups
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrObjectExists the object path is already taken
var ErrObjectExists = errors.New("blob object already exists")

// ErrObjectNotFound no object at the path
var ErrObjectNotFound = errors.New("blob object not found")

// Store durable blob store
type Store interface {
	/*
		Write store a new object. Objects are write-once.

			@param ctx context.Context - execution context
			@param objectPath string - object path
			@param data []byte - object content
	*/
	Write(ctx context.Context, objectPath string, data []byte) error

	/*
		Read fetch an object

			@param ctx context.Context - execution context
			@param objectPath string - object path
			@returns object content
	*/
	Read(ctx context.Context, objectPath string) ([]byte, error)
}

// cleanObjectPath normalize an object path, refusing paths escaping the store root
func cleanObjectPath(objectPath string) (string, error) {
	if objectPath == "" {
		return "", fmt.Errorf("empty object path")
	}
	cleaned := path.Clean("/" + strings.TrimSpace(objectPath))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("object path '%s' is not usable", objectPath)
	}
	if strings.Contains(objectPath, "..") {
		return "", fmt.Errorf("object path '%s' may not contain '..'", objectPath)
	}
	return cleaned, nil
}
