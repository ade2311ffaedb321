package oss

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bitrise-io/go-objectstorage/oss/network"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// UploadFiles uploads every regular file under rootDir that matches the doublestar pattern
// (e.g. "**/*.ipa"). Object names are the slash separated paths relative to rootDir, under
// the optional prefix.
//
// Every file is uploaded independently: a failing file does not stop the others. The
// returned error lists every failure, the details of the successful uploads are returned
// in any case, ordered by object name.
func (c *Client) UploadFiles(ctx context.Context, bucketKey, rootDir, pattern, prefix string) ([]network.ObjectDetails, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern: %s", pattern)
	}

	files, err := matchFiles(os.DirFS(rootDir), pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate pattern %s in %s: %w", pattern, rootDir, err)
	}
	if len(files) == 0 {
		c.logger.Warnf("No files match %s in %s", pattern, rootDir)
		return nil, nil
	}
	c.logger.Printf("%d file(s) match %s", len(files), pattern)

	var (
		mu      sync.Mutex
		results []network.ObjectDetails
		errs    *multierror.Error
	)

	// Files are uploaded in parallel, each file with its own bounded part concurrency
	g := new(errgroup.Group)
	g.SetLimit(c.config.UploadConcurrency)
	for _, file := range files {
		file := file
		g.Go(func() error {
			objectName := path.Join(prefix, file)
			details, err := c.UploadFile(ctx, bucketKey, objectName, filepath.Join(rootDir, filepath.FromSlash(file)))

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, err)
				return nil
			}
			results = append(results, details)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].ObjectKey < results[j].ObjectKey })

	return results, errs.ErrorOrNil()
}

func matchFiles(fsys fs.FS, pattern string) ([]string, error) {
	matches, err := doublestar.Glob(fsys, pattern)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, match := range matches {
		info, err := fs.Stat(fsys, match)
		if err != nil {
			return nil, err
		}
		if info.Mode().IsRegular() {
			files = append(files, match)
		}
	}
	sort.Strings(files)

	return files, nil
}
