package elf

import (
	"os"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/fetcherr"
)

type cacheKey struct {
	path     string
	size     int64
	modTime  time.Time
	sections string
}

// Cache remembers inspection results of unchanged files. A file is
// considered unchanged while its size and modification time are.
type Cache struct {
	files *lru.Cache[cacheKey, *File]
}

func NewCache(size int) (*Cache, error) {
	files, err := lru.New[cacheKey, *File](size)
	if err != nil {
		return nil, errors.Wrap(err, "creating inspection cache")
	}
	return &Cache{files: files}, nil
}

// Inspect is InspectWithOptions backed by the cache. The returned File is
// shared and must not be modified.
func (c *Cache) Inspect(path string, opts InspectOptions) (*File, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, &fetcherr.NotFoundError{Kind: "file", Name: path, Err: err}
	}
	key := cacheKey{
		path:     path,
		size:     fi.Size(),
		modTime:  fi.ModTime(),
		sections: strings.Join(opts.Sections, ","),
	}
	if f, ok := c.files.Get(key); ok {
		return f, nil
	}
	f, err := InspectWithOptions(path, opts)
	if err != nil {
		return nil, err
	}
	c.files.Add(key, f)
	return f, nil
}

func (c *Cache) Len() int {
	return c.files.Len()
}
