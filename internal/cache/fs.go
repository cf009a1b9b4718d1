package cache

import (
	"io"
	"os"

	"github.com/spf13/afero"
)

// gacheFs adapts an afero filesystem to gache.FileSystem.
type gacheFs struct {
	fs afero.Fs
}

func (g gacheFs) OpenFile(name string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	return g.fs.OpenFile(name, flag, perm)
}

func (g gacheFs) MkdirAll(path string, perm os.FileMode) error {
	return g.fs.MkdirAll(path, perm)
}
